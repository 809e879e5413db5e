package room

import "github.com/classmesh/classmesh/pkg/classroom"

// Sink is the outbound side of one participant connection.
type Sink interface {
	// ConnectionID identifies the transport session. A reconnecting user
	// arrives with a new one.
	ConnectionID() string

	// Deliver queues msg without blocking and reports whether it was
	// queued. The message is shared between recipients and must not be
	// modified.
	Deliver(msg *classroom.Message) bool

	// Close tears the connection down. It must not block on the
	// coordinator.
	Close()
}

// Caller identifies who issues a coordinator operation. An empty
// ConnectionID matches any connection of the user.
type Caller struct {
	UserID       string
	ConnectionID string
}
