// Package identity answers the two questions the room coordinator asks before
// admitting anyone: which live room hosts a class, and who a bearer token
// belongs to within that class.
//
// Two adapters are provided: [Static] serves a directory from the config file
// and [PostgresDirectory] reads the LMS enrollment tables. [Guarded] wraps
// either one with a circuit breaker, metrics and a span.
package identity

import (
	"context"
	"errors"

	"github.com/classmesh/classmesh/pkg/classroom"
)

var (
	// ErrRejected means the token is unknown, expired, or its user is not
	// enrolled in the class. It is an answer, not an outage.
	ErrRejected = errors.New("identity: rejected")

	// ErrClassNotFound means the class id does not map to a live room.
	ErrClassNotFound = errors.New("identity: class not found")
)

// Identity is a resolved participant.
type Identity struct {
	UserID      string
	DisplayName string
	Role        classroom.Role
}

// Class is the class metadata record created by the LMS before any join is
// possible.
type Class struct {
	ClassID string
	RoomID  string
	Title   string
}

// Adapter resolves classes and identities.
type Adapter interface {
	// ResolveClass returns the class record, or an error wrapping
	// ErrClassNotFound.
	ResolveClass(ctx context.Context, classID string) (Class, error)

	// ResolveIdentity returns the identity the token belongs to within
	// classID, or an error wrapping ErrRejected.
	ResolveIdentity(ctx context.Context, token, classID string) (Identity, error)
}

// Pinger is implemented by adapters with a remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}
