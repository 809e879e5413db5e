package peerlink

import "time"

// EventKind names a notable transition of a link or of its recovery.
type EventKind string

const (
	EventOfferSent         EventKind = "offer-sent"
	EventAnswerSent        EventKind = "answer-sent"
	EventFallbackOffer     EventKind = "fallback-offer"
	EventGlareRolledBack   EventKind = "glare-rolled-back"
	EventGlareIgnored      EventKind = "glare-ignored"
	EventICERestart        EventKind = "ice-restart"
	EventConnected         EventKind = "connected"
	EventFailed            EventKind = "failed"
	EventRecoveryScheduled EventKind = "recovery-scheduled"
	EventRecoveryAttempt   EventKind = "recovery-attempt"
	EventPeerLost          EventKind = "peer-lost"
	EventLinkReplaced      EventKind = "link-replaced"
)

// Event is delivered to a Manager's observer.
type Event struct {
	Kind   EventKind
	PeerID string
	// Attempt is the recovery attempt number, for recovery events.
	Attempt int
	// Delay is the scheduled wait, for EventRecoveryScheduled.
	Delay time.Duration
}
