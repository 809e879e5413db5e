package peerlink

import (
	"math/rand/v2"
	"time"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// Default timing policy.
const (
	DefaultOfferFallback       = 4 * time.Second
	DefaultICECheckingTimeout  = 8 * time.Second
	DefaultMinBackoff          = 500 * time.Millisecond
	DefaultMaxBackoff          = 2 * time.Second
	DefaultRecoveryFallback    = 10 * time.Second
	DefaultMaxRecoveryAttempts = 3
)

// Timings is the per-room timing policy. All clients in a room must use the
// same values.
type Timings struct {
	// OfferFallback is how long the non-initiator waits for an offer before
	// offering itself.
	OfferFallback time.Duration
	// ICECheckingTimeout bounds how long ICE may stay in "checking" before
	// an ICE restart is attempted.
	ICECheckingTimeout time.Duration
	// MinBackoff and MaxBackoff bound the jittered delay before the
	// initiator re-creates a failed link.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// RecoveryFallback is how long the non-initiator waits, after a
	// failure, for the initiator's new offer before offering itself.
	RecoveryFallback time.Duration
	// MaxRecoveryAttempts caps consecutive failed recoveries of one pair.
	// The count resets whenever the link connects.
	MaxRecoveryAttempts int
}

// DefaultTimings returns the built-in timing policy.
func DefaultTimings() Timings {
	return Timings{
		OfferFallback:       DefaultOfferFallback,
		ICECheckingTimeout:  DefaultICECheckingTimeout,
		MinBackoff:          DefaultMinBackoff,
		MaxBackoff:          DefaultMaxBackoff,
		RecoveryFallback:    DefaultRecoveryFallback,
		MaxRecoveryAttempts: DefaultMaxRecoveryAttempts,
	}
}

// WithDefaults fills zero fields from DefaultTimings and repairs an inverted
// backoff range.
func (t Timings) WithDefaults() Timings {
	d := DefaultTimings()
	if t.OfferFallback <= 0 {
		t.OfferFallback = d.OfferFallback
	}
	if t.ICECheckingTimeout <= 0 {
		t.ICECheckingTimeout = d.ICECheckingTimeout
	}
	if t.MinBackoff <= 0 {
		t.MinBackoff = d.MinBackoff
	}
	if t.MaxBackoff <= 0 {
		t.MaxBackoff = d.MaxBackoff
	}
	if t.MaxBackoff < t.MinBackoff {
		t.MaxBackoff = t.MinBackoff
	}
	if t.RecoveryFallback <= 0 {
		t.RecoveryFallback = d.RecoveryFallback
	}
	if t.MaxRecoveryAttempts <= 0 {
		t.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	return t
}

// Policy converts t to its wire form.
func (t Timings) Policy() classroom.LinkPolicy {
	return classroom.LinkPolicy{
		OfferFallbackMillis:      t.OfferFallback.Milliseconds(),
		ICECheckingTimeoutMillis: t.ICECheckingTimeout.Milliseconds(),
		MinBackoffMillis:         t.MinBackoff.Milliseconds(),
		MaxBackoffMillis:         t.MaxBackoff.Milliseconds(),
		RecoveryFallbackMillis:   t.RecoveryFallback.Milliseconds(),
		MaxRecoveryAttempts:      t.MaxRecoveryAttempts,
	}
}

// TimingsFromPolicy converts the wire form back. Missing values fall back
// to the defaults.
func TimingsFromPolicy(p classroom.LinkPolicy) Timings {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Timings{
		OfferFallback:       ms(p.OfferFallbackMillis),
		ICECheckingTimeout:  ms(p.ICECheckingTimeoutMillis),
		MinBackoff:          ms(p.MinBackoffMillis),
		MaxBackoff:          ms(p.MaxBackoffMillis),
		RecoveryFallback:    ms(p.RecoveryFallbackMillis),
		MaxRecoveryAttempts: p.MaxRecoveryAttempts,
	}.WithDefaults()
}

// jitter returns a uniformly distributed duration in [lo, hi].
func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
