package peerlink

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// SignalingState is the offer/answer negotiation state of a link.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ICEState is the connectivity state reported by the engine.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// Engine is the WebRTC capability a link drives. Implementations apply the
// descriptions they create as the local description before returning them.
//
// Engines must never invoke their [EngineHooks] synchronously from inside
// one of these methods.
type Engine interface {
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer and returns to stable.
	Rollback(ctx context.Context) error
	AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	Close() error
}

// EngineHooks receives asynchronous engine notifications.
type EngineHooks struct {
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnICEStateChange func(ICEState)
}

// EngineFactory builds an engine for a link toward peer.
type EngineFactory func(peer Member, hooks EngineHooks) (Engine, error)

// Signaler delivers a payload to another member through the coordinator.
type Signaler interface {
	Signal(ctx context.Context, to string, payload classroom.SignalPayload) error
}

// SignalerFunc adapts a function to [Signaler].
type SignalerFunc func(ctx context.Context, to string, payload classroom.SignalPayload) error

func (f SignalerFunc) Signal(ctx context.Context, to string, payload classroom.SignalPayload) error {
	return f(ctx, to, payload)
}
