package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classmesh/pkg/classroom"
)

var (
	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("peerlink: link closed")
	// ErrUnexpectedAnswer is returned when an answer arrives while no local
	// offer is pending. The answer is dropped and the link is unchanged.
	ErrUnexpectedAnswer = errors.New("peerlink: answer without pending offer")
)

// linkConfig carries everything a Link needs from its Manager.
type linkConfig struct {
	self, peer Member
	// offerer makes Start create an offer immediately instead of arming the
	// offer fallback timer.
	offerer  bool
	gen      uint64
	timings  Timings
	clock    Clock
	signaler Signaler
	factory  EngineFactory
	notify   func(*Link, Event)
	log      *slog.Logger
}

// Link is the state machine for one connection between the local member
// and one remote peer. All methods are safe for concurrent use.
//
// Politeness is fixed at creation: the deterministic initiator is impolite
// and ignores a colliding offer, the other side is polite and rolls back
// its own offer. That stays true after fallback or recovery promotes the
// non-initiator to offerer.
type Link struct {
	self, peer Member
	initiator  bool
	polite     bool
	offerer    bool
	gen        uint64

	// remoteGen is the peer's link generation, learned from its first
	// tagged signal.
	remoteGen atomic.Uint64

	timings  Timings
	clock    Clock
	signaler Signaler
	engine   Engine
	notify   func(*Link, Event)
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	signaling         SignalingState
	ice               ICEState
	remoteDescSet     bool
	queued            []webrtc.ICECandidateInit
	checkingStartedAt time.Time
	iceRestarts       int
	offerFallback     Timer
	checkingTimer     Timer
	closed            bool
}

func newLink(cfg linkConfig) (*Link, error) {
	ctx, cancel := context.WithCancel(context.Background())
	initiator := IsInitiator(cfg.self, cfg.peer)
	l := &Link{
		self:      cfg.self,
		peer:      cfg.peer,
		initiator: initiator,
		polite:    !initiator,
		offerer:   cfg.offerer,
		gen:       cfg.gen,
		timings:   cfg.timings,
		clock:     cfg.clock,
		signaler:  cfg.signaler,
		notify:    cfg.notify,
		log:       cfg.log.With("peer_id", cfg.peer.UserID),
		ctx:       ctx,
		cancel:    cancel,
		signaling: SignalingStable,
		ice:       ICENew,
	}
	engine, err := cfg.factory(cfg.peer, EngineHooks{
		OnLocalCandidate: l.handleLocalCandidate,
		OnICEStateChange: l.handleICEState,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("peerlink: create engine for %s: %w", cfg.peer.UserID, err)
	}
	l.engine = engine
	return l, nil
}

// Peer returns the remote member.
func (l *Link) Peer() Member { return l.peer }

// Initiator reports whether the local member is the deterministic initiator.
func (l *Link) Initiator() bool { return l.initiator }

// Generation returns the local link generation sent with every signal.
func (l *Link) Generation() uint64 { return l.gen }

// RemoteGeneration returns the peer's link generation, or 0 before the peer
// has signalled on this link.
func (l *Link) RemoteGeneration() uint64 { return l.remoteGen.Load() }

// Polite reports whether this side yields on offer collision.
func (l *Link) Polite() bool { return l.polite }

// State returns the current signaling and ICE states.
func (l *Link) State() (SignalingState, ICEState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signaling, l.ice
}

// Pending returns the number of remote candidates waiting for a remote
// description.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queued)
}

// CheckingStartedAt returns when ICE last entered checking, or the zero
// time if it is not checking.
func (l *Link) CheckingStartedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkingStartedAt
}

// ICERestarts returns how many ICE restarts this link has attempted.
func (l *Link) ICERestarts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iceRestarts
}

// Start begins negotiation. An offerer sends its offer now; a non-offerer
// arms the offer fallback timer and waits.
func (l *Link) Start() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.offerer {
		if !l.remoteDescSet {
			l.offerFallback = l.clock.AfterFunc(l.timings.OfferFallback, l.onOfferFallback)
		}
		l.mu.Unlock()
		return nil
	}
	err := l.offerLocked(false)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.emit(EventOfferSent)
	return nil
}

// offerLocked creates and sends an offer. Callers hold l.mu.
func (l *Link) offerLocked(iceRestart bool) error {
	stopTimer(&l.offerFallback)
	desc, err := l.engine.CreateOffer(l.ctx, iceRestart)
	if err != nil {
		return fmt.Errorf("peerlink: create offer: %w", err)
	}
	l.signaling = SignalingHaveLocalOffer
	if err := l.send(classroom.OfferPayload(desc)); err != nil {
		return fmt.Errorf("peerlink: send offer: %w", err)
	}
	l.log.Debug("offer sent", "ice_restart", iceRestart)
	return nil
}

// send tags p with the link generation and hands it to the signaler.
func (l *Link) send(p classroom.SignalPayload) error {
	p.Generation = l.gen
	return l.signaler.Signal(l.ctx, l.peer.UserID, p)
}

func (l *Link) onOfferFallback() {
	l.mu.Lock()
	if l.closed || l.remoteDescSet || l.signaling != SignalingStable {
		l.mu.Unlock()
		return
	}
	l.offerFallback = nil
	l.log.Info("no offer received, offering as fallback", "after", l.timings.OfferFallback)
	err := l.offerLocked(false)
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("fallback offer failed", "err", err)
		return
	}
	l.emit(EventFallbackOffer)
}

// HandleOffer applies a remote offer and answers it. On collision with a
// pending local offer the polite side rolls back and the impolite side
// ignores the remote offer.
func (l *Link) HandleOffer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	var glare EventKind
	if l.signaling == SignalingHaveLocalOffer {
		if !l.polite {
			l.mu.Unlock()
			l.log.Debug("ignoring colliding offer")
			l.emit(EventGlareIgnored)
			return nil
		}
		if err := l.engine.Rollback(l.ctx); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("peerlink: rollback: %w", err)
		}
		l.signaling = SignalingStable
		glare = EventGlareRolledBack
		l.log.Debug("rolled back local offer on collision")
	}
	stopTimer(&l.offerFallback)

	if err := l.engine.SetRemoteDescription(l.ctx, desc); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("peerlink: set remote offer: %w", err)
	}
	l.remoteDescSet = true
	l.signaling = SignalingHaveRemoteOffer
	l.flushLocked()

	answer, err := l.engine.CreateAnswer(l.ctx)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("peerlink: create answer: %w", err)
	}
	l.signaling = SignalingStable
	err = l.send(classroom.AnswerPayload(answer))
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("peerlink: send answer: %w", err)
	}
	if glare != "" {
		l.emit(glare)
	}
	l.emit(EventAnswerSent)
	return nil
}

// HandleAnswer applies a remote answer to the pending local offer.
func (l *Link) HandleAnswer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.signaling != SignalingHaveLocalOffer {
		l.log.Debug("dropping answer", "signaling_state", l.signaling)
		return ErrUnexpectedAnswer
	}
	if err := l.engine.SetRemoteDescription(l.ctx, desc); err != nil {
		return fmt.Errorf("peerlink: set remote answer: %w", err)
	}
	l.remoteDescSet = true
	l.signaling = SignalingStable
	l.flushLocked()
	return nil
}

// HandleCandidate applies a remote candidate, or queues it until a remote
// description has been set.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !l.remoteDescSet {
		l.queued = append(l.queued, c)
		return nil
	}
	if err := l.engine.AddICECandidate(l.ctx, c); err != nil {
		return fmt.Errorf("peerlink: add candidate: %w", err)
	}
	return nil
}

// flushLocked applies queued candidates in arrival order. Each candidate is
// applied at most once; one that the engine rejects is logged and dropped.
func (l *Link) flushLocked() {
	queued := l.queued
	l.queued = nil
	for _, c := range queued {
		if err := l.engine.AddICECandidate(l.ctx, c); err != nil {
			l.log.Warn("queued candidate rejected", "err", err)
		}
	}
}

func (l *Link) handleLocalCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	if err := l.send(classroom.CandidatePayload(c)); err != nil {
		l.log.Debug("send candidate failed", "err", err)
	}
}

func (l *Link) handleICEState(s ICEState) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	prev := l.ice
	l.ice = s
	var ev EventKind
	switch s {
	case ICEChecking:
		if prev != ICEChecking {
			l.checkingStartedAt = l.clock.Now()
			stopTimer(&l.checkingTimer)
			l.checkingTimer = l.clock.AfterFunc(l.timings.ICECheckingTimeout, l.onCheckingTimeout)
		}
	case ICEConnected, ICECompleted:
		stopTimer(&l.checkingTimer)
		l.checkingStartedAt = time.Time{}
		if prev != ICEConnected && prev != ICECompleted {
			ev = EventConnected
		}
	case ICEDisconnected:
		// Transient; ICE usually recovers on its own.
		l.log.Debug("ice disconnected")
	case ICEFailed:
		stopTimer(&l.checkingTimer)
		stopTimer(&l.offerFallback)
		l.checkingStartedAt = time.Time{}
		ev = EventFailed
	}
	l.mu.Unlock()
	if ev != "" {
		l.emit(ev)
	}
}

func (l *Link) onCheckingTimeout() {
	l.mu.Lock()
	if l.closed || l.ice != ICEChecking {
		l.mu.Unlock()
		return
	}
	l.checkingTimer = nil
	if l.signaling != SignalingStable {
		// A negotiation is already in flight; check again later.
		l.checkingTimer = l.clock.AfterFunc(l.timings.ICECheckingTimeout, l.onCheckingTimeout)
		l.mu.Unlock()
		return
	}
	l.log.Info("ice stuck in checking, restarting", "since", l.checkingStartedAt)
	l.iceRestarts++
	err := l.offerLocked(true)
	if err == nil {
		l.checkingStartedAt = l.clock.Now()
		l.checkingTimer = l.clock.AfterFunc(l.timings.ICECheckingTimeout, l.onCheckingTimeout)
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("ice restart failed", "err", err)
		return
	}
	l.emit(EventICERestart)
}

// Close tears the link down. It is idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.signaling = SignalingClosed
	l.ice = ICEClosed
	l.queued = nil
	stopTimer(&l.offerFallback)
	stopTimer(&l.checkingTimer)
	l.mu.Unlock()

	l.cancel()
	return l.engine.Close()
}

func (l *Link) emit(kind EventKind) {
	if l.notify != nil {
		l.notify(l, Event{Kind: kind, PeerID: l.peer.UserID})
	}
}
