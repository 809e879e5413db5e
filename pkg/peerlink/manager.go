package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// ErrNoLink is returned when an answer or candidate arrives from a peer the
// manager has no link with.
var ErrNoLink = errors.New("peerlink: no link for peer")

// Option configures a [Manager].
type Option func(*Manager)

// WithTimings overrides the default timing policy.
func WithTimings(t Timings) Option {
	return func(m *Manager) { m.timings = t.WithDefaults() }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithObserver registers a callback for link and recovery events. It is
// called without any manager lock held.
func WithObserver(fn func(Event)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithJitter replaces the backoff jitter source. fn must return a value in
// [lo, hi].
func WithJitter(fn func(lo, hi time.Duration) time.Duration) Option {
	return func(m *Manager) { m.jitter = fn }
}

// recovery tracks the failure history of one peer pair.
type recovery struct {
	attempts int
	timer    Timer
	// gen invalidates timers scheduled before the latest AddPeer/RemovePeer.
	gen uint64
}

// Manager owns the links of one local member: at most one open link per
// remote peer. It creates links when peers appear, routes relayed signals
// to them and runs the failure recovery policy.
type Manager struct {
	self     Member
	factory  EngineFactory
	signaler Signaler
	timings  Timings
	clock    Clock
	log      *slog.Logger
	observer func(Event)
	jitter   func(lo, hi time.Duration) time.Duration

	mu       sync.Mutex
	peers    map[string]Member
	links    map[string]*Link
	recovery map[string]*recovery
	gen      uint64
	linkGen  uint64 // numbers created links, see classroom.SignalPayload
	closed   bool
}

// NewManager creates a manager for the local member self.
func NewManager(self Member, factory EngineFactory, signaler Signaler, opts ...Option) *Manager {
	m := &Manager{
		self:     self,
		factory:  factory,
		signaler: signaler,
		timings:  DefaultTimings(),
		clock:    SystemClock(),
		log:      slog.Default(),
		jitter:   jitter,
		peers:    make(map[string]Member),
		links:    make(map[string]*Link),
		recovery: make(map[string]*recovery),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("self_id", self.UserID)
	return m
}

// Self returns the local member.
func (m *Manager) Self() Member { return m.self }

// Timings returns the active timing policy.
func (m *Manager) Timings() Timings { return m.timings }

// Link returns the open link toward peerID, or nil.
func (m *Manager) Link(peerID string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerID]
}

// Links returns the number of open links.
func (m *Manager) Links() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// AddPeer registers a remote member, from the join roster or a
// participant-joined event, and starts a fresh link toward it. Any previous
// link toward the same user is stale (the user reconnected) and is closed
// first, along with any pending recovery.
func (m *Manager) AddPeer(peer Member) error {
	if peer.UserID == m.self.UserID {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.peers[peer.UserID] = peer
	stale := m.links[peer.UserID]
	delete(m.links, peer.UserID)
	m.resetRecoveryLocked(peer.UserID)

	l, err := m.newLinkLocked(peer, IsInitiator(m.self, peer))
	m.mu.Unlock()

	if stale != nil {
		m.log.Debug("replacing stale link", "peer_id", peer.UserID)
		stale.Close()
	}
	if err != nil {
		return err
	}
	return l.Start()
}

// RemovePeer closes the link toward userID and forgets the peer.
func (m *Manager) RemovePeer(userID string) {
	m.mu.Lock()
	l := m.links[userID]
	delete(m.links, userID)
	delete(m.peers, userID)
	m.resetRecoveryLocked(userID)
	delete(m.recovery, userID)
	m.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// HandleSignal routes a relayed payload from another member. An offer from
// a peer with no open link creates one in the answering role; an answer or
// candidate without a link returns ErrNoLink.
//
// An offer tagged with a different generation than the peer used so far
// means the peer tore its link down and recreated it, possibly before this
// side noticed the failure. The local link is stale: it is closed and the
// offer is answered on a fresh one. Answers and candidates from an earlier
// generation are dropped.
func (m *Manager) HandleSignal(from string, fromRole classroom.Role, p classroom.SignalPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	l := m.links[from]
	var stale *Link
	if l != nil && p.Generation != 0 {
		if known := l.RemoteGeneration(); known != 0 && known != p.Generation {
			if p.Kind != classroom.SignalOffer {
				m.mu.Unlock()
				m.log.Debug("dropping signal from previous link", "peer_id", from, "kind", p.Kind,
					"generation", p.Generation, "current", known)
				return nil
			}
			stale = l
			l = nil
			delete(m.links, from)
		}
	}
	if l == nil {
		if p.Kind != classroom.SignalOffer {
			m.mu.Unlock()
			m.log.Debug("signal for unknown link", "peer_id", from, "kind", p.Kind)
			return ErrNoLink
		}
		peer, ok := m.peers[from]
		if !ok {
			peer = Member{UserID: from, Role: fromRole}
			m.peers[from] = peer
		}
		// An offer beats any pending recovery timer for this pair.
		if r := m.recovery[from]; r != nil {
			stopTimer(&r.timer)
		}
		var err error
		l, err = m.newLinkLocked(peer, false)
		if err != nil {
			m.mu.Unlock()
			if stale != nil {
				stale.Close()
			}
			return err
		}
	}
	if p.Generation != 0 {
		l.remoteGen.CompareAndSwap(0, p.Generation)
	}
	m.mu.Unlock()

	if stale != nil {
		m.log.Info("peer recreated its link, replacing ours", "peer_id", from, "generation", p.Generation)
		stale.Close()
		m.emit(Event{Kind: EventLinkReplaced, PeerID: from})
	}

	switch p.Kind {
	case classroom.SignalOffer:
		return l.HandleOffer(*p.Description)
	case classroom.SignalAnswer:
		return l.HandleAnswer(*p.Description)
	default:
		return l.HandleCandidate(*p.Candidate)
	}
}

// Close tears down every link and cancels pending recovery.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := m.links
	m.links = make(map[string]*Link)
	for id := range m.recovery {
		m.resetRecoveryLocked(id)
	}
	m.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) newLinkLocked(peer Member, offerer bool) (*Link, error) {
	m.linkGen++
	l, err := newLink(linkConfig{
		self:     m.self,
		peer:     peer,
		offerer:  offerer,
		gen:      m.linkGen,
		timings:  m.timings,
		clock:    m.clock,
		signaler: m.signaler,
		factory:  m.factory,
		notify:   m.onLinkEvent,
		log:      m.log,
	})
	if err != nil {
		return nil, err
	}
	m.links[peer.UserID] = l
	return l, nil
}

// resetRecoveryLocked cancels any pending recovery for peerID and clears
// its attempt count.
func (m *Manager) resetRecoveryLocked(peerID string) {
	m.gen++
	r := m.recovery[peerID]
	if r == nil {
		return
	}
	stopTimer(&r.timer)
	r.attempts = 0
	r.gen = m.gen
}

func (m *Manager) recoveryLocked(peerID string) *recovery {
	r := m.recovery[peerID]
	if r == nil {
		r = &recovery{gen: m.gen}
		m.recovery[peerID] = r
	}
	return r
}

func (m *Manager) onLinkEvent(l *Link, ev Event) {
	switch ev.Kind {
	case EventConnected:
		m.mu.Lock()
		if m.links[ev.PeerID] == l {
			if r := m.recovery[ev.PeerID]; r != nil {
				r.attempts = 0
			}
		}
		m.mu.Unlock()
	case EventFailed:
		m.emit(ev)
		m.handleFailure(l)
		return
	}
	m.emit(ev)
}

// handleFailure tears down a failed link and schedules exactly one
// re-creation. The initiator waits a jittered backoff and offers; the other
// side waits the longer recovery fallback and offers only if the initiator
// has not re-established the link by then.
func (m *Manager) handleFailure(l *Link) {
	peerID := l.peer.UserID
	m.mu.Lock()
	if m.closed || m.links[peerID] != l {
		m.mu.Unlock()
		l.Close()
		return
	}
	delete(m.links, peerID)
	r := m.recoveryLocked(peerID)
	stopTimer(&r.timer)
	r.attempts++
	attempt := r.attempts
	if attempt > m.timings.MaxRecoveryAttempts {
		m.mu.Unlock()
		l.Close()
		m.log.Warn("giving up on peer", "peer_id", peerID, "attempts", attempt-1)
		m.emit(Event{Kind: EventPeerLost, PeerID: peerID, Attempt: attempt - 1})
		return
	}
	delay := m.timings.RecoveryFallback
	if l.initiator {
		delay = m.jitter(m.timings.MinBackoff, m.timings.MaxBackoff)
	}
	gen := r.gen
	r.timer = m.clock.AfterFunc(delay, func() { m.recreate(peerID, gen, attempt) })
	m.mu.Unlock()

	l.Close()
	m.log.Info("link failed, recovery scheduled",
		"peer_id", peerID, "attempt", attempt, "delay", delay, "initiator", l.initiator)
	m.emit(Event{Kind: EventRecoveryScheduled, PeerID: peerID, Attempt: attempt, Delay: delay})
}

func (m *Manager) recreate(peerID string, gen uint64, attempt int) {
	m.mu.Lock()
	r := m.recovery[peerID]
	peer, known := m.peers[peerID]
	if m.closed || !known || r == nil || r.gen != gen || m.links[peerID] != nil {
		m.mu.Unlock()
		return
	}
	r.timer = nil
	l, err := m.newLinkLocked(peer, true)
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("recreate link failed", "peer_id", peerID, "err", err)
		return
	}
	m.emit(Event{Kind: EventRecoveryAttempt, PeerID: peerID, Attempt: attempt})
	if err := l.Start(); err != nil {
		m.log.Warn("recovery offer failed", "peer_id", peerID, "err", fmt.Errorf("attempt %d: %w", attempt, err))
	}
}

func (m *Manager) emit(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}
