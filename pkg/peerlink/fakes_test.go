package peerlink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// ── fake clock ───────────────────────────────────────────────────────────

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d, firing due timers in deadline order.
// Callbacks run without the clock lock held.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// pending returns the remaining durations of active timers.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ── fake engine ──────────────────────────────────────────────────────────

type fakeEngine struct {
	mu         sync.Mutex
	peer       Member
	hooks      EngineHooks
	offers     int
	restarts   int
	answers    int
	rollbacks  int
	remote     []webrtc.SessionDescription
	candidates []string
	closed     bool
}

func (e *fakeEngine) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers++
	if iceRestart {
		e.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", e.offers)}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", e.answers)}, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, d webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = append(e.remote, d)
	return nil
}

func (e *fakeEngine) Rollback(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollbacks++
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c.Candidate)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) stats() (offers, answers, rollbacks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers, e.answers, e.rollbacks
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ── in-memory relay between managers ─────────────────────────────────────

type envelope struct {
	from, to string
	payload  classroom.SignalPayload
}

// network queues signals so that delivery happens only when the test calls
// deliver, mirroring the asynchronous relay through the coordinator.
type network struct {
	t        *testing.T
	clock    *fakeClock
	mu       sync.Mutex
	queue    []envelope
	sent     []envelope
	members  map[string]Member
	managers map[string]*Manager
	engines  map[string][]*fakeEngine
	events   map[string][]Event
}

func newNetwork(t *testing.T) *network {
	return &network{
		t:        t,
		clock:    newFakeClock(),
		members:  make(map[string]Member),
		managers: make(map[string]*Manager),
		engines:  make(map[string][]*fakeEngine),
		events:   make(map[string][]Event),
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// join creates a manager for self. It does not add any peers.
func (n *network) join(self Member, opts ...Option) *Manager {
	n.members[self.UserID] = self
	factory := func(peer Member, hooks EngineHooks) (Engine, error) {
		e := &fakeEngine{peer: peer, hooks: hooks}
		n.mu.Lock()
		key := self.UserID + "->" + peer.UserID
		n.engines[key] = append(n.engines[key], e)
		n.mu.Unlock()
		return e, nil
	}
	signaler := SignalerFunc(func(_ context.Context, to string, p classroom.SignalPayload) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		env := envelope{from: self.UserID, to: to, payload: p}
		n.queue = append(n.queue, env)
		n.sent = append(n.sent, env)
		return nil
	})
	base := []Option{
		WithClock(n.clock),
		WithLogger(discardLogger()),
		WithObserver(func(ev Event) {
			n.mu.Lock()
			n.events[self.UserID] = append(n.events[self.UserID], ev)
			n.mu.Unlock()
		}),
	}
	m := NewManager(self, factory, signaler, append(base, opts...)...)
	n.managers[self.UserID] = m
	n.t.Cleanup(func() { m.Close() })
	return m
}

// deliver drains the queue, including anything sent while draining.
// Signals to members without a manager are dropped.
func (n *network) deliver() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		m := n.managers[env.to]
		if m == nil {
			continue
		}
		if err := m.HandleSignal(env.from, n.members[env.from].Role, env.payload); err != nil {
			n.t.Logf("deliver %s %s->%s: %v", env.payload.Kind, env.from, env.to, err)
		}
	}
}

// drop discards everything queued.
func (n *network) drop() {
	n.mu.Lock()
	n.queue = nil
	n.mu.Unlock()
}

func (n *network) engine(self, peer string) *fakeEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	es := n.engines[self+"->"+peer]
	if len(es) == 0 {
		n.t.Fatalf("no engine %s->%s", self, peer)
	}
	return es[len(es)-1]
}

func (n *network) engineCount(self, peer string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.engines[self+"->"+peer])
}

func (n *network) sentBy(from string, kind classroom.SignalKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, env := range n.sent {
		if env.from == from && env.payload.Kind == kind {
			count++
		}
	}
	return count
}

func (n *network) eventsOf(self string, kind EventKind) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events[self] {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// connect adds each member as the other's peer and completes negotiation.
func (n *network) connect(a, b Member) {
	n.t.Helper()
	if err := n.managers[a.UserID].AddPeer(b); err != nil {
		n.t.Fatalf("AddPeer: %v", err)
	}
	if err := n.managers[b.UserID].AddPeer(a); err != nil {
		n.t.Fatalf("AddPeer: %v", err)
	}
	n.deliver()
	n.engine(a.UserID, b.UserID).hooks.OnICEStateChange(ICEConnected)
	n.engine(b.UserID, a.UserID).hooks.OnICEStateChange(ICEConnected)
}

func requireState(t *testing.T, l *Link, wantSig SignalingState) {
	t.Helper()
	if l == nil {
		t.Fatal("link is nil")
	}
	if sig, _ := l.State(); sig != wantSig {
		t.Fatalf("signaling state = %s, want %s", sig, wantSig)
	}
}
