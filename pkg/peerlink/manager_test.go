package peerlink

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classmesh/pkg/classroom"
)

func TestManager_AddPeerReplacesStaleLink(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)

	if err := mi.AddPeer(studentS); err != nil {
		t.Fatal(err)
	}
	first := n.engine("I", "S")
	if err := mi.AddPeer(studentS); err != nil {
		t.Fatal(err)
	}
	if !first.isClosed() {
		t.Error("stale engine not closed on reconnect")
	}
	if mi.Links() != 1 || n.engineCount("I", "S") != 2 {
		t.Errorf("links=%d engines=%d, want 1/2", mi.Links(), n.engineCount("I", "S"))
	}
}

func TestManager_AddPeerIgnoresSelf(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	if err := mi.AddPeer(instructorI); err != nil {
		t.Fatal(err)
	}
	if mi.Links() != 0 {
		t.Error("link toward self created")
	}
}

func TestManager_RemovePeer(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	n.join(studentS)
	n.connect(instructorI, studentS)

	eng := n.engine("I", "S")
	mi.RemovePeer("S")
	if mi.Link("S") != nil || !eng.isClosed() {
		t.Error("RemovePeer left the link open")
	}
}

// A failed link is torn down and the initiator re-creates it exactly once
// after a jittered delay within [MinBackoff, MaxBackoff].
func TestManager_InitiatorRecoversOnceAfterBackoff(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	ms := n.join(studentS)
	n.connect(instructorI, studentS)

	// Both sides observe the failure; the relay loses nothing.
	n.engine("S", "I").hooks.OnICEStateChange(ICEFailed)
	n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)

	if mi.Link("S") != nil || ms.Link("I") != nil {
		t.Fatal("failed links not torn down")
	}
	sched := n.eventsOf("I", EventRecoveryScheduled)
	if len(sched) != 1 {
		t.Fatalf("recovery-scheduled events = %d, want 1", len(sched))
	}
	delay := sched[0].Delay
	if delay < DefaultMinBackoff || delay > DefaultMaxBackoff {
		t.Fatalf("backoff %v outside [%v, %v]", delay, DefaultMinBackoff, DefaultMaxBackoff)
	}

	n.clock.Advance(delay)
	if n.engineCount("I", "S") != 2 {
		t.Fatalf("initiator engines = %d, want 2 after one re-creation", n.engineCount("I", "S"))
	}
	n.deliver()
	requireState(t, mi.Link("S"), SignalingStable)
	requireState(t, ms.Link("I"), SignalingStable)

	// The student's promotion timer was superseded by the incoming offer.
	n.clock.Advance(2 * DefaultRecoveryFallback)
	if got := n.engineCount("I", "S"); got != 2 {
		t.Errorf("initiator engines after waiting = %d, want 2", got)
	}
	if got := n.engineCount("S", "I"); got != 2 {
		t.Errorf("student engines = %d, want 2", got)
	}
	if got := n.sentBy("S", classroom.SignalOffer); got != 0 {
		t.Errorf("student offered %d times, want 0", got)
	}
}

// The initiator can notice a failure well before the other side. Its
// recovery offer must replace the student's stale link rather than
// renegotiate it, so the stale link's own failure later changes nothing
// and the student never offers.
func TestManager_RecoveryOfferReplacesStaleLink(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	ms := n.join(studentS)
	n.connect(instructorI, studentS)
	staleEngine := n.engine("S", "I")
	staleGen := ms.Link("I").RemoteGeneration()

	n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
	if ms.Link("I") == nil {
		t.Fatal("student link gone before the student saw a failure")
	}
	sched := n.eventsOf("I", EventRecoveryScheduled)
	if len(sched) != 1 {
		t.Fatalf("recovery-scheduled events = %d, want 1", len(sched))
	}
	n.clock.Advance(sched[0].Delay)
	n.deliver()

	if !staleEngine.isClosed() {
		t.Error("stale student engine still open")
	}
	if got := n.engineCount("S", "I"); got != 2 {
		t.Fatalf("student engines = %d, want 2", got)
	}
	staleEngine.mu.Lock()
	remote := len(staleEngine.remote)
	staleEngine.mu.Unlock()
	if remote != 1 {
		t.Errorf("stale engine saw %d remote descriptions, want only the original offer", remote)
	}
	l := ms.Link("I")
	requireState(t, l, SignalingStable)
	requireState(t, mi.Link("S"), SignalingStable)
	if got, want := l.RemoteGeneration(), mi.Link("S").Generation(); got != want || got == staleGen {
		t.Errorf("remote generation = %d, want %d (stale %d)", got, want, staleGen)
	}
	if len(n.eventsOf("S", EventLinkReplaced)) != 1 {
		t.Error("missing link-replaced event")
	}

	// The old transport finally reports the failure on the student side.
	staleEngine.hooks.OnICEStateChange(ICEFailed)
	n.clock.Advance(2 * DefaultRecoveryFallback)
	n.deliver()

	if ms.Link("I") != l {
		t.Error("stale failure tore down the recovered link")
	}
	if got := len(n.eventsOf("S", EventRecoveryScheduled)); got != 0 {
		t.Errorf("student scheduled %d recoveries, want 0", got)
	}
	if got := n.sentBy("S", classroom.SignalOffer); got != 0 {
		t.Errorf("student offered %d times, want 0", got)
	}
	if got := n.sentBy("I", classroom.SignalOffer); got != 2 {
		t.Errorf("instructor offers = %d, want 2", got)
	}
	if got := n.engineCount("S", "I"); got != 2 {
		t.Errorf("student engines = %d, want 2", got)
	}
}

func TestManager_DropsSignalsFromPreviousGeneration(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	ms := n.join(studentS)
	n.connect(instructorI, studentS)

	oldGen := ms.Link("I").RemoteGeneration()
	n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
	n.clock.Advance(DefaultMaxBackoff)
	n.deliver()
	if mi.Link("S").Generation() == oldGen {
		t.Fatal("recreated link reused the old generation")
	}

	late := classroom.CandidatePayload(webrtc.ICECandidateInit{Candidate: "candidate:late"})
	late.Generation = oldGen
	if err := ms.HandleSignal("I", classroom.RoleInstructor, late); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	e := n.engine("S", "I")
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.candidates {
		if c == "candidate:late" {
			t.Error("candidate from the previous link was applied")
		}
	}
}

// If the initiator never recovers, the other side offers itself once the
// longer recovery window elapses.
func TestManager_NonInitiatorPromotedAfterRecoveryFallback(t *testing.T) {
	n := newNetwork(t)
	n.join(instructorI)
	ms := n.join(studentS)
	n.connect(instructorI, studentS)

	// Only the student sees the failure; the instructor is unresponsive.
	delete(n.managers, "I")
	n.engine("S", "I").hooks.OnICEStateChange(ICEFailed)

	sched := n.eventsOf("S", EventRecoveryScheduled)
	if len(sched) != 1 || sched[0].Delay != DefaultRecoveryFallback {
		t.Fatalf("recovery-scheduled = %+v, want one with delay %v", sched, DefaultRecoveryFallback)
	}
	if DefaultRecoveryFallback <= DefaultMaxBackoff {
		t.Fatal("recovery fallback must exceed the initiator's backoff window")
	}

	n.clock.Advance(DefaultRecoveryFallback - time.Millisecond)
	if ms.Link("I") != nil {
		t.Fatal("promoted before the recovery window elapsed")
	}
	n.clock.Advance(time.Millisecond)
	l := ms.Link("I")
	if l == nil {
		t.Fatal("non-initiator did not re-create the link")
	}
	requireState(t, l, SignalingHaveLocalOffer)
	if !l.Polite() {
		t.Error("promoted link must stay polite")
	}
	if got := n.sentBy("S", classroom.SignalOffer); got != 1 {
		t.Errorf("student offers = %d, want 1", got)
	}
	if len(n.eventsOf("S", EventRecoveryAttempt)) != 1 {
		t.Error("missing recovery-attempt event")
	}
}

func TestManager_PeerLostAfterMaxAttempts(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI, WithTimings(Timings{MaxRecoveryAttempts: 2}), WithJitter(func(lo, _ time.Duration) time.Duration { return lo }))
	if err := mi.AddPeer(studentS); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
		n.clock.Advance(DefaultMinBackoff)
		if mi.Link("S") == nil {
			t.Fatalf("attempt %d: link not re-created", attempt)
		}
	}
	n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
	n.clock.Advance(time.Minute)

	if mi.Link("S") != nil {
		t.Error("link re-created past the attempt cap")
	}
	lost := n.eventsOf("I", EventPeerLost)
	if len(lost) != 1 || lost[0].Attempt != 2 {
		t.Errorf("peer-lost events = %+v, want one after 2 attempts", lost)
	}
}

func TestManager_ConnectResetsAttempts(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI, WithTimings(Timings{MaxRecoveryAttempts: 1}), WithJitter(func(lo, _ time.Duration) time.Duration { return lo }))
	if err := mi.AddPeer(studentS); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
		n.clock.Advance(DefaultMinBackoff)
		if mi.Link("S") == nil {
			t.Fatal("link not re-created")
		}
		n.engine("I", "S").hooks.OnICEStateChange(ICEConnected)
	}
	if len(n.eventsOf("I", EventPeerLost)) != 0 {
		t.Error("peer lost despite successful reconnects")
	}
}

func TestManager_RemovePeerCancelsRecovery(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	if err := mi.AddPeer(studentS); err != nil {
		t.Fatal(err)
	}
	n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
	mi.RemovePeer("S")
	n.clock.Advance(time.Minute)
	if mi.Link("S") != nil || n.engineCount("I", "S") != 1 {
		t.Error("recovery ran after the peer left")
	}
}

func TestManager_CloseStopsEverything(t *testing.T) {
	n := newNetwork(t)
	mi := n.join(instructorI)
	for _, p := range []Member{studentS, student100} {
		if err := mi.AddPeer(p); err != nil {
			t.Fatal(err)
		}
	}
	n.engine("I", "S").hooks.OnICEStateChange(ICEFailed)
	if err := mi.Close(); err != nil {
		t.Fatal(err)
	}
	if !n.engine("I", "100").isClosed() {
		t.Error("Close left an engine open")
	}
	n.clock.Advance(time.Minute)
	if mi.Links() != 0 {
		t.Errorf("links after Close = %d", mi.Links())
	}
	if err := mi.AddPeer(studentS); err != ErrClosed {
		t.Errorf("AddPeer after Close = %v, want ErrClosed", err)
	}
}
