package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/classmesh/classmesh/internal/identity"
	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── sinks ────────────────────────────────────────────────────────────────────

// recordingSink records delivered messages. A positive capacity makes
// Deliver fail once that many messages are held, like a full outbound
// buffer.
type recordingSink struct {
	id       string
	capacity int

	mu     sync.Mutex
	msgs   []*classroom.Message
	closed bool
}

func newSink(id string) *recordingSink { return &recordingSink{id: id} }

func (s *recordingSink) ConnectionID() string { return s.id }

func (s *recordingSink) Deliver(msg *classroom.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.capacity > 0 && len(s.msgs) >= s.capacity) {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) messages() []*classroom.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*classroom.Message(nil), s.msgs...)
}

func (s *recordingSink) types() []classroom.MessageType {
	var out []classroom.MessageType
	for _, m := range s.messages() {
		out = append(out, m.Type)
	}
	return out
}

// ofType returns the recorded messages of type typ.
func (s *recordingSink) ofType(typ classroom.MessageType) []*classroom.Message {
	var out []*classroom.Message
	for _, m := range s.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

// ── clock and ids ────────────────────────────────────────────────────────────

// stepClock advances one second on every reading, so join order is
// reflected in JoinedAt.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

// ── metrics ──────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums the int64 sum metric name over data points whose attribute
// key equals value. An empty key sums every point.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, met.Data)
			}
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ── rooms ────────────────────────────────────────────────────────────────────

func newTestRoom(t *testing.T, mutate func(*Settings)) *Coordinator {
	t.Helper()
	m, _ := newTestMetrics(t)
	ids := &seqIDs{}
	s := Settings{
		RoomID:  "r1",
		ClassID: "c1",
		Metrics: m,
		Now:     newStepClock().Now,
		NewID:   ids.next,
	}
	if mutate != nil {
		mutate(&s)
	}
	c := NewCoordinator(s)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func instructor(id string) identity.Identity {
	return identity.Identity{UserID: id, DisplayName: "Prof " + id, Role: classroom.RoleInstructor}
}

func student(id string) identity.Identity {
	return identity.Identity{UserID: id, DisplayName: "Student " + id, Role: classroom.RoleStudent}
}

// join admits id on a fresh sink whose connection id is "conn-"+userID.
// The joined message is checked and cleared from the sink.
func join(t *testing.T, c *Coordinator, id identity.Identity) (*recordingSink, JoinResult) {
	t.Helper()
	sink := newSink("conn-" + id.UserID)
	res, err := c.Join(context.Background(), id, sink, nil)
	if err != nil {
		t.Fatalf("Join(%s): %v", id.UserID, err)
	}
	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0].Type != classroom.TypeJoined || msgs[0].Seq != res.Seq || msgs[0].Snapshot == nil {
		t.Fatalf("Join(%s): connection received %v, want a single joined message", id.UserID, sink.types())
	}
	sink.reset()
	return sink, res
}

func as(userID string) Caller {
	return Caller{UserID: userID, ConnectionID: "conn-" + userID}
}

func info(t *testing.T, c *Coordinator) Info {
	t.Helper()
	in, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	return in
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func testOffer() classroom.SignalPayload {
	return classroom.OfferPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP})
}
