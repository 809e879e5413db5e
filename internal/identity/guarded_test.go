package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/internal/resilience"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// fakeAdapter returns canned results and counts calls.
type fakeAdapter struct {
	mu       sync.Mutex
	classErr error
	idErr    error
	calls    int
	pingErr  error
}

func (f *fakeAdapter) ResolveClass(_ context.Context, classID string) (Class, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.classErr != nil {
		return Class{}, f.classErr
	}
	return Class{ClassID: classID, RoomID: "room-" + classID}, nil
}

func (f *fakeAdapter) ResolveIdentity(_ context.Context, token, _ string) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.idErr != nil {
		return Identity{}, f.idErr
	}
	return Identity{UserID: token, Role: "student"}, nil
}

func (f *fakeAdapter) Ping(context.Context) error { return f.pingErr }

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestGuarded(t *testing.T, next Adapter, maxFailures int) (*Guarded, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	g := NewGuarded(next, config.BreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour}, WithMetrics(m))
	return g, reader
}

func lookups(t *testing.T, reader *sdkmetric.ManualReader, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "classmesh.identity.lookups" {
				continue
			}
			var total int64
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("status")); ok && v.AsString() == status {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

func TestGuarded_PassesResultsThrough(t *testing.T) {
	g, reader := newTestGuarded(t, &fakeAdapter{}, 2)
	ctx := context.Background()

	c, err := g.ResolveClass(ctx, "algebra")
	if err != nil || c.RoomID != "room-algebra" {
		t.Fatalf("ResolveClass = %+v, %v", c, err)
	}
	id, err := g.ResolveIdentity(ctx, "S", "algebra")
	if err != nil || id.UserID != "S" {
		t.Fatalf("ResolveIdentity = %+v, %v", id, err)
	}
	if got := lookups(t, reader, "ok"); got != 2 {
		t.Errorf("ok lookups = %d, want 2", got)
	}
}

func TestGuarded_RejectionsDoNotTripBreaker(t *testing.T) {
	next := &fakeAdapter{
		idErr:    fmt.Errorf("%w: nope", ErrRejected),
		classErr: fmt.Errorf("%w: nope", ErrClassNotFound),
	}
	g, reader := newTestGuarded(t, next, 2)
	ctx := context.Background()

	for range 5 {
		if _, err := g.ResolveIdentity(ctx, "t", "c"); !errors.Is(err, ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
		if _, err := g.ResolveClass(ctx, "c"); !errors.Is(err, ErrClassNotFound) {
			t.Fatalf("err = %v, want ErrClassNotFound", err)
		}
	}
	if s := g.Breaker().State(); s != resilience.StateClosed {
		t.Errorf("breaker = %v, want closed", s)
	}
	if got := lookups(t, reader, "rejected"); got != 5 {
		t.Errorf("rejected lookups = %d, want 5", got)
	}
	if got := lookups(t, reader, "not_found"); got != 5 {
		t.Errorf("not_found lookups = %d, want 5", got)
	}
}

func TestGuarded_OutageOpensBreaker(t *testing.T) {
	next := &fakeAdapter{classErr: errors.New("connection refused")}
	g, reader := newTestGuarded(t, next, 2)
	ctx := context.Background()

	for range 2 {
		_, _ = g.ResolveClass(ctx, "c")
	}
	before := next.callCount()

	_, err := g.ResolveClass(ctx, "c")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if next.callCount() != before {
		t.Error("backend called while the breaker is open")
	}
	if err := g.Ping(ctx); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Ping = %v, want ErrCircuitOpen", err)
	}
	if got := lookups(t, reader, "circuit_open"); got != 1 {
		t.Errorf("circuit_open lookups = %d, want 1", got)
	}
}

func TestGuarded_PingDelegates(t *testing.T) {
	down := errors.New("db down")
	g, _ := newTestGuarded(t, &fakeAdapter{pingErr: down}, 2)
	if err := g.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v, want %v", err, down)
	}

	s, err := NewStatic(config.IdentityConfig{})
	if err != nil {
		t.Fatal(err)
	}
	g, _ = newTestGuarded(t, s, 2)
	if err := g.Ping(context.Background()); err != nil {
		t.Errorf("Ping on static = %v, want nil", err)
	}
}
