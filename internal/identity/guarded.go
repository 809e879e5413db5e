package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/internal/resilience"
)

// Guarded wraps an [Adapter] with a circuit breaker, lookup metrics and a
// span per call. Rejections and unknown classes are answers and never trip
// the breaker; backend errors do.
type Guarded struct {
	next    Adapter
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var (
	_ Adapter = (*Guarded)(nil)
	_ Pinger  = (*Guarded)(nil)
)

// GuardOption configures a [Guarded] adapter.
type GuardOption func(*guardOptions)

type guardOptions struct {
	metrics *observe.Metrics
	now     func() time.Time
}

// WithMetrics records lookups on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) GuardOption {
	return func(o *guardOptions) { o.metrics = m }
}

// WithNow replaces the breaker's clock.
func WithNow(now func() time.Time) GuardOption {
	return func(o *guardOptions) { o.now = now }
}

// NewGuarded wraps next.
func NewGuarded(next Adapter, cfg config.BreakerConfig, opts ...GuardOption) *Guarded {
	var o guardOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return &Guarded{
		next:    next,
		metrics: o.metrics,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "identity",
			MaxFailures:  cfg.MaxFailures,
			ResetTimeout: cfg.ResetTimeout,
			HalfOpenMax:  cfg.HalfOpenMax,
			IsFailure:    isOutage,
			Now:          o.now,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("identity breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func isOutage(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrRejected),
		errors.Is(err, ErrClassNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Breaker exposes the breaker, for readiness checks.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }

// ResolveClass implements [Adapter].
func (g *Guarded) ResolveClass(ctx context.Context, classID string) (Class, error) {
	var c Class
	err := g.call(ctx, "resolve_class", func(ctx context.Context) error {
		var err error
		c, err = g.next.ResolveClass(ctx, classID)
		return err
	}, classID)
	return c, err
}

// ResolveIdentity implements [Adapter].
func (g *Guarded) ResolveIdentity(ctx context.Context, token, classID string) (Identity, error) {
	var id Identity
	err := g.call(ctx, "resolve_identity", func(ctx context.Context) error {
		var err error
		id, err = g.next.ResolveIdentity(ctx, token, classID)
		return err
	}, classID)
	return id, err
}

// Ping reports the breaker state and, when the wrapped adapter has a
// backend, pings it outside the breaker.
func (g *Guarded) Ping(ctx context.Context) error {
	if err := g.breaker.Check(ctx); err != nil {
		return err
	}
	if p, ok := g.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error, classID string) error {
	ctx, span := observe.StartIdentitySpan(ctx, op, classID)

	start := time.Now()
	err := g.breaker.Execute(func() error { return fn(ctx) })
	status := lookupStatus(err)
	g.metrics.RecordIdentityLookup(ctx, op, status, time.Since(start))

	var fault error
	if isOutage(err) {
		fault = err
	}
	observe.EndSpan(span, status, fault)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("identity: %s: %w", op, err)
	}
	return err
}

func lookupStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrClassNotFound):
		return "not_found"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
