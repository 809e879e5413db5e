// Package app wires the classmesh subsystems into a running server.
//
// The App struct owns the full lifecycle: New resolves the identity backend
// and builds the room registry and HTTP surface, Run serves until the
// context ends, and Shutdown drains rooms and releases backends in order.
//
// For testing, inject doubles via functional options (WithIdentity,
// WithMetrics, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/health"
	"github.com/classmesh/classmesh/internal/iceconfig"
	"github.com/classmesh/classmesh/internal/identity"
	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/internal/room"
	"github.com/classmesh/classmesh/internal/signaling"
)

const (
	readHeaderTimeout = 10 * time.Second
	drainTimeout      = 15 * time.Second
)

// App owns all subsystem lifetimes of a classmesh server.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics
	drivers *config.Registry[identity.Adapter]
	watcher *config.Watcher

	// Subsystems, initialised in New and torn down in Shutdown.
	identity *identity.Guarded
	registry *room.Registry
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIdentity injects an identity adapter instead of creating one from
// config. The adapter is still wrapped with the circuit breaker.
func WithIdentity(a identity.Adapter) Option {
	return func(app *App) {
		app.drivers = config.NewRegistry[identity.Adapter]()
		app.drivers.Register(app.cfg.Identity.Driver, func(config.IdentityConfig) (identity.Adapter, error) {
			return a, nil
		})
	}
}

// WithDrivers replaces the identity driver registry.
func WithDrivers(reg *config.Registry[identity.Adapter]) Option {
	return func(app *App) { app.drivers = reg }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(app *App) { app.metrics = m }
}

// WithLevelVar lets hot reloads adjust the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(app *App) { app.level = v }
}

// WithWatcher enables hot reload from w. The watcher's callback must forward
// to [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(app *App) { app.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The context bounds backend connection and
// migration; it does not control the App's lifetime.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}
	if a.drivers == nil {
		a.drivers = a.defaultDrivers(ctx)
	}

	if err := a.initIdentity(); err != nil {
		a.closeAll()
		return nil, err
	}
	a.initRegistry()
	a.initHTTP()

	slog.Info("app initialised",
		"identity", cfg.Identity.Driver,
		"listen_addr", cfg.Server.ListenAddr,
		"tls", cfg.Server.TLS != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// defaultDrivers registers the built-in identity drivers. The postgres
// factory connects, migrates and registers the pool closer.
func (a *App) defaultDrivers(ctx context.Context) *config.Registry[identity.Adapter] {
	reg := config.NewRegistry[identity.Adapter]()
	reg.Register(config.DriverStatic, func(c config.IdentityConfig) (identity.Adapter, error) {
		return identity.NewStatic(c)
	})
	reg.Register(config.DriverPostgres, func(c config.IdentityConfig) (identity.Adapter, error) {
		pool, err := identity.Connect(ctx, c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		dir := identity.NewPostgresDirectory(pool)
		if err := dir.Migrate(ctx); err != nil {
			return nil, err
		}
		return dir, nil
	})
	return reg
}

func (a *App) initIdentity() error {
	adapter, err := a.drivers.Create(a.cfg.Identity)
	if err != nil {
		return fmt.Errorf("app: init identity: %w", err)
	}
	a.identity = identity.NewGuarded(adapter, a.cfg.Identity.Breaker, identity.WithMetrics(a.metrics))
	return nil
}

func (a *App) initRegistry() {
	policy := a.cfg.PeerLink.Timings().Policy()
	a.registry = room.NewRegistry(a.identity,
		room.WithChatLimit(a.cfg.Classroom.ChatHistoryLimit),
		room.WithInboxSize(a.cfg.Classroom.InboxSize),
		room.WithLinkPolicy(&policy),
		room.WithICE(iceconfig.New(a.cfg.ICE)),
		room.WithDevMode(a.cfg.Server.DevMode),
		room.WithRegistryMetrics(a.metrics),
	)
}

func (a *App) initHTTP() {
	a.health = health.New(health.Checker{
		Name:  "identity",
		Check: a.identity.Ping,
	})

	sig := signaling.New(a.registry, signaling.Options{
		AllowedOrigins:  a.cfg.Server.AllowedOrigins,
		OutboundBuffer:  a.cfg.Classroom.OutboundBuffer,
		PingInterval:    a.cfg.Classroom.PingInterval,
		MaxMessageBytes: a.cfg.Classroom.MaxMessageBytes,
		AdminToken:      a.cfg.Server.AdminToken,
		Metrics:         a.metrics,
	}).Handler()

	mux := http.NewServeMux()
	mux.Handle("GET /ws", sig)
	mux.Handle("GET /rooms", sig)
	mux.Handle("GET /rooms/{roomID}", sig)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Handler returns the full HTTP surface, for tests and embedding.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the room registry.
func (a *App) Registry() *room.Registry { return a.registry }

// Addr blocks until Run has bound its listener and returns its address.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener.Addr(), nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP (and polls the config file when a watcher is set) until
// ctx is cancelled, then drains. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return a.drain(dctx)
	})

	return g.Wait()
}

// drain flips readiness, stops accepting connections and closes every room.
// Closing rooms ends the hijacked websocket sessions that http.Server
// Shutdown does not track.
func (a *App) drain(ctx context.Context) error {
	slog.Info("draining", "rooms", a.registry.Len())
	a.health.SetDraining(true)
	if a.watcher != nil {
		a.watcher.Stop()
	}

	var errs []error
	if err := a.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: close rooms: %w", err))
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: shutdown http: %w", err))
	}
	return errors.Join(errs...)
}

// Reload applies the hot-reloadable part of a config change. Pass it as
// the [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChatHistoryLimitChanged {
		a.registry.SetChatLimit(d.NewChatHistoryLimit)
		slog.Info("chat history limit changed", "limit", d.NewChatHistoryLimit)
	}
	if d.ICEChanged {
		a.registry.SetICE(iceconfig.New(new.ICE))
		slog.Info("ice servers changed",
			"stun", len(new.ICE.STUNServers),
			"turn", len(new.ICE.TURN.URLs),
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains if Run has not already and releases backends. It is safe
// to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.drain(ctx); err != nil {
			slog.Warn("drain error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to a slog.Level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
