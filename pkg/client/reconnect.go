package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectFailed is returned by [Reconnector.Run] when every attempt of
// a reconnection cycle failed.
var ErrReconnectFailed = errors.New("client: reconnection failed")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Client is the configuration every (re)connection dials with.
	Client Config

	// MaxRetries is the maximum number of attempts per reconnection cycle.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called with each replacement client. The new client
	// already holds a fresh snapshot of the room. May be nil.
	OnReconnect func(*Client)
}

// Reconnector keeps a participant in its room across transport failures.
// A dropped connection is redialed with exponential backoff; the server
// treats the rejoin as a reconnect and sends a fresh snapshot.
//
// Drops caused by [Client.Close], by another connection of the same user
// or by a refused join are final.
type Reconnector struct {
	cfg         Config
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(*Client)
	dial        func(context.Context, Config) (*Client, error)

	mu       sync.Mutex
	current  *Client
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		cfg:         cfg.Client,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		onReconnect: cfg.OnReconnect,
		dial:        Dial,
		done:        make(chan struct{}),
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Connect performs the initial join.
func (r *Reconnector) Connect(ctx context.Context) (*Client, error) {
	c, err := r.dial(ctx, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("client: initial connect: %w", err)
	}
	r.mu.Lock()
	r.current = c
	r.mu.Unlock()
	return c, nil
}

// Client returns the current client. It may be a stopped client while a
// reconnection is in progress.
func (r *Reconnector) Client() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run watches the current client and reconnects it when it drops. It
// returns nil when ctx ends or [Reconnector.Stop] is called, the final
// error of a client that must not be reconnected, or ErrReconnectFailed.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		c := r.Client()
		if c == nil {
			return errors.New("client: Run before Connect")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-c.Done():
		}

		err := c.Err()
		if !Retryable(err) {
			return err
		}
		slog.Warn("connection lost", "room_id", c.RoomID(), "user_id", c.Self().UserID, "err", err)
		if err := r.attemptReconnect(ctx); err != nil {
			return err
		}
	}
}

// attemptReconnect tries to rejoin with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) error {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		default:
		}

		slog.Info("attempting reconnection",
			"class_id", r.cfg.ClassID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		c, err := r.dial(ctx, r.cfg)
		if err == nil {
			r.mu.Lock()
			r.current = c
			r.mu.Unlock()

			slog.Info("reconnection successful", "room_id", c.RoomID(), "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(c)
			}
			return nil
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err

		slog.Warn("reconnection attempt failed",
			"class_id", r.cfg.ClassID,
			"attempt", attempt,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max retries", "class_id", r.cfg.ClassID, "max_retries", r.maxRetries)
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, r.maxRetries, lastErr)
}

// Stop halts Run and closes the current client. Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	if c := r.Client(); c != nil {
		return c.Close()
	}
	return nil
}

// Retryable reports whether a client that stopped with err should rejoin.
// Only an unavailable room among join refusals is worth retrying.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrSuperseded) {
		return false
	}
	var je *JoinError
	if errors.As(err, &je) {
		return je.Code == classroom.CodeRoomUnavailable
	}
	return true
}
