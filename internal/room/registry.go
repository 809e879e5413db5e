package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/classmesh/classmesh/internal/identity"
	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/pkg/classroom"
	"golang.org/x/sync/errgroup"
)

// ICEProvider issues the ICE servers handed to a participant on join.
type ICEProvider interface {
	Servers(userID string) []classroom.ICEServer
}

// JoinRequest is an admission request as it arrives from the transport.
type JoinRequest struct {
	// RoomID may be empty, in which case the class's room is used.
	RoomID  string
	ClassID string
	Token   string
}

// Registry is the process-wide table of live rooms. Rooms are created on
// the first join and removed once their roster is empty.
//
// The registry lock is never held while waiting on a coordinator.
type Registry struct {
	identity identity.Adapter
	opts     registryOptions

	mu        sync.Mutex
	rooms     map[string]*Coordinator
	pending   map[string]int // joins between lookup and admission
	chatLimit int
	ice       ICEProvider
	closed    bool
}

// RegistryOption configures a [Registry].
type RegistryOption func(*registryOptions)

type registryOptions struct {
	chatLimit int
	inboxSize int
	policy    *classroom.LinkPolicy
	ice       ICEProvider
	devMode   bool
	metrics   *observe.Metrics
	now       func() time.Time
	newID     func() string
}

// WithChatLimit sets the chat history cap of new rooms.
func WithChatLimit(n int) RegistryOption {
	return func(o *registryOptions) { o.chatLimit = n }
}

// WithInboxSize sets the command queue length of new rooms.
func WithInboxSize(n int) RegistryOption {
	return func(o *registryOptions) { o.inboxSize = n }
}

// WithLinkPolicy sets the peer-link timing policy sent to joiners.
func WithLinkPolicy(p *classroom.LinkPolicy) RegistryOption {
	return func(o *registryOptions) { o.policy = p }
}

// WithICE sets the ICE server source.
func WithICE(p ICEProvider) RegistryOption {
	return func(o *registryOptions) { o.ice = p }
}

// WithDevMode makes invariant violations panic.
func WithDevMode(on bool) RegistryOption {
	return func(o *registryOptions) { o.devMode = on }
}

// WithRegistryMetrics records on m instead of [observe.DefaultMetrics].
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(o *registryOptions) { o.metrics = m }
}

// WithClock replaces the time source of the registry and its rooms.
func WithClock(now func() time.Time) RegistryOption {
	return func(o *registryOptions) { o.now = now }
}

// WithIDs replaces the generator of chat and poll ids.
func WithIDs(newID func() string) RegistryOption {
	return func(o *registryOptions) { o.newID = newID }
}

// NewRegistry returns an empty registry admitting participants through id.
func NewRegistry(id identity.Adapter, opts ...RegistryOption) *Registry {
	var o registryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return &Registry{
		identity:  id,
		opts:      o,
		rooms:     make(map[string]*Coordinator),
		pending:   make(map[string]int),
		chatLimit: o.chatLimit,
		ice:       o.ice,
	}
}

// SetChatLimit changes the chat history cap for rooms created from now on.
func (r *Registry) SetChatLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatLimit = n
}

// SetICE replaces the ICE server source for subsequent joins.
func (r *Registry) SetICE(p ICEProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ice = p
}

// Join resolves the class and the token, then admits the participant into
// the class's room, creating the room if needed. The returned coordinator
// receives the participant's subsequent operations.
func (r *Registry) Join(ctx context.Context, req JoinRequest, sink Sink) (*Coordinator, JoinResult, error) {
	start := r.opts.now()
	ctx, span := observe.StartJoinSpan(ctx, req.ClassID, sink.ConnectionID())

	c, res, err := r.join(ctx, req, sink)
	status := joinStatus(err)
	r.opts.metrics.RecordJoin(ctx, status, r.opts.now().Sub(start))

	log := observe.Logger(ctx).With("class_id", req.ClassID, "conn_id", sink.ConnectionID())
	if err != nil {
		observe.EndSpan(span, status, err)
		log.Info("join refused", "status", status, "err", err)
		return nil, JoinResult{}, err
	}
	observe.SetMember(span, c.RoomID(), res.Snapshot.Self.UserID)
	observe.EndSpan(span, status, nil)
	log.Debug("join admitted", "room_id", c.RoomID(), "user_id", res.Snapshot.Self.UserID, "reconnected", res.Reconnected)
	return c, res, nil
}

func (r *Registry) join(ctx context.Context, req JoinRequest, sink Sink) (*Coordinator, JoinResult, error) {
	if strings.TrimSpace(req.ClassID) == "" {
		return nil, JoinResult{}, fmt.Errorf("%w: class id is required", ErrBadRequest)
	}
	class, err := r.identity.ResolveClass(ctx, req.ClassID)
	if err != nil {
		return nil, JoinResult{}, admissionError(err)
	}
	roomID := class.RoomID
	if roomID == "" {
		roomID = class.ClassID
	}
	if req.RoomID != "" && req.RoomID != roomID {
		return nil, JoinResult{}, fmt.Errorf("%w: class %q is not hosted in room %q", ErrRoomUnavailable, req.ClassID, req.RoomID)
	}
	id, err := r.identity.ResolveIdentity(ctx, req.Token, req.ClassID)
	if err != nil {
		return nil, JoinResult{}, admissionError(err)
	}

	var servers []classroom.ICEServer
	if ice := r.iceProvider(); ice != nil {
		servers = ice.Servers(id.UserID)
	}
	c, err := r.acquire(roomID, class.ClassID)
	if err != nil {
		return nil, JoinResult{}, err
	}
	res, err := c.Join(ctx, id, sink, servers)
	r.unpin(roomID)
	if err != nil {
		if ctx.Err() != nil {
			// The join may still land after we gave up on it.
			go c.Leave(context.Background(), Caller{UserID: id.UserID, ConnectionID: sink.ConnectionID()})
		}
		c.collect()
		if errors.Is(err, ErrRoomClosed) {
			err = fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
		}
		return nil, JoinResult{}, err
	}
	return c, res, nil
}

func (r *Registry) iceProvider() ICEProvider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ice
}

// acquire returns the live coordinator for roomID, starting one if needed,
// and pins it so it cannot be released before the pending join lands.
func (r *Registry) acquire(roomID, classID string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: shutting down", ErrRoomUnavailable)
	}
	c, ok := r.rooms[roomID]
	if !ok {
		c = NewCoordinator(Settings{
			RoomID:    roomID,
			ClassID:   classID,
			ChatLimit: r.chatLimit,
			InboxSize: r.opts.inboxSize,
			Policy:    r.opts.policy,
			DevMode:   r.opts.devMode,
			Metrics:   r.opts.metrics,
			Now:       r.opts.now,
			NewID:     r.opts.newID,
			Release:   r.release,
		})
		r.rooms[roomID] = c
		r.opts.metrics.ActiveRooms.Add(context.Background(), 1)
		slog.Info("room opened", "room_id", roomID, "class_id", classID)
	}
	r.pending[roomID]++
	return c, nil
}

func (r *Registry) unpin(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[roomID]--; r.pending[roomID] <= 0 {
		delete(r.pending, roomID)
	}
}

// release runs on the coordinator goroutine when its roster is empty.
func (r *Registry) release(c *Coordinator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[c.roomID] != c {
		return true
	}
	if r.pending[c.roomID] > 0 {
		return false
	}
	delete(r.rooms, c.roomID)
	r.opts.metrics.ActiveRooms.Add(context.Background(), -1)
	slog.Info("room closed", "room_id", c.roomID, "reason", "empty")
	return true
}

// Lookup returns the live coordinator for roomID.
func (r *Registry) Lookup(roomID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rooms[roomID]
	return c, ok
}

// Leave removes caller from roomID. Leaving a room that is not live is a
// no-op.
func (r *Registry) Leave(ctx context.Context, roomID string, caller Caller) error {
	c, ok := r.Lookup(roomID)
	if !ok {
		return nil
	}
	err := c.Leave(ctx, caller)
	if errors.Is(err, ErrRoomClosed) {
		return nil
	}
	return err
}

// Room returns a snapshot of one live room.
func (r *Registry) Room(ctx context.Context, roomID string) (Info, error) {
	c, ok := r.Lookup(roomID)
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrNoSuchRoom, roomID)
	}
	info, err := c.Info(ctx)
	if errors.Is(err, ErrRoomClosed) {
		return Info{}, fmt.Errorf("%w: %q", ErrNoSuchRoom, roomID)
	}
	return info, err
}

// Rooms returns snapshots of every live room ordered by room id. Rooms
// that close while being queried are skipped.
func (r *Registry) Rooms(ctx context.Context) ([]Info, error) {
	r.mu.Lock()
	live := make([]*Coordinator, 0, len(r.rooms))
	for _, c := range r.rooms {
		live = append(live, c)
	}
	r.mu.Unlock()

	infos := make([]*Info, len(live))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range live {
		g.Go(func() error {
			info, err := c.Info(gctx)
			switch {
			case errors.Is(err, ErrRoomClosed):
				return nil
			case err != nil:
				return fmt.Errorf("room %s: %w", c.RoomID(), err)
			}
			infos[i] = &info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		if info != nil {
			out = append(out, *info)
		}
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.RoomID, b.RoomID) })
	return out, nil
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close stops every room and refuses further joins. Member connections are
// closed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Coordinator, 0, len(r.rooms))
	for id, c := range r.rooms {
		live = append(live, c)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range live {
		g.Go(func() error {
			defer r.opts.metrics.ActiveRooms.Add(context.Background(), -1)
			if err := c.Close(ctx); err != nil {
				return fmt.Errorf("close room %s: %w", c.RoomID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// admissionError maps an identity adapter error to the admission taxonomy.
// Cancellation is passed through unchanged.
func admissionError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, identity.ErrRejected):
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	default:
		return fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
	}
}

func joinStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return Code(err)
	}
}
