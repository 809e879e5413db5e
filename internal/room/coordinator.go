// Package room implements the live-classroom coordinator: a registry of
// rooms, one serial actor per room that owns the roster, presenter slot,
// chat history and poll, and the relay that forwards signaling payloads
// between two members of the same room.
//
// Every mutation of a room runs on that room's goroutine in arrival order,
// so all members observe broadcasts in the same order. Broadcasts carry a
// per-room sequence number. Rooms share nothing; operations on different
// rooms run in parallel.
package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/classmesh/classmesh/internal/identity"
	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/google/uuid"
)

// Settings configures a [Coordinator].
type Settings struct {
	RoomID  string
	ClassID string

	// ChatLimit caps the chat history. Default 200.
	ChatLimit int

	// InboxSize is the command queue length. Default 256.
	InboxSize int

	// Policy is handed to every joiner so all clients run the same
	// peer-link timers. May be nil.
	Policy *classroom.LinkPolicy

	// DevMode panics on invariant violations instead of normalising them.
	DevMode bool

	Metrics *observe.Metrics
	Now     func() time.Time
	NewID   func() string

	// Release is called on the coordinator goroutine after any command
	// that leaves the roster empty. Returning true stops the coordinator.
	Release func(*Coordinator) bool
}

// Info is a read-only view of a room, for the admin API.
type Info struct {
	RoomID       string                  `json:"roomId"`
	ClassID      string                  `json:"classId"`
	CreatedAt    time.Time               `json:"createdAt"`
	Participants []classroom.Participant `json:"participants"`
	PresenterID  string                  `json:"presenterId,omitempty"`
	ChatMessages int                     `json:"chatMessages"`
	Poll         *classroom.Poll         `json:"poll,omitempty"`
	Seq          uint64                  `json:"seq"`
}

// JoinResult is returned to an admitted participant.
type JoinResult struct {
	Snapshot classroom.JoinSnapshot
	// Seq is the room sequence number the snapshot reflects.
	Seq uint64
	// Reconnected is true if the user replaced an existing connection.
	Reconnected bool
}

type member struct {
	p    classroom.Participant
	sink Sink
}

// Coordinator is the serial actor owning one room.
type Coordinator struct {
	roomID    string
	classID   string
	createdAt time.Time
	policy    *classroom.LinkPolicy
	devMode   bool
	metrics   *observe.Metrics
	now       func() time.Time
	newID     func() string
	release   func(*Coordinator) bool
	log       *slog.Logger

	inbox chan func()
	done  chan struct{}

	// Owned by the run goroutine.
	members   map[string]*member
	presenter string
	chat      *chatLog
	poll      *classroom.Poll
	votes     map[string]int
	seq       uint64
	evict     []string
	stopping  bool
}

// NewCoordinator starts a coordinator goroutine for s.RoomID.
func NewCoordinator(s Settings) *Coordinator {
	if s.ChatLimit <= 0 {
		s.ChatLimit = 200
	}
	if s.InboxSize <= 0 {
		s.InboxSize = 256
	}
	if s.Metrics == nil {
		s.Metrics = observe.DefaultMetrics()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.NewID == nil {
		s.NewID = uuid.NewString
	}
	c := &Coordinator{
		roomID:    s.RoomID,
		classID:   s.ClassID,
		createdAt: s.Now(),
		policy:    s.Policy,
		devMode:   s.DevMode,
		metrics:   s.Metrics,
		now:       s.Now,
		newID:     s.NewID,
		release:   s.Release,
		log:       slog.With("room_id", s.RoomID),
		inbox:     make(chan func(), s.InboxSize),
		done:      make(chan struct{}),
		members:   make(map[string]*member),
		chat:      newChatLog(s.ChatLimit),
	}
	go c.run()
	return c
}

// RoomID returns the room id.
func (c *Coordinator) RoomID() string { return c.roomID }

// ClassID returns the class the room hosts.
func (c *Coordinator) ClassID() string { return c.classID }

// Done is closed once the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		cmd := <-c.inbox
		cmd()
		c.flushEvictions()
		c.checkInvariants()
		if c.stopping {
			return
		}
		if len(c.members) == 0 && c.release != nil && c.release(c) {
			c.log.Debug("room released")
			return
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it. If ctx ends
// first fn may still run later; callers must then ignore its results.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	cmd := func() {
		defer close(ran)
		fn()
	}
	select {
	case c.inbox <- cmd:
	case <-c.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func call[T any](ctx context.Context, c *Coordinator, fn func() (T, error)) (T, error) {
	var (
		res T
		err error
	)
	if doErr := c.do(ctx, func() { res, err = fn() }); doErr != nil {
		var zero T
		return zero, doErr
	}
	return res, err
}

// ── admission ────────────────────────────────────────────────────────────────

// Join admits id with the given connection. The connection's first message
// is "joined" carrying the room snapshot and ice; every later broadcast has
// a higher sequence number.
//
// A user already in the roster keeps their entry and role: the old
// connection is told it was superseded and closed, and the new one takes
// its place. The display name follows the identity backend.
// Either way the other members receive participant-joined.
func (c *Coordinator) Join(ctx context.Context, id identity.Identity, sink Sink, ice []classroom.ICEServer) (JoinResult, error) {
	return call(ctx, c, func() (JoinResult, error) { return c.join(id, sink, ice), nil })
}

func (c *Coordinator) join(id identity.Identity, sink Sink, ice []classroom.ICEServer) JoinResult {
	m, reconnect := c.members[id.UserID]
	if reconnect {
		if old := m.sink; old.ConnectionID() != sink.ConnectionID() {
			old.Deliver(&classroom.Message{Type: classroom.TypeSuperseded, RoomID: c.roomID, UserID: id.UserID})
			old.Close()
		}
		m.sink = sink
		if id.DisplayName != "" {
			m.p.DisplayName = id.DisplayName
		}
		if id.Role != m.p.Role {
			c.log.Warn("role changed between connections; keeping the original",
				"user_id", id.UserID, "role", m.p.Role, "new_role", id.Role)
		}
		if c.presenter == id.UserID {
			// The new connection is not sharing anything yet.
			c.stopPresenting(id.UserID, id.UserID)
		}
		c.log.Info("participant reconnected", "user_id", id.UserID, "conn_id", sink.ConnectionID())
	} else {
		m = &member{
			p: classroom.Participant{
				UserID:      id.UserID,
				DisplayName: id.DisplayName,
				Role:        id.Role,
				JoinedAt:    c.now(),
			},
			sink: sink,
		}
		c.members[id.UserID] = m
		c.metrics.ActiveParticipants.Add(context.Background(), 1)
		c.log.Info("participant joined", "user_id", id.UserID, "role", id.Role, "conn_id", sink.ConnectionID())
	}

	p := m.p
	c.broadcastExcept(id.UserID, &classroom.Message{
		Type:        classroom.TypeParticipantJoined,
		UserID:      id.UserID,
		Participant: &p,
	})
	if !reconnect {
		c.appendSystemChat(id.UserID, displayName(p)+" joined", id.UserID)
	}

	snap := c.snapshot(id.UserID)
	snap.ICEServers = ice
	c.deliver(m, &classroom.Message{
		Type:     classroom.TypeJoined,
		Seq:      c.seq,
		RoomID:   c.roomID,
		ClassID:  c.classID,
		UserID:   id.UserID,
		Snapshot: &snap,
	})
	return JoinResult{
		Snapshot:    snap,
		Seq:         c.seq,
		Reconnected: reconnect,
	}
}

func (c *Coordinator) snapshot(self string) classroom.JoinSnapshot {
	s := classroom.JoinSnapshot{
		Self:        c.members[self].p,
		Roster:      make([]classroom.Participant, 0, len(c.members)-1),
		ChatHistory: c.chat.messages(),
		PresenterID: c.presenter,
		Poll:        c.poll.Clone(),
		LinkPolicy:  c.policy,
	}
	for _, p := range c.roster() {
		if p.UserID != self {
			s.Roster = append(s.Roster, p)
		}
	}
	return s
}

// Leave removes the caller from the roster. Leaving twice, leaving a room
// one is not in, or leaving from a superseded connection is a no-op.
func (c *Coordinator) Leave(ctx context.Context, caller Caller) error {
	return c.do(ctx, func() {
		if _, err := c.member(caller); err != nil {
			return
		}
		c.remove(caller.UserID, "left")
	})
}

func (c *Coordinator) remove(userID, reason string) {
	m, ok := c.members[userID]
	if !ok {
		return
	}
	if c.presenter == userID {
		c.stopPresenting(userID, userID)
	}
	delete(c.members, userID)
	c.metrics.ActiveParticipants.Add(context.Background(), -1)
	c.log.Info("participant removed", "user_id", userID, "reason", reason)

	c.broadcast(&classroom.Message{Type: classroom.TypeParticipantLeft, UserID: userID})
	c.appendSystemChat(userID, displayName(m.p)+" left", "")
}

// member returns the roster entry the caller currently owns.
func (c *Coordinator) member(caller Caller) (*member, error) {
	m, ok := c.members[caller.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotMember, caller.UserID)
	}
	if caller.ConnectionID != "" && m.sink.ConnectionID() != caller.ConnectionID {
		return nil, fmt.Errorf("%w: connection %q was superseded", ErrNotMember, caller.ConnectionID)
	}
	return m, nil
}

// ── relay ────────────────────────────────────────────────────────────────────

// RelaySignal forwards payload verbatim from the caller to the member to.
// If to is not in the roster the caller receives a target-not-found notice
// and ErrTargetNotFound is returned; the target may simply not have joined
// yet.
func (c *Coordinator) RelaySignal(ctx context.Context, from Caller, to string, payload classroom.SignalPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("room: relay: %w", err)
	}
	if payload.Description != nil {
		if _, err := payload.Description.Unmarshal(); err != nil {
			return fmt.Errorf("%w: unparseable sdp: %v", ErrBadRequest, err)
		}
	}
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.relay(from, to, payload)
	})
	return err
}

func (c *Coordinator) relay(from Caller, to string, payload classroom.SignalPayload) error {
	sender, err := c.member(from)
	if err != nil {
		return err
	}
	if to == from.UserID {
		return fmt.Errorf("%w: cannot signal yourself", ErrBadRequest)
	}
	kind := string(payload.Kind)
	target, ok := c.members[to]
	if !ok {
		c.deliver(sender, &classroom.Message{
			Type:    classroom.TypeTargetNotFound,
			RoomID:  c.roomID,
			To:      to,
			Payload: &classroom.SignalPayload{Kind: payload.Kind},
		})
		c.metrics.RecordSignal(context.Background(), kind, "target_not_found")
		c.log.Debug("signal target not in room", "from", from.UserID, "to", to, "kind", kind)
		return fmt.Errorf("%w: %q", ErrTargetNotFound, to)
	}
	c.deliver(target, &classroom.Message{
		Type:     classroom.MessageType(payload.Kind),
		RoomID:   c.roomID,
		From:     from.UserID,
		FromRole: sender.p.Role,
		To:       to,
		Payload:  &payload,
	})
	c.metrics.RecordSignal(context.Background(), kind, "delivered")
	return nil
}

// ── chat ─────────────────────────────────────────────────────────────────────

// maxChatRunes bounds a single chat message.
const maxChatRunes = 2000

// AppendChat appends a text message from the caller and broadcasts it.
func (c *Coordinator) AppendChat(ctx context.Context, caller Caller, text string) (classroom.ChatMessage, error) {
	text, err := cleanText(text, maxChatRunes)
	if err != nil {
		return classroom.ChatMessage{}, err
	}
	return call(ctx, c, func() (classroom.ChatMessage, error) {
		if _, err := c.member(caller); err != nil {
			return classroom.ChatMessage{}, err
		}
		msg := classroom.ChatMessage{
			ID:         c.newID(),
			FromUserID: caller.UserID,
			Text:       text,
			Timestamp:  c.now(),
			Kind:       classroom.ChatText,
		}
		c.chat.append(msg)
		c.metrics.ChatMessages.Add(context.Background(), 1)
		c.broadcast(&classroom.Message{Type: classroom.TypeChatMessage, Chat: &msg})
		return msg, nil
	})
}

// appendSystemChat records a notice about userID. except, if set, does not
// receive the broadcast (a joiner sees it in their snapshot instead).
func (c *Coordinator) appendSystemChat(userID, text, except string) {
	msg := classroom.ChatMessage{
		ID:         c.newID(),
		FromUserID: userID,
		Text:       text,
		Timestamp:  c.now(),
		Kind:       classroom.ChatSystem,
	}
	c.chat.append(msg)
	c.broadcastExcept(except, &classroom.Message{Type: classroom.TypeChatMessage, Chat: &msg})
}

// ── queries and lifecycle ────────────────────────────────────────────────────

// Info returns a snapshot of the room for the admin API.
func (c *Coordinator) Info(ctx context.Context) (Info, error) {
	return call(ctx, c, func() (Info, error) {
		return Info{
			RoomID:       c.roomID,
			ClassID:      c.classID,
			CreatedAt:    c.createdAt,
			Participants: c.roster(),
			PresenterID:  c.presenter,
			ChatMessages: c.chat.len(),
			Poll:         c.poll.Clone(),
			Seq:          c.seq,
		}, nil
	})
}

// Close stops the coordinator and closes every member connection. Calling
// Close on a stopped coordinator returns nil.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.do(ctx, func() {
		for id, m := range c.members {
			m.sink.Close()
			delete(c.members, id)
			c.metrics.ActiveParticipants.Add(context.Background(), -1)
		}
		c.stopping = true
	})
	if errors.Is(err, ErrRoomClosed) {
		return nil
	}
	return err
}

// collect gives an empty coordinator a chance to be released.
func (c *Coordinator) collect() {
	select {
	case c.inbox <- func() {}:
	case <-c.done:
	default:
		// A full inbox means commands are pending; the last one will
		// trigger the release check anyway.
	}
}

func (c *Coordinator) roster() []classroom.Participant {
	out := make([]classroom.Participant, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.p)
	}
	slices.SortFunc(out, func(a, b classroom.Participant) int {
		if n := a.JoinedAt.Compare(b.JoinedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out
}

// ── fan-out ──────────────────────────────────────────────────────────────────

func (c *Coordinator) broadcast(msg *classroom.Message) {
	c.broadcastExcept("", msg)
}

// broadcastExcept stamps msg with the next room sequence number and queues
// it to every member but except.
func (c *Coordinator) broadcastExcept(except string, msg *classroom.Message) {
	c.seq++
	msg.Seq = c.seq
	msg.RoomID = c.roomID
	for id, m := range c.members {
		if id != except {
			c.deliver(m, msg)
		}
	}
	c.metrics.RecordBroadcast(context.Background(), string(msg.Type))
}

// deliver queues msg to one member. A member whose queue is full is
// evicted at the end of the current command; it will resynchronise from a
// fresh snapshot when it reconnects.
func (c *Coordinator) deliver(m *member, msg *classroom.Message) {
	if m.sink.Deliver(msg) {
		return
	}
	c.metrics.RecordDrop(context.Background(), "slow_consumer")
	if !slices.Contains(c.evict, m.p.UserID) {
		c.evict = append(c.evict, m.p.UserID)
	}
}

func (c *Coordinator) flushEvictions() {
	for len(c.evict) > 0 {
		id := c.evict[0]
		c.evict = c.evict[1:]
		m, ok := c.members[id]
		if !ok {
			continue
		}
		c.log.Warn("evicting slow consumer", "user_id", id, "conn_id", m.sink.ConnectionID())
		m.sink.Close()
		c.remove(id, "slow consumer")
	}
}

// ── invariants ───────────────────────────────────────────────────────────────

func (c *Coordinator) checkInvariants() {
	if c.presenter != "" {
		if _, ok := c.members[c.presenter]; !ok {
			c.violation("presenter is not in the roster", "presenter", c.presenter)
			c.presenter = ""
		}
	}
	for id, m := range c.members {
		if m.p.UserID != id {
			c.violation("roster key does not match participant", "key", id, "user_id", m.p.UserID)
			m.p.UserID = id
		}
		if m.p.MediaState.IsScreenSharing && id != c.presenter {
			c.violation("participant is screen sharing without the presenter slot", "user_id", id)
			m.p.MediaState.IsScreenSharing = false
		}
	}
}

func (c *Coordinator) violation(msg string, args ...any) {
	if c.devMode {
		panic(fmt.Sprintf("room %s: %s %v", c.roomID, msg, args))
	}
	c.log.Error("room invariant violated; normalising", append([]any{"violation", msg}, args...)...)
}

func displayName(p classroom.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}
