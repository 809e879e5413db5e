package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/internal/room"
	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/classmesh/classmesh/pkg/wire"
)

// errClosedByServer ends a session whose connection was closed by its
// coordinator (superseded or too slow).
var errClosedByServer = errors.New("signaling: closed by server")

// leaveTimeout bounds the implicit leave when a socket goes away.
const leaveTimeout = 5 * time.Second

// session is one signaling socket. It is the [room.Sink] of the participant
// it admits.
type session struct {
	srv   *Server
	conn  *websocket.Conn
	codec wire.Codec
	id    string
	log   *slog.Logger

	out       chan *classroom.Message
	closed    chan struct{}
	closeOnce sync.Once

	// Owned by the read loop.
	coord  *room.Coordinator
	caller room.Caller
	base   *slog.Logger
}

var _ room.Sink = (*session)(nil)

func newSession(ctx context.Context, srv *Server, conn *websocket.Conn, id string) *session {
	log := observe.Logger(ctx).With("conn_id", id)
	return &session{
		srv:    srv,
		conn:   conn,
		codec:  wire.ForSubprotocol(conn.Subprotocol()),
		id:     id,
		log:    log,
		base:   log,
		out:    make(chan *classroom.Message, srv.opts.OutboundBuffer),
		closed: make(chan struct{}),
	}
}

func (s *session) ConnectionID() string { return s.id }

// Deliver queues msg for the writer. It never blocks.
func (s *session) Deliver(msg *classroom.Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// Close asks the writer to flush what is queued and close the socket.
func (s *session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// run serves the socket until the peer goes away, the coordinator closes
// it, or ctx ends. Whatever the cause, the participant leaves its room.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	for _, loop := range []func(context.Context) error{s.readLoop, s.writeLoop, s.pingLoop} {
		g.Go(func() error {
			defer cancel()
			return loop(ctx)
		})
	}
	err := g.Wait()

	s.leave()
	_ = s.conn.CloseNow()

	if expectedClose(err) {
		s.log.Debug("session closed", "reason", closeReason(err))
	} else {
		s.log.Info("session closed", "err", err)
	}
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg classroom.Message
		if err := s.codec.Decode(data, &msg); err != nil {
			s.fail("", fmt.Errorf("%w: %v", room.ErrBadRequest, err))
			continue
		}
		s.handle(ctx, &msg)
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			s.flush(ctx)
			_ = s.conn.Close(websocket.StatusTryAgainLater, "closed by server")
			return errClosedByServer
		case msg := <-s.out:
			if err := s.write(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// flush writes whatever is still queued, so a superseded connection gets
// its notice before the close frame.
func (s *session) flush(ctx context.Context) {
	for {
		select {
		case msg := <-s.out:
			if err := s.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(ctx context.Context, msg *classroom.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		s.log.Error("dropping unencodable message", "type", msg.Type, "err", err)
		return nil
	}
	typ := websocket.MessageText
	if s.codec.Binary() {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, typ, data)
}

func (s *session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.srv.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.srv.opts.PingInterval)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// leave removes the participant after the socket is gone. A connection
// that was superseded leaves nothing behind: the coordinator ignores it.
func (s *session) leave() {
	if s.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.coord.Leave(ctx, s.caller); err != nil && !errors.Is(err, room.ErrRoomClosed) {
		s.log.Warn("leave on disconnect failed", "err", err)
	}
	s.coord = nil
}

// ── dispatch ─────────────────────────────────────────────────────────────────

func (s *session) handle(ctx context.Context, msg *classroom.Message) {
	if msg.Type == classroom.TypeJoin {
		s.join(ctx, msg)
		return
	}
	if s.coord == nil {
		s.fail(msg.Type, fmt.Errorf("%w: join a room first", room.ErrNotMember))
		return
	}

	c, caller := s.coord, s.caller
	var err error
	switch msg.Type {
	case classroom.TypeLeave:
		err = c.Leave(ctx, caller)
		s.coord, s.caller, s.log = nil, room.Caller{}, s.base

	case classroom.TypeSignal, classroom.TypeOffer, classroom.TypeAnswer, classroom.TypeICECandidate:
		if msg.Payload == nil || msg.To == "" {
			err = fmt.Errorf("%w: signal needs to and payload", room.ErrBadRequest)
			break
		}
		err = c.RelaySignal(ctx, caller, msg.To, *msg.Payload)
		if errors.Is(err, room.ErrTargetNotFound) {
			// The sender already has its target-not-found notice.
			err = nil
		}

	case classroom.TypeSetMediaState:
		patch := msg.MediaPatch
		if patch == nil && msg.MediaState != nil {
			p := msg.MediaState.Patch()
			patch = &p
		}
		if patch == nil {
			err = fmt.Errorf("%w: mediaPatch or mediaState is required", room.ErrBadRequest)
			break
		}
		_, err = c.SetMediaState(ctx, caller, *patch)

	case classroom.TypeSetHandRaised:
		if msg.Active == nil {
			err = fmt.Errorf("%w: active is required", room.ErrBadRequest)
			break
		}
		_, err = c.SetHandRaised(ctx, caller, *msg.Active)

	case classroom.TypeSetPresenter:
		if msg.Active == nil {
			err = fmt.Errorf("%w: active is required", room.ErrBadRequest)
			break
		}
		err = c.SetPresenter(ctx, caller, *msg.Active)

	case classroom.TypeSetSpeakingLevel:
		if msg.Level == nil {
			err = fmt.Errorf("%w: level is required", room.ErrBadRequest)
			break
		}
		_, err = c.SetSpeakingLevel(ctx, caller, *msg.Level)

	case classroom.TypeChat:
		_, err = c.AppendChat(ctx, caller, msg.Text)

	case classroom.TypeStartPoll:
		_, err = c.StartPoll(ctx, caller, msg.Question, msg.Options)

	case classroom.TypeVote:
		if msg.Option == nil {
			err = fmt.Errorf("%w: option is required", room.ErrBadRequest)
			break
		}
		_, err = c.Vote(ctx, caller, msg.PollID, *msg.Option)

	case classroom.TypeEndPoll:
		_, err = c.EndPoll(ctx, caller, msg.PollID)

	default:
		err = fmt.Errorf("%w: unknown message type %q", room.ErrBadRequest, msg.Type)
	}
	if err != nil {
		s.fail(msg.Type, err)
	}
}

func (s *session) join(ctx context.Context, msg *classroom.Message) {
	if s.coord != nil {
		s.fail(msg.Type, fmt.Errorf("%w: already in room %q; leave first", room.ErrBadRequest, s.coord.RoomID()))
		return
	}
	c, res, err := s.srv.registry.Join(ctx, room.JoinRequest{
		RoomID:  msg.RoomID,
		ClassID: msg.ClassID,
		Token:   msg.Token,
	}, s)
	if err != nil {
		s.fail(msg.Type, err)
		return
	}
	s.coord = c
	s.caller = room.Caller{UserID: res.Snapshot.Self.UserID, ConnectionID: s.id}
	s.log = s.base.With("room_id", c.RoomID(), "user_id", s.caller.UserID)
	s.log.Info("session joined room", "reconnected", res.Reconnected)
}

// fail reports err to the client. A client that cannot even take the error
// reply is disconnected.
func (s *session) fail(req classroom.MessageType, err error) {
	code := room.Code(err)
	if code == classroom.CodeInternal {
		s.log.Error("request failed", "type", req, "err", err)
	} else {
		s.log.Debug("request refused", "type", req, "code", code, "err", err)
	}
	if !s.Deliver(classroom.ErrorMessage(req, code, err.Error())) {
		s.Close()
	}
}

func expectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return err == nil || errors.Is(err, errClosedByServer) || errors.Is(err, context.Canceled)
}

func closeReason(err error) string {
	if st := websocket.CloseStatus(err); st != -1 {
		return st.String()
	}
	if err == nil {
		return "done"
	}
	return err.Error()
}
