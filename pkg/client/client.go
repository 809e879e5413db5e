// Package client is a Go participant for a classmesh room. It speaks the
// signaling protocol over a gorilla/websocket connection, keeps a
// [presence.Cache] of the room and drives a [peerlink.Manager] so that a
// link is negotiated with every other member.
//
// A Client is created joined: [Dial] returns only after the server has
// admitted it and the join snapshot has been applied.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/classmesh/classmesh/pkg/peerlink"
	"github.com/classmesh/classmesh/pkg/peerlink/pionengine"
	"github.com/classmesh/classmesh/pkg/presence"
	"github.com/classmesh/classmesh/pkg/wire"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	maxMessageBytes  = 64 << 10
	outboundBuffer   = 64
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")

	// ErrSuperseded is the terminal error of a client whose user joined the
	// same room from another connection.
	ErrSuperseded = errors.New("client: superseded by another connection")
)

// JoinError is returned by [Dial] when the server refuses the join.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("client: join refused: %s: %s", e.Code, e.Message)
}

// Config describes the room to join and how to reach it.
type Config struct {
	// URL is the signaling endpoint, e.g. "wss://classes.example.edu/ws".
	URL string

	ClassID string
	// RoomID is optional; when set the server checks it against the class.
	RoomID string
	Token  string

	// Subprotocol selects the wire encoding. Defaults to JSON.
	Subprotocol string

	Header http.Header
	Dialer *websocket.Dialer

	// Engine builds the peer-link engine factory once the join snapshot's
	// ICE servers are known. Defaults to pion peer connections.
	Engine func(ice []classroom.ICEServer) peerlink.EngineFactory

	// ChatLimit caps the chat history kept by the presence cache.
	ChatLimit int

	// PingInterval is how often the client pings the server. The read
	// deadline is three intervals.
	PingInterval time.Duration

	Logger *slog.Logger

	// OnMessage observes every server message after it has been applied
	// to the presence cache. It runs on the read goroutine.
	OnMessage func(*classroom.Message)

	// OnLinkEvent observes peer-link transitions.
	OnLinkEvent func(peerlink.Event)
}

func (c Config) withDefaults() Config {
	if c.Subprotocol == "" {
		c.Subprotocol = wire.SubprotocolJSON
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Engine == nil {
		c.Engine = func(ice []classroom.ICEServer) peerlink.EngineFactory {
			return pionengine.NewFactory(pionengine.Config{ICEServers: pionengine.ICEServers(ice)})
		}
	}
	if c.ChatLimit <= 0 {
		c.ChatLimit = 200
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is a joined room participant.
type Client struct {
	cfg   Config
	conn  *websocket.Conn
	codec wire.Codec
	log   *slog.Logger

	roomID string
	self   classroom.Participant
	cache  *presence.Cache
	links  *peerlink.Manager

	out       chan *classroom.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Dial connects to cfg.URL, joins the room and starts negotiating links
// with the members already present.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	dialer := *cfg.Dialer
	dialer.Subprotocols = []string{cfg.Subprotocol}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &Client{
		cfg:   cfg,
		conn:  conn,
		codec: wire.ForSubprotocol(conn.Subprotocol()),
		log:   cfg.Logger,
		cache: presence.New(cfg.ChatLimit),
		out:   make(chan *classroom.Message, outboundBuffer),
		done:  make(chan struct{}),
	}

	joined, err := c.handshake(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.cache.Apply(joined)

	snap := joined.Snapshot
	c.roomID = joined.RoomID
	c.self = snap.Self
	c.log = c.log.With("room_id", c.roomID, "user_id", c.self.UserID)

	opts := []peerlink.Option{peerlink.WithLogger(c.log)}
	if snap.LinkPolicy != nil {
		opts = append(opts, peerlink.WithTimings(peerlink.TimingsFromPolicy(*snap.LinkPolicy)))
	}
	if cfg.OnLinkEvent != nil {
		opts = append(opts, peerlink.WithObserver(cfg.OnLinkEvent))
	}
	c.links = peerlink.NewManager(
		peerlink.Member{UserID: c.self.UserID, Role: c.self.Role},
		cfg.Engine(snap.ICEServers),
		peerlink.SignalerFunc(c.signal),
		opts...,
	)

	c.extendDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.wg.Add(2)
	go c.writePump()

	// Links toward the roster start before any relayed signal is read, so
	// an early offer from a roster member finds its link.
	for _, p := range snap.Roster {
		if err := c.links.AddPeer(peerlink.Member{UserID: p.UserID, Role: p.Role}); err != nil {
			c.log.Warn("failed to start link", "peer_id", p.UserID, "err", err)
		}
	}
	go c.readPump()

	c.log.Info("joined room", "roster", len(snap.Roster), "subprotocol", c.codec.Name())
	return c, nil
}

// handshake sends the join request and waits for the snapshot.
func (c *Client) handshake(ctx context.Context) (*classroom.Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)

	join := &classroom.Message{
		Type:    classroom.TypeJoin,
		ClassID: c.cfg.ClassID,
		RoomID:  c.cfg.RoomID,
		Token:   c.cfg.Token,
	}
	if err := c.write(join); err != nil {
		return nil, fmt.Errorf("client: send join: %w", err)
	}

	for {
		msg, err := c.read()
		if err != nil {
			return nil, fmt.Errorf("client: await joined: %w", err)
		}
		switch msg.Type {
		case classroom.TypeJoined:
			if msg.Snapshot == nil {
				return nil, errors.New("client: joined without snapshot")
			}
			return msg, nil
		case classroom.TypeError:
			if msg.Error == nil {
				return nil, &JoinError{Code: classroom.CodeInternal}
			}
			return nil, &JoinError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
	}
}

func (c *Client) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
}

func (c *Client) read() (*classroom.Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg classroom.Message
	if err := c.codec.Decode(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) write(msg *classroom.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(frame, data)
}

// ─── Pumps ───────────────────────────────────────────────────────────────────

func (c *Client) readPump() {
	defer c.wg.Done()
	for {
		msg, err := c.read()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}
		c.extendDeadline()
		c.handle(msg)
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.write(msg); err != nil {
				c.shutdown(fmt.Errorf("client: write %s: %w", msg.Type, err))
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(fmt.Errorf("client: ping: %w", err))
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, so a Leave sent right before
// Close reaches the server.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) handle(msg *classroom.Message) {
	c.cache.Apply(msg)

	switch msg.Type {
	case classroom.TypeParticipantJoined:
		if msg.Participant != nil {
			peer := peerlink.Member{UserID: msg.Participant.UserID, Role: msg.Participant.Role}
			if err := c.links.AddPeer(peer); err != nil {
				c.log.Warn("failed to start link", "peer_id", peer.UserID, "err", err)
			}
		}

	case classroom.TypeParticipantLeft:
		c.links.RemovePeer(msg.UserID)

	case classroom.TypeOffer, classroom.TypeAnswer, classroom.TypeICECandidate:
		if msg.Payload == nil {
			return
		}
		err := c.links.HandleSignal(msg.From, msg.FromRole, *msg.Payload)
		if err != nil && !errors.Is(err, peerlink.ErrNoLink) {
			c.log.Warn("failed to apply signal", "peer_id", msg.From, "kind", msg.Type, "err", err)
		}

	case classroom.TypeTargetNotFound:
		c.log.Debug("signal target not in room", "peer_id", msg.To)

	case classroom.TypeSuperseded:
		c.log.Info("connection superseded")
		c.shutdown(ErrSuperseded)

	case classroom.TypeError:
		if msg.Error != nil {
			c.log.Warn("request refused", "request", msg.Error.Request, "code", msg.Error.Code, "message", msg.Error.Message)
		}
	}

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

// shutdown records the first terminal error and stops the pumps.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		if err := c.links.Close(); err != nil {
			c.log.Debug("closing links", "err", err)
		}
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// RoomID returns the room the client joined.
func (c *Client) RoomID() string { return c.roomID }

// Self returns the participant record the server admitted.
func (c *Client) Self() classroom.Participant { return c.self }

// Presence returns the room view kept up to date from server broadcasts.
func (c *Client) Presence() *presence.Cache { return c.cache }

// Links returns the peer-link manager.
func (c *Client) Links() *peerlink.Manager { return c.links }

// Done is closed when the client stops, after which [Client.Err] is set.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client stopped, or nil while it runs.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ─── Requests ────────────────────────────────────────────────────────────────

// Send queues msg for the server.
func (c *Client) Send(ctx context.Context, msg *classroom.Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) signal(ctx context.Context, to string, payload classroom.SignalPayload) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeSignal, To: to, Payload: &payload})
}

// SetMediaState sends a partial media-state update.
func (c *Client) SetMediaState(ctx context.Context, patch classroom.MediaStatePatch) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeSetMediaState, MediaPatch: &patch})
}

func (c *Client) SetHandRaised(ctx context.Context, raised bool) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeSetHandRaised, Active: classroom.Bool(raised)})
}

func (c *Client) SetPresenter(ctx context.Context, active bool) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeSetPresenter, Active: classroom.Bool(active)})
}

func (c *Client) SetSpeakingLevel(ctx context.Context, level float64) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeSetSpeakingLevel, Level: &level})
}

// Chat posts a chat message.
func (c *Client) Chat(ctx context.Context, text string) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeChat, Text: text})
}

// StartPoll opens a poll. Only instructors may.
func (c *Client) StartPoll(ctx context.Context, question string, options []string) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeStartPoll, Question: question, Options: options})
}

func (c *Client) Vote(ctx context.Context, pollID string, option int) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeVote, PollID: pollID, Option: &option})
}

func (c *Client) EndPoll(ctx context.Context, pollID string) error {
	return c.Send(ctx, &classroom.Message{Type: classroom.TypeEndPoll, PollID: pollID})
}

// Leave tells the server the participant is leaving and closes the client.
func (c *Client) Leave(ctx context.Context) error {
	if err := c.Send(ctx, &classroom.Message{Type: classroom.TypeLeave}); err != nil {
		return err
	}
	return c.Close()
}

// Close closes every link and the connection and waits for the pumps to
// exit. The server treats the disconnect as a leave.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.wg.Wait()
	return nil
}
