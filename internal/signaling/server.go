// Package signaling is the WebSocket transport in front of the room
// registry. Each socket is one session: it may join one room at a time,
// its inbound messages become coordinator operations, and the coordinator's
// events are written back through a bounded outbound queue.
package signaling

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/classmesh/classmesh/internal/observe"
	"github.com/classmesh/classmesh/internal/room"
	"github.com/classmesh/classmesh/pkg/wire"
)

// Defaults for zero [Options] fields.
const (
	defaultOutboundBuffer  = 64
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = 64 << 10
	writeTimeout           = 10 * time.Second
)

// Options tunes the transport.
type Options struct {
	// AllowedOrigins are extra origin host patterns (path.Match syntax)
	// accepted besides the request's own host.
	AllowedOrigins []string

	// OutboundBuffer is the per-connection queue length. A connection
	// whose queue overflows is closed.
	OutboundBuffer int

	PingInterval    time.Duration
	MaxMessageBytes int64

	// AdminToken is the bearer token the room listing requires. The listing
	// is not served when it is empty.
	AdminToken string

	Metrics *observe.Metrics
}

// Server serves the signaling socket and the read-only admin endpoints.
type Server struct {
	registry *room.Registry
	opts     Options
	newID    func() string
}

// New returns a server for reg.
func New(reg *room.Registry, opts Options) *Server {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = defaultOutboundBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Server{registry: reg, opts: opts, newID: uuid.NewString}
}

// Handler returns an http.Handler that serves:
//
//	GET /ws                signaling socket
//	GET /rooms             live rooms, with the admin token
//	GET /rooms/{roomID}    one live room, with the admin token
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSocket)
	if s.opts.AdminToken != "" {
		mux.Handle("GET /rooms", s.requireAdmin(http.HandlerFunc(s.handleRooms)))
		mux.Handle("GET /rooms/{roomID}", s.requireAdmin(http.HandlerFunc(s.handleRoom)))
	}
	return mux
}

// requireAdmin rejects requests that do not carry the admin bearer token.
// Rosters name every participant of a class, so the listing is never public.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	want := []byte(s.opts.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="classmesh"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   wire.Subprotocols,
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	sess := newSession(r.Context(), s, conn, s.newID())
	s.opts.Metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.opts.Metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)

	sess.log.Debug("session opened", "remote", r.RemoteAddr, "subprotocol", sess.codec.Name())
	sess.run(r.Context())
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	infos, err := s.registry.Rooms(r.Context())
	if err != nil {
		http.Error(w, "failed to list rooms: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Room(r.Context(), r.PathValue("roomID"))
	switch {
	case errors.Is(err, room.ErrNoSuchRoom):
		http.Error(w, "room not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "failed to read room: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
