// Package pionengine implements [peerlink.Engine] on a pion
// webrtc.PeerConnection.
package pionengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/classmesh/classmesh/pkg/peerlink"
)

// hookBuffer bounds the number of undelivered engine notifications.
const hookBuffer = 64

// Config configures the peer connections created by [NewFactory].
type Config struct {
	// ICEServers is passed to every new PeerConnection.
	ICEServers []webrtc.ICEServer

	// API builds the PeerConnection. Defaults to the package-level pion API.
	API *webrtc.API

	// Setup attaches tracks or data channels to a new connection before any
	// offer is created. When nil a single "classmesh" data channel is opened
	// so that the session always has something to negotiate.
	Setup func(peer peerlink.Member, pc *webrtc.PeerConnection) error

	// OnTrack is called for each remote track.
	OnTrack func(peer peerlink.Member, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
}

// ICEServers converts join-time ICE servers to pion's form.
func ICEServers(in []classroom.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// NewFactory returns a peerlink.EngineFactory that builds pion engines.
func NewFactory(cfg Config) peerlink.EngineFactory {
	return func(peer peerlink.Member, hooks peerlink.EngineHooks) (peerlink.Engine, error) {
		return New(cfg, peer, hooks)
	}
}

// Engine wraps one PeerConnection. Pion callbacks are queued and delivered
// to the hooks from a dedicated goroutine, in order, so that a hook never
// runs on the goroutine of an Engine method.
type Engine struct {
	pc    *webrtc.PeerConnection
	hooks peerlink.EngineHooks

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a PeerConnection toward peer.
func New(cfg Config, peer peerlink.Member, hooks peerlink.EngineHooks) (*Engine, error) {
	conf := webrtc.Configuration{ICEServers: cfg.ICEServers}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(conf)
	} else {
		pc, err = webrtc.NewPeerConnection(conf)
	}
	if err != nil {
		return nil, fmt.Errorf("pionengine: new peer connection: %w", err)
	}

	e := &Engine{
		pc:     pc,
		hooks:  hooks,
		events: make(chan func(), hookBuffer),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		e.dispatch(func() { hooks.OnLocalCandidate(init) })
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if hooks.OnICEStateChange == nil {
			return
		}
		state := MapICEState(s)
		e.dispatch(func() { hooks.OnICEStateChange(state) })
	})
	if cfg.OnTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			cfg.OnTrack(peer, track, recv)
		})
	}

	setup := cfg.Setup
	if setup == nil {
		setup = defaultSetup
	}
	if err := setup(peer, pc); err != nil {
		pc.Close()
		return nil, fmt.Errorf("pionengine: setup: %w", err)
	}

	go e.run()
	return e, nil
}

func defaultSetup(_ peerlink.Member, pc *webrtc.PeerConnection) error {
	_, err := pc.CreateDataChannel("classmesh", nil)
	return err
}

func (e *Engine) dispatch(fn func()) {
	select {
	case e.events <- fn:
	case <-e.done:
	}
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.events:
			fn()
		case <-e.done:
			return
		}
	}
}

// PeerConnection exposes the underlying connection for media handling.
func (e *Engine) PeerConnection() *webrtc.PeerConnection { return e.pc }

func (e *Engine) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (e *Engine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

// Rollback discards the pending local offer. Pion requires the SDP being
// rolled back to be passed along.
func (e *Engine) Rollback(context.Context) error {
	pending := e.pc.PendingLocalDescription()
	if pending == nil {
		return nil
	}
	return e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

func (e *Engine) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(c)
}

// Close closes the PeerConnection and stops hook delivery. It is idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.pc.Close()
	})
	return err
}

// MapICEState converts pion's ICE connection state.
func MapICEState(s webrtc.ICEConnectionState) peerlink.ICEState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return peerlink.ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return peerlink.ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return peerlink.ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return peerlink.ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return peerlink.ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return peerlink.ICEClosed
	default:
		return peerlink.ICENew
	}
}
