package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/identity"
	"github.com/classmesh/classmesh/internal/room"
	"github.com/classmesh/classmesh/internal/signaling"
	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/classmesh/classmesh/pkg/peerlink"
	"github.com/classmesh/classmesh/pkg/wire"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// ── fakes ────────────────────────────────────────────────────────────────────

// sdpEngine negotiates canned descriptions and never reports ICE progress.
type sdpEngine struct{}

func (sdpEngine) CreateOffer(context.Context, bool) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (sdpEngine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (sdpEngine) SetRemoteDescription(context.Context, webrtc.SessionDescription) error { return nil }
func (sdpEngine) Rollback(context.Context) error                                         { return nil }
func (sdpEngine) AddICECandidate(context.Context, webrtc.ICECandidateInit) error         { return nil }
func (sdpEngine) Close() error                                                           { return nil }

func fakeEngines([]classroom.ICEServer) peerlink.EngineFactory {
	return func(peerlink.Member, peerlink.EngineHooks) (peerlink.Engine, error) {
		return sdpEngine{}, nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []peerlink.Event
}

func (l *eventLog) record(ev peerlink.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(kind peerlink.EventKind, peer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.PeerID == peer {
			return true
		}
	}
	return false
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newServer(t *testing.T) string {
	t.Helper()
	dir, err := identity.NewStatic(config.IdentityConfig{
		Classes: []config.StaticClass{{ClassID: "physics", RoomID: "room-physics"}},
		Users: []config.StaticUser{
			{Token: "tok-curie", UserID: "curie", DisplayName: "Marie", Role: "instructor"},
			{Token: "tok-bohr", UserID: "bohr", DisplayName: "Niels", Role: "student"},
		},
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	reg := room.NewRegistry(dir)
	srv := httptest.NewServer(signaling.New(reg, signaling.Options{}).Handler())
	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{URL: url, ClassID: "physics", Token: token, Engine: fakeEngines}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial(%s): %v", token, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Dial ─────────────────────────────────────────────────────────────────────

func TestDial_AppliesSnapshot(t *testing.T) {
	url := newServer(t)
	c := dial(t, url, "tok-curie", nil)

	if c.RoomID() != "room-physics" {
		t.Errorf("RoomID = %q", c.RoomID())
	}
	if s := c.Self(); s.UserID != "curie" || s.Role != classroom.RoleInstructor {
		t.Errorf("Self = %+v", s)
	}
	if got := c.Presence().Self(); got != "curie" {
		t.Errorf("presence self = %q", got)
	}
	if c.Links().Links() != 0 {
		t.Errorf("links = %d, want 0 in an empty room", c.Links().Links())
	}
}

func TestDial_Refused(t *testing.T) {
	url := newServer(t)
	tests := []struct {
		name     string
		classID  string
		token    string
		wantCode string
	}{
		{"bad token", "physics", "tok-nobody", classroom.CodeNotAuthorized},
		{"unknown class", "chemistry", "tok-bohr", classroom.CodeRoomUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := Dial(ctx, Config{URL: url, ClassID: tt.classID, Token: tt.token, Engine: fakeEngines})
			var je *JoinError
			if !errors.As(err, &je) {
				t.Fatalf("err = %v, want *JoinError", err)
			}
			if je.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", je.Code, tt.wantCode)
			}
		})
	}
}

// ── Links and presence ───────────────────────────────────────────────────────

func TestClient_NegotiatesLinkWithNewPeer(t *testing.T) {
	for _, sub := range []string{wire.SubprotocolJSON, wire.SubprotocolMsgpack} {
		t.Run(sub, func(t *testing.T) {
			url := newServer(t)
			var curieEvents, bohrEvents eventLog
			curie := dial(t, url, "tok-curie", func(c *Config) {
				c.Subprotocol = sub
				c.OnLinkEvent = curieEvents.record
			})
			bohr := dial(t, url, "tok-bohr", func(c *Config) {
				c.Subprotocol = sub
				c.OnLinkEvent = bohrEvents.record
			})

			// The instructor initiates toward the student.
			waitFor(t, "offer from curie", func() bool { return curieEvents.has(peerlink.EventOfferSent, "bohr") })
			waitFor(t, "answer from bohr", func() bool { return bohrEvents.has(peerlink.EventAnswerSent, "curie") })
			waitFor(t, "curie link stable", func() bool {
				l := curie.Links().Link("bohr")
				if l == nil {
					return false
				}
				st, _ := l.State()
				return st == peerlink.SignalingStable
			})
			if l := bohr.Links().Link("curie"); l == nil || l.Initiator() {
				t.Errorf("bohr link = %+v, want a non-initiating link", l)
			}
		})
	}
}

func TestClient_PresenceFollowsBroadcasts(t *testing.T) {
	url := newServer(t)
	curie := dial(t, url, "tok-curie", nil)
	bohr := dial(t, url, "tok-bohr", nil)

	waitFor(t, "bohr in curie's roster", func() bool {
		_, ok := curie.Presence().Participant("bohr")
		return ok
	})

	ctx := context.Background()
	if err := bohr.SetHandRaised(ctx, true); err != nil {
		t.Fatalf("SetHandRaised: %v", err)
	}
	if err := bohr.SetMediaState(ctx, classroom.MediaStatePatch{MicOn: classroom.Bool(true)}); err != nil {
		t.Fatalf("SetMediaState: %v", err)
	}
	waitFor(t, "hand and mic visible to curie", func() bool {
		p, _ := curie.Presence().Participant("bohr")
		return p.MediaState.IsHandRaised && p.MediaState.MicOn
	})

	if err := curie.Chat(ctx, "welcome"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	waitFor(t, "chat visible to bohr", func() bool {
		for _, m := range bohr.Presence().Chat() {
			if m.Text == "welcome" && m.FromUserID == "curie" {
				return true
			}
		}
		return false
	})
}

func TestClient_LeaveRemovesPeer(t *testing.T) {
	url := newServer(t)
	curie := dial(t, url, "tok-curie", nil)
	bohr := dial(t, url, "tok-bohr", nil)

	waitFor(t, "link toward bohr", func() bool { return curie.Links().Link("bohr") != nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bohr.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !errors.Is(bohr.Err(), ErrClosed) {
		t.Errorf("bohr.Err() = %v, want ErrClosed", bohr.Err())
	}
	waitFor(t, "bohr gone from curie's view", func() bool {
		_, ok := curie.Presence().Participant("bohr")
		return !ok && curie.Links().Link("bohr") == nil
	})
	if err := bohr.Chat(ctx, "still here?"); !errors.Is(err, ErrClosed) {
		t.Errorf("Chat after Leave = %v, want ErrClosed", err)
	}
}

func TestClient_Superseded(t *testing.T) {
	url := newServer(t)
	first := dial(t, url, "tok-bohr", nil)
	dial(t, url, "tok-bohr", nil)

	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("first connection was not stopped")
	}
	if !errors.Is(first.Err(), ErrSuperseded) {
		t.Errorf("Err() = %v, want ErrSuperseded", first.Err())
	}
}
