package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/classmesh/classmesh/pkg/client"
	"github.com/classmesh/classmesh/pkg/peerlink"
	"github.com/classmesh/classmesh/pkg/wire"
)

// EnvToken supplies the join token when --token is not given.
const EnvToken = "CLASSMESH_TOKEN"

type joinFlags struct {
	url      string
	classID  string
	roomID   string
	token    string
	msgpack  bool
	mic, cam bool
	hand     bool
	chat     string
	duration time.Duration
	verbose  bool
}

func newJoinCmd() *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room as a headless participant and print room events",
		Long: "join admits a participant without a browser, negotiates a WebRTC data link with every other member and prints " +
			"presence, chat and link events. It is meant for smoke tests and load generation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.token == "" {
				f.token = os.Getenv(EnvToken)
			}
			if f.classID == "" || f.token == "" {
				return fmt.Errorf("--class and --token (or %s) are required", EnvToken)
			}
			return join(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVarP(&f.url, "url", "u", "ws://localhost:8080/ws", "signaling endpoint")
	cmd.Flags().StringVar(&f.classID, "class", "", "class id to join")
	cmd.Flags().StringVar(&f.roomID, "room", "", "expected room id (optional)")
	cmd.Flags().StringVarP(&f.token, "token", "t", "", "join token")
	cmd.Flags().BoolVar(&f.msgpack, "msgpack", false, "use the binary msgpack encoding")
	cmd.Flags().BoolVar(&f.mic, "mic", false, "announce the microphone as on")
	cmd.Flags().BoolVar(&f.cam, "cam", false, "announce the camera as on")
	cmd.Flags().BoolVar(&f.hand, "raise-hand", false, "raise a hand after joining")
	cmd.Flags().StringVar(&f.chat, "chat", "", "post a chat message after joining")
	cmd.Flags().DurationVar(&f.duration, "for", 0, "leave after this long (0 stays until interrupted)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
	return cmd
}

func join(parent context.Context, out io.Writer, f joinFlags) error {
	level := new(slog.LevelVar)
	if f.verbose {
		level.Set(slog.LevelDebug)
	}
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	sub := wire.SubprotocolJSON
	if f.msgpack {
		sub = wire.SubprotocolMsgpack
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, client.Config{
		URL:         f.url,
		ClassID:     f.classID,
		RoomID:      f.roomID,
		Token:       f.token,
		Subprotocol: sub,
		Logger:      logger,
		OnMessage:   func(m *classroom.Message) { printEvent(out, m) },
		OnLinkEvent: func(ev peerlink.Event) { printLinkEvent(out, ev) },
	})
	if err != nil {
		return err
	}

	self := c.Self()
	fmt.Fprintf(out, "joined %s as %s (%s), %d others present\n", c.RoomID(), self.UserID, self.Role, len(c.Presence().Roster())-1)

	if f.mic || f.cam {
		patch := classroom.MediaStatePatch{}
		if f.mic {
			patch.MicOn = classroom.Bool(true)
		}
		if f.cam {
			patch.CamOn = classroom.Bool(true)
		}
		if err := c.SetMediaState(ctx, patch); err != nil {
			return err
		}
	}
	if f.hand {
		if err := c.SetHandRaised(ctx, true); err != nil {
			return err
		}
	}
	if f.chat != "" {
		if err := c.Chat(ctx, f.chat); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		lctx, lcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer lcancel()
		if err := c.Leave(lctx); err != nil && !errors.Is(err, client.ErrClosed) {
			return err
		}
		fmt.Fprintln(out, "left")
		return nil
	case <-c.Done():
		return c.Err()
	}
}

func printEvent(w io.Writer, m *classroom.Message) {
	switch m.Type {
	case classroom.TypeParticipantJoined:
		if p := m.Participant; p != nil {
			fmt.Fprintf(w, "[%d] + %s (%s)\n", m.Seq, p.UserID, p.Role)
		}
	case classroom.TypeParticipantLeft:
		fmt.Fprintf(w, "[%d] - %s\n", m.Seq, m.UserID)
	case classroom.TypeMediaState:
		if s := m.MediaState; s != nil {
			fmt.Fprintf(w, "[%d] %s cam=%t mic=%t\n", m.Seq, m.UserID, s.CamOn, s.MicOn)
		}
	case classroom.TypeHandRaised, classroom.TypeHandLowered:
		fmt.Fprintf(w, "[%d] %s %s\n", m.Seq, m.UserID, m.Type)
	case classroom.TypeScreenShareStarted, classroom.TypeScreenShareStopped:
		fmt.Fprintf(w, "[%d] %s %s\n", m.Seq, m.UserID, m.Type)
	case classroom.TypeChatMessage:
		if ch := m.Chat; ch != nil {
			from := ch.FromUserID
			if ch.Kind == classroom.ChatSystem || from == "" {
				from = "*"
			}
			fmt.Fprintf(w, "[%d] <%s> %s\n", m.Seq, from, ch.Text)
		}
	case classroom.TypePollStarted, classroom.TypePollUpdated, classroom.TypePollEnded:
		if p := m.Poll; p != nil {
			fmt.Fprintf(w, "[%d] %s %q %v\n", m.Seq, m.Type, p.Question, p.Tallies)
		}
	case classroom.TypeError:
		if e := m.Error; e != nil {
			fmt.Fprintf(w, "error: %s: %s\n", e.Code, e.Message)
		}
	}
}

func printLinkEvent(w io.Writer, ev peerlink.Event) {
	switch ev.Kind {
	case peerlink.EventConnected, peerlink.EventFailed, peerlink.EventPeerLost:
		fmt.Fprintf(w, "link %s: %s\n", ev.PeerID, ev.Kind)
	case peerlink.EventRecoveryScheduled:
		fmt.Fprintf(w, "link %s: recovery %d in %s\n", ev.PeerID, ev.Attempt, ev.Delay.Round(time.Millisecond))
	}
}
