package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/room"
)

func newRoomsCmd() *cobra.Command {
	var (
		server  string
		token   string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "rooms [room-id]",
		Short: "List the live rooms of a running server",
		Long: "List the live rooms of a running server. The server must have an admin token\n" +
			"configured; pass it with --token or " + config.EnvAdminToken + ".",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			url := strings.TrimSuffix(server, "/") + "/rooms"
			if len(args) == 1 {
				url += "/" + args[0]
			}
			if token == "" {
				token = os.Getenv(config.EnvAdminToken)
			}
			body, err := fetch(ctx, url, token)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}

			var infos []room.Info
			if len(args) == 1 {
				var info room.Info
				if err := json.Unmarshal(body, &info); err != nil {
					return fmt.Errorf("decode room: %w", err)
				}
				infos = []room.Info{info}
			} else if err := json.Unmarshal(body, &infos); err != nil {
				return fmt.Errorf("decode rooms: %w", err)
			}
			renderRooms(cmd.OutOrStdout(), infos, len(args) == 1)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8080", "base URL of the classmesh server")
	cmd.Flags().StringVar(&token, "token", "", "admin bearer token (default $"+config.EnvAdminToken+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func fetch(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// renderRooms prints one row per room, plus the roster when detailed.
func renderRooms(w io.Writer, infos []room.Info, detailed bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Room", "Class", "Participants", "Presenter", "Chat", "Poll", "Seq", "Age"})
	for _, info := range infos {
		poll := "-"
		if p := info.Poll; p != nil {
			poll = p.Question
			if !p.Open {
				poll += " (closed)"
			}
		}
		t.AppendRow(table.Row{
			info.RoomID,
			info.ClassID,
			len(info.Participants),
			orDash(info.PresenterID),
			info.ChatMessages,
			poll,
			info.Seq,
			time.Since(info.CreatedAt).Round(time.Second),
		})
	}
	if len(infos) == 0 {
		t.AppendRow(table.Row{"(no live rooms)"})
	}
	t.Render()

	if !detailed {
		return
	}
	for _, info := range infos {
		r := table.NewWriter()
		r.SetOutputMirror(w)
		r.SetStyle(table.StyleLight)
		r.SetTitle("Roster of %s", info.RoomID)
		r.AppendHeader(table.Row{"User", "Name", "Role", "Cam", "Mic", "Hand", "Sharing"})
		for _, p := range info.Participants {
			m := p.MediaState
			r.AppendRow(table.Row{p.UserID, p.DisplayName, p.Role, mark(m.CamOn), mark(m.MicOn), mark(m.IsHandRaised), mark(m.IsScreenSharing)})
		}
		r.Render()
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func mark(b bool) string {
	if b {
		return "x"
	}
	return ""
}
