// Command classmesh runs the live-classroom coordination server and the
// tooling around it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/classmesh/classmesh/internal/app"
	"github.com/classmesh/classmesh/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "classmesh: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "classmesh",
		Short:         "Real-time coordination layer for live classrooms",
		Long:          "classmesh admits participants into live classroom rooms, relays WebRTC signaling between them and broadcasts presence, chat and polls.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
		newRoomsCmd(),
		newJoinCmd(),
	)
	return root
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func levelVar(l config.LogLevel) *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(app.SlogLevel(l))
	return v
}
