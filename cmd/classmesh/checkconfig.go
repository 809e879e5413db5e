package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/classmesh/classmesh/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file and print its effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	return cmd
}

// printSummary renders the effective configuration. Secrets are masked.
func printSummary(w io.Writer, cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("classmesh configuration")
	t.AppendHeader(table.Row{"Setting", "Value"})

	t.AppendRows([]table.Row{
		{"listen addr", cfg.Server.ListenAddr},
		{"log level", cfg.Server.LogLevel},
		{"tls", onOff(cfg.Server.TLS != nil)},
		{"dev mode", onOff(cfg.Server.DevMode)},
		{"allowed origins", orNone(strings.Join(cfg.Server.AllowedOrigins, ", "))},
		{"room listing", adminState(cfg.Server.AdminToken)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"chat history", cfg.Classroom.ChatHistoryLimit},
		{"room inbox", cfg.Classroom.InboxSize},
		{"outbound buffer", cfg.Classroom.OutboundBuffer},
		{"ping interval", cfg.Classroom.PingInterval},
		{"max message", strconv.FormatInt(cfg.Classroom.MaxMessageBytes, 10) + " B"},
	})
	t.AppendSeparator()
	identity := cfg.Identity.Driver
	switch cfg.Identity.Driver {
	case config.DriverStatic:
		identity = fmt.Sprintf("static (%d users, %d classes)", len(cfg.Identity.Users), len(cfg.Identity.Classes))
	case config.DriverPostgres:
		identity = "postgres (" + maskDSN(cfg.Identity.PostgresDSN) + ")"
	}
	t.AppendRow(table.Row{"identity", identity})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"stun servers", orNone(strings.Join(cfg.ICE.STUNServers, ", "))},
		{"turn servers", orNone(strings.Join(cfg.ICE.TURN.URLs, ", "))},
		{"turn credential ttl", cfg.ICE.TURN.CredentialTTL},
	})
	t.AppendSeparator()
	timings := cfg.PeerLink.Timings()
	t.AppendRows([]table.Row{
		{"offer fallback", timings.OfferFallback},
		{"ice checking timeout", timings.ICECheckingTimeout},
		{"recovery backoff", fmt.Sprintf("%s..%s", timings.MinBackoff, timings.MaxBackoff)},
		{"recovery attempts", timings.MaxRecoveryAttempts},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"service", cfg.Telemetry.ServiceName},
		{"instance", orNone(cfg.Telemetry.InstanceID)},
		{"environment", orNone(cfg.Telemetry.Environment)},
	})
	t.Render()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func adminState(token string) string {
	if token == "" {
		return "off"
	}
	return "on (bearer token ****)"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// maskDSN hides the password of a postgres URL.
func maskDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "***"
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***@" + host
}
