package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/classmesh/classmesh/internal/app"
	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		noWatch    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, envFile, !noWatch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable config hot reload")
	return cmd
}

func serve(parent context.Context, configPath, envFile string, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return err
	}

	level := levelVar(cfg.Server.LogLevel)
	slog.SetDefault(newLogger(level))
	slog.Info("classmesh starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     cfg.Telemetry.InstanceID,
		Environment:    cfg.Telemetry.Environment,
		Attributes:     cfg.Telemetry.ResourceAttributes,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	var application *app.App
	opts := []app.Option{app.WithLevelVar(level)}
	if watch {
		w, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			application.Reload(old, new)
		})
		if err != nil {
			return err
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return runErr
}
