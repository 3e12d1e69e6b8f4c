// opsmon is the self-contained monitoring and self-healing service for the
// agent orchestration platform.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/novakit/opsmon/internal/api"
	"github.com/novakit/opsmon/internal/conf"
	"github.com/novakit/opsmon/internal/logger"
	"github.com/novakit/opsmon/internal/monitor"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:           "opsmon",
		Short:         "Monitoring and self-healing service for agent orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(runCommand(&configPath, &debug))
	root.AddCommand(checkCommand(&configPath))
	return root
}

func newLogger(debug bool) logger.Logger {
	level := logger.LogLevelInfo
	if debug {
		level = logger.LogLevelDebug
	}
	return logger.NewSlogLogger(os.Stderr, level, nil)
}

func runCommand(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring loops and operational endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := newLogger(*debug)
			settings, err := conf.Load(*configPath, log)
			if err != nil {
				return err
			}

			if settings.SentryDSN != "" {
				if err := sentry.Init(sentry.ClientOptions{
					Dsn:        settings.SentryDSN,
					ServerName: settings.ServiceName,
				}); err != nil {
					log.Warn("sentry init failed, error reporting disabled", logger.Error(err))
				} else {
					defer sentry.Flush(2 * time.Second)
				}
			}

			registry := prometheus.NewRegistry()
			orch, err := monitor.New(settings, monitor.Collaborators{}, registry, log)
			if err != nil {
				sentry.CaptureException(err)
				return fmt.Errorf("failed to construct monitoring stack: %w", err)
			}
			orch.Start()
			defer orch.Stop()

			server := api.NewServer(orch, registry, settings.ListenAddr, log)
			serverErr := make(chan error, 1)
			go func() { serverErr <- server.Start() }()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			select {
			case <-sigCtx.Done():
				log.Info("shutdown signal received")
			case err := <-serverErr:
				if err != nil {
					sentry.CaptureException(err)
					return fmt.Errorf("operational endpoint failed: %w", err)
				}
			}
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error("endpoint shutdown failed", logger.Error(err))
			}
			return nil
		},
	}
}

func checkCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the health check battery once and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.NewSlogLogger(os.Stderr, logger.LogLevelError, nil)
			settings, err := conf.Load(*configPath, log)
			if err != nil {
				return err
			}
			orch, err := monitor.New(settings, monitor.Collaborators{}, nil, log)
			if err != nil {
				return fmt.Errorf("failed to construct monitoring stack: %w", err)
			}
			defer orch.Stop()

			overall := orch.ForceHealthCheck(cmd.Context())
			out, err := json.MarshalIndent(overall, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode health report: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if overall.Status.String() != "healthy" {
				os.Exit(2)
			}
			return nil
		},
	}
}
