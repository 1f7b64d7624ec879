package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"roundtrip/internal/engine"
	"roundtrip/internal/server"
	"roundtrip/internal/store"
)

const statsInterval = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var port int
	var engineName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if engineName != "" {
				cfg.Server.Engine = engineName
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg.Server.Engine)
			if err != nil {
				return err
			}

			deps := server.Dependencies{Engine: eng, Logger: logger}
			if cfg.Server.DBPath != "" {
				st, err := store.Open(cfg.Server.DBPath)
				if err != nil {
					return err
				}
				defer st.Close()
				deps.Store = st
			}

			srv, err := server.New(server.Config{
				Sources:        cfg.Server.Sources,
				InputQueueSize: cfg.Server.InputQueueSize,
				GinMode:        cfg.Server.GinMode,
			}, deps)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				return srv.Run(gctx, fmt.Sprintf(":%d", cfg.Server.Port))
			})
			g.Go(func() error {
				reportSessions(gctx, srv.Registry(), logger, statsInterval)
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			stats := srv.Registry().Stats()
			logger.Info("server stopped",
				"sessions", stats.Total,
				"received", stats.Received,
				"processed", stats.Processed,
				"dropped", stats.Dropped,
			)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides server.port)")
	cmd.Flags().StringVar(&engineName, "engine", "", "Engine to host (roundtrip, describe)")
	return cmd
}

// reportSessions logs registry totals until ctx ends.
func reportSessions(ctx context.Context, registry *server.Registry, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := registry.Stats()
			if stats.Active == 0 {
				continue
			}
			logger.Info("session stats",
				"active", stats.Active,
				"received", stats.Received,
				"processed", stats.Processed,
				"dropped", stats.Dropped,
				"rejected", stats.Rejected,
			)
		}
	}
}
