package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/api"
	"github.com/steveyegge/claims/internal/balancer"
	"github.com/steveyegge/claims/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	serveAddr     string
	serveBalancer bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the work-stealing balancer",
	Long: `Serve the claims HTTP API. When the balancer is enabled (balancer.enabled
in claims.toml, or --balancer) the sweeper runs alongside it, marking stale
claims stealable and handing them to idle agents.

Only one 'claims serve' may run per SQLite database; a lock file in .claims/
guards against a second one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		if serveBalancer {
			cfg.Balancer.Enabled = true
		}

		if cfg.Storage.Backend == storage.BackendSQLite {
			lockPath, err := storage.AcquireServeLock(sqlitePath(), Version)
			if err != nil {
				return err
			}
			defer func() {
				if err := storage.ReleaseServeLock(lockPath); err != nil {
					logger.Warn("failed to release serve lock", zap.Error(err))
				}
			}()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

// runServer runs the API, and the balancer when enabled, until ctx ends
func runServer(ctx context.Context) error {
	bal, err := balancer.New(svc, cfg.Balancer, balancer.WithLogger(logger))
	if err != nil {
		return err
	}
	srv := api.NewServer(svc, api.WithLogger(logger), api.WithBalancer(bal))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	})
	if cfg.Balancer.Enabled {
		g.Go(func() error {
			return bal.Run(ctx)
		})
	}

	logger.Info("claims serve started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("balancer", cfg.Balancer.Enabled),
		zap.String("version", Version))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("claims serve stopped")
	return nil
}

// sqlitePath is the database file the SQLite backend opened
func sqlitePath() string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	p, err := storage.DiscoverDatabase()
	if err != nil {
		return ""
	}
	return p
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from server.addr)")
	serveCmd.Flags().BoolVar(&serveBalancer, "balancer", false, "Run the balancer even if the config disables it")
	rootCmd.AddCommand(serveCmd)
}
