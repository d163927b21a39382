package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/claims"
	"github.com/steveyegge/claims/internal/config"
	"github.com/steveyegge/claims/internal/logging"
	"github.com/steveyegge/claims/internal/storage"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

var (
	cfgFile    string
	dbPath     string
	backend    string
	actor      string
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
	store  storage.Storage
	svc    *claims.Service
)

// openStore opens the configured backend. Tests replace it with an
// in-memory store.
var openStore = func(ctx context.Context, c *config.Config, log *zap.Logger) (storage.Storage, error) {
	discovered := ""
	if c.Storage.Backend == storage.BackendSQLite && c.Storage.Path == "" {
		p, err := storage.DiscoverDatabase()
		if err != nil {
			return nil, err
		}
		discovered = p
	}
	sc := c.StorageConfig(discovered)
	sc.Logger = log
	if sc.Backend == storage.BackendSQLite && sc.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return storage.NewStorage(ctx, sc)
}

// skipStore lists commands that never touch the database
var skipStore = map[string]bool{
	"init":       true,
	"version":    true,
	"help":       true,
	"completion": true,
}

var rootCmd = &cobra.Command{
	Use:   "claims",
	Short: "Track who is working on what",
	Long: `claims records exclusive claims on issues for humans and agents.

Every change to a claim is an event in an append-only log; the current
state of each claim is derived from that log. Claims can be paused,
blocked, handed off, contested and, when their holder goes quiet, stolen
by an idle agent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if backend != "" {
			cfg.Storage.Backend = backend
		}
		if dbPath != "" {
			cfg.Storage.Path = dbPath
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}

		if skipStore[cmd.Name()] {
			return nil
		}
		store, err = openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		svc = claims.NewService(store,
			claims.WithLogger(logger),
			claims.WithSnapshotEvery(cfg.Service.SnapshotEvery))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			_ = logger.Sync()
		}
		if store != nil {
			err := store.Close()
			store, svc = nil, nil
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ./claims.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: discover .claims/claims.db)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Storage backend: memory, sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor recorded on events (default: the acting claimant)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		if store != nil {
			_ = store.Close()
		}
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes rejected commands from failures so scripts can
// retry only what is worth retrying.
func exitCode(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return 3
	case claims.IsLostRace(err):
		return 4
	case errors.Is(err, types.ErrInvalidArgument):
		return 2
	}
	return 1
}

// commandOptions applies the global --actor flag
func commandOptions() []claims.CommandOption {
	if actor == "" {
		return nil
	}
	return []claims.CommandOption{claims.WithActor(actor)}
}

// parseClaimant reads "[type:]id", defaulting to a human claimant
func parseClaimant(s string) (types.Claimant, error) {
	c := types.Claimant{Type: types.ClaimantHuman, ID: s}
	if kind, id, ok := strings.Cut(s, ":"); ok {
		c = types.Claimant{Type: types.ClaimantType(kind), ID: id}
	}
	if err := c.Validate(); err != nil {
		return types.Claimant{}, err
	}
	return c, nil
}
