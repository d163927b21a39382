// Package config loads layered configuration for the claims binary.
//
// Sources, later ones winning: built-in defaults, a TOML file
// (./claims.toml unless a path is given) and CLAIMS_* environment variables.
// In variable names a double underscore separates sections, so
// CLAIMS_BALANCER__STALE_THRESHOLD=45m sets balancer.stale_threshold.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/steveyegge/claims/internal/balancer"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage"
	"github.com/steveyegge/claims/internal/storage/postgres"
	"go.uber.org/zap/zapcore"
)

// DefaultFile is read when no config path is given and it exists
const DefaultFile = "claims.toml"

// EnvPrefix marks environment variables that override configuration
const EnvPrefix = "CLAIMS_"

// Config is the full configuration of the claims binary
type Config struct {
	Storage  StorageConfig   `koanf:"storage"`
	Service  ServiceConfig   `koanf:"service"`
	Balancer balancer.Config `koanf:"balancer"`
	Server   ServerConfig    `koanf:"server"`
	Log      LogConfig       `koanf:"log"`
}

// StorageConfig selects and configures the backend
type StorageConfig struct {
	// Backend is memory, sqlite or postgres
	// Default: "sqlite"
	Backend string `koanf:"backend"`

	// Path is the SQLite database file. Empty means discover
	// .claims/claims.db from the working directory.
	Path string `koanf:"path"`

	// Codec is the event payload encoding: json or cbor
	// Default: "json"
	Codec string `koanf:"codec"`

	Postgres postgres.Config `koanf:"postgres"`
}

// ServiceConfig tunes the claim service
type ServiceConfig struct {
	// SnapshotEvery snapshots a claim every N versions; 0 disables
	// Default: 50
	SnapshotEvery int `koanf:"snapshot_every"`
}

// ServerConfig configures `claims serve`
type ServerConfig struct {
	// Addr is the HTTP listen address
	// Default: "127.0.0.1:7420"
	Addr string `koanf:"addr"`

	// ShutdownTimeout bounds graceful shutdown
	// Default: 10s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	// Level is debug, info, warn or error
	// Default: "info"
	Level string `koanf:"level"`

	// Development switches to the human-readable console encoder
	Development bool `koanf:"development"`
}

// defaults mirrors the Default*Config constructors of each component as
// flat koanf keys.
func defaults() map[string]any {
	pg := postgres.DefaultConfig()
	bal := balancer.DefaultConfig()
	return map[string]any{
		"storage.backend":                     storage.BackendSQLite,
		"storage.path":                        "",
		"storage.codec":                       "json",
		"storage.postgres.host":               pg.Host,
		"storage.postgres.port":               pg.Port,
		"storage.postgres.database":           pg.Database,
		"storage.postgres.user":               pg.User,
		"storage.postgres.password":           pg.Password,
		"storage.postgres.sslmode":            pg.SSLMode,
		"storage.postgres.max_conns":          pg.MaxConns,
		"storage.postgres.min_conns":          pg.MinConns,
		"storage.postgres.max_conn_lifetime":  pg.MaxConnLifetime.String(),
		"storage.postgres.max_conn_idle_time": pg.MaxConnIdleTime.String(),
		"storage.postgres.health_check":       pg.HealthCheck.String(),

		"service.snapshot_every": 50,

		"balancer.enabled":               bal.Enabled,
		"balancer.sweep_interval":        bal.SweepInterval.String(),
		"balancer.stale_threshold":       bal.StaleThreshold.String(),
		"balancer.grace_period":          bal.GracePeriod.String(),
		"balancer.handoff_timeout":       bal.HandoffTimeout.String(),
		"balancer.progress_protection":   bal.ProgressProtection,
		"balancer.policy":                string(bal.Policy),
		"balancer.steals_per_second":     bal.StealsPerSecond,
		"balancer.steal_burst":           bal.StealBurst,
		"balancer.max_concurrent_steals": bal.MaxConcurrentSteals,

		"server.addr":             "127.0.0.1:7420",
		"server.shutdown_timeout": "10s",

		"log.level":       "info",
		"log.development": false,
	}
}

// Default returns the built-in configuration
func Default() *Config {
	cfg, err := load(koanf.New("."), "", false)
	if err != nil {
		// The defaults map is static; failing to decode it is a programming error
		panic("config: invalid defaults: " + err.Error())
	}
	return cfg
}

// Load builds the configuration from defaults, the TOML file at path and
// the environment. An empty path reads ./claims.toml when it exists; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	cfg, err := load(koanf.New("."), path, true)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func load(k *koanf.Koanf, path string, external bool) (*Config, error) {
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if external {
		if path == "" {
			if _, err := os.Stat(DefaultFile); err == nil {
				path = DefaultFile
			}
		}
		if path != "" {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config %s: %w", path, err)
			}
		}

		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("error loading environment: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// envKey maps CLAIMS_STORAGE__POSTGRES__HOST to storage.postgres.host
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendSQLite, storage.BackendPostgres:
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite or postgres (got %q)", c.Storage.Backend)
	}
	if _, err := events.CodecByName(c.Storage.Codec); err != nil {
		return fmt.Errorf("storage.codec: %w", err)
	}
	if c.Storage.Backend == storage.BackendPostgres {
		pg := c.Storage.Postgres
		if pg.Host == "" || pg.Database == "" {
			return fmt.Errorf("storage.postgres.host and storage.postgres.database are required")
		}
		if pg.Port < 1 || pg.Port > 65535 {
			return fmt.Errorf("storage.postgres.port must be between 1 and 65535 (got %d)", pg.Port)
		}
		if pg.MaxConns < 1 || pg.MinConns < 0 || pg.MinConns > pg.MaxConns {
			return fmt.Errorf("storage.postgres pool bounds are invalid (min %d, max %d)", pg.MinConns, pg.MaxConns)
		}
	}

	if c.Service.SnapshotEvery < 0 {
		return fmt.Errorf("service.snapshot_every cannot be negative (got %d)", c.Service.SnapshotEvery)
	}

	if err := c.Balancer.Validate(); err != nil {
		return fmt.Errorf("balancer: %w", err)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive (got %v)", c.Server.ShutdownTimeout)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// StorageConfig converts the storage section for storage.NewStorage.
// dbPath is used when no path is configured.
func (c *Config) StorageConfig(dbPath string) *storage.Config {
	path := c.Storage.Path
	if path == "" {
		path = dbPath
	}
	pg := c.Storage.Postgres
	return &storage.Config{
		Backend:  c.Storage.Backend,
		Path:     path,
		Codec:    c.Storage.Codec,
		Postgres: &pg,
	}
}
