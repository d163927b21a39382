package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/steveyegge/claims/internal/eventbus"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage/sqlq"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

var dialect = sqlq.Postgres

// PostgresStorage implements the Storage interface using PostgreSQL
type PostgresStorage struct {
	pool  *pgxpool.Pool
	codec events.Codec
	log   *zap.Logger
	bus   *eventbus.Bus

	// publishMu orders commit+publish pairs within this process. Appends to
	// one aggregate are already serialized by an advisory lock.
	publishMu sync.Mutex
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"sslmode"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
	HealthCheck     time.Duration `koanf:"health_check"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "claims",
		User:            "claims",
		SSLMode:         "prefer",
		MaxConns:        25,
		MinConns:        2,
		MaxConnLifetime: 1 * time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     1 * time.Minute,
	}
}

// ConnString renders the config as a postgres:// URL
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Option configures PostgresStorage
type Option func(*PostgresStorage)

// WithCodec sets the payload codec for newly appended events
func WithCodec(c events.Codec) Option {
	return func(s *PostgresStorage) { s.codec = c }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(s *PostgresStorage) { s.log = log }
}

// New creates a new PostgreSQL storage backend with connection pooling
func New(ctx context.Context, cfg *Config, opts ...Option) (*PostgresStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &PostgresStorage{
		codec: events.JSONCodec{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", classify(err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", classify(err))
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.log = s.log.Named("postgres")
	s.bus = eventbus.New(s.log)
	s.pool = pool
	s.log.Debug("connected", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return s, nil
}

// Close drains subscribers and closes the connection pool
func (s *PostgresStorage) Close() error {
	s.bus.Close()
	s.pool.Close()
	return nil
}

// Reset deletes every event, snapshot and claim. Used by tests.
func (s *PostgresStorage) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE TABLE events, snapshots, claims RESTART IDENTITY"); err != nil {
		return fmt.Errorf("failed to reset database: %w", classify(err))
	}
	return nil
}

// classify maps driver errors onto the storage error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505", // unique_violation
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01": // deadlock_detected
			return fmt.Errorf("%w: %v", types.ErrConcurrencyConflict, err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08", // connection exception
			pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
			return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	return err
}

// CommitTransition appends the event and upserts the claim row in one
// transaction
func (s *PostgresStorage) CommitTransition(ctx context.Context, e *events.Event, expectedVersion int, c *types.Claim) error {
	if c == nil || c.ID != e.AggregateID {
		return fmt.Errorf("%w: claim view does not belong to aggregate %s", types.ErrInvalidArgument, e.AggregateID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	version, inserted, err := s.appendTx(ctx, tx, e, expectedVersion, true)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: %s/%s at version %d", types.ErrDuplicateEvent, e.AggregateID, e.ID, version)
	}

	view := c.Clone()
	view.Version = version
	if err := view.Validate(); err != nil {
		return err
	}
	if err := upsertClaim(ctx, tx, view); err != nil {
		return err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transition: %w", classify(err))
	}

	c.Version = version
	s.bus.Publish(e.Clone())
	return nil
}
