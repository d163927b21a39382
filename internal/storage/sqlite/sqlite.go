package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/steveyegge/claims/internal/eventbus"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage/migrations"
	"github.com/steveyegge/claims/internal/storage/sqlq"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

var dialect = sqlq.SQLite

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db    *sql.DB
	codec events.Codec
	log   *zap.Logger
	bus   *eventbus.Bus

	// writeMu serializes commits with their bus publish so subscribers see
	// each aggregate's events in version order.
	writeMu sync.Mutex
}

// Option configures SQLiteStorage
type Option func(*SQLiteStorage)

// WithCodec sets the payload codec for newly appended events
func WithCodec(c events.Codec) Option {
	return func(s *SQLiteStorage) { s.codec = c }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(s *SQLiteStorage) { s.log = log }
}

// New creates a new SQLite storage backend
func New(path string, opts ...Option) (*SQLiteStorage, error) {
	s := &SQLiteStorage{
		codec: events.JSONCodec{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	memory := path == ":memory:"
	if !memory {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// the busy timeout instead of failing lock upgrades
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", classify(err))
	}

	s.log = s.log.Named("sqlite")

	applied, err := migrations.NewManager(schemaMigrations...).Apply(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if applied > 0 {
		s.log.Info("applied schema migrations", zap.String("path", path), zap.Int("count", applied))
	}

	s.bus = eventbus.New(s.log)
	s.db = db
	return s, nil
}

// Close drains subscribers and closes the database
func (s *SQLiteStorage) Close() error {
	s.bus.Close()
	return s.db.Close()
}

// classify maps driver errors onto the storage error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey):
			return fmt.Errorf("%w: %v", types.ErrConcurrencyConflict, err)
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked ||
			sqliteErr.Code == sqlite3.ErrCantOpen || sqliteErr.Code == sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		}
	}
	return err
}

// CommitTransition appends the event and upserts the claim row in one
// transaction
func (s *SQLiteStorage) CommitTransition(ctx context.Context, e *events.Event, expectedVersion int, c *types.Claim) error {
	if c == nil || c.ID != e.AggregateID {
		return fmt.Errorf("%w: claim view does not belong to aggregate %s", types.ErrInvalidArgument, e.AggregateID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", classify(err))
	}

	c.Version = version
	s.bus.Publish(e.Clone())
	return nil
}
