package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/claims/internal/eventbus"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage/memory"
	"github.com/steveyegge/claims/internal/storage/postgres"
	"github.com/steveyegge/claims/internal/storage/sqlite"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

// EventStore is the append-only, versioned log of claim events. It is the
// system of record.
type EventStore interface {
	// Append assigns e.Version = current + 1, stores the event and notifies
	// subscribers. Appending an event whose (aggregate, id) is already
	// stored is a no-op that reports the stored version.
	Append(ctx context.Context, e *events.Event) (int, error)
	// AppendExpected fails with types.ErrConcurrencyConflict unless the
	// aggregate is at expectedVersion (0 for a new aggregate).
	AppendExpected(ctx context.Context, e *events.Event, expectedVersion int) (int, error)
	// AppendBatch appends in order; a failure leaves the prefix committed.
	AppendBatch(ctx context.Context, evs []*events.Event) error

	GetEvents(ctx context.Context, aggregateID string, fromVersion int) ([]*events.Event, error)
	FindEvent(ctx context.Context, aggregateID, eventID string) (*events.Event, error)
	QueryEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error)
	AggregateVersion(ctx context.Context, aggregateID string) (int, error)
	AggregateIDs(ctx context.Context) ([]string, error)

	// Subscriptions - asynchronous, isolated delivery in append order
	Subscribe(eventTypes []events.EventType, h eventbus.Handler) func()
	SubscribeAll(h eventbus.Handler) func()

	// Snapshots - the newest version wins
	SaveSnapshot(ctx context.Context, s *events.Snapshot) error
	GetSnapshot(ctx context.Context, aggregateID string) (*events.Snapshot, error)
}

// ClaimRepository is the materialized view of current claim state.
// Lookups on unknown IDs return nil or an empty slice, never an error.
type ClaimRepository interface {
	SaveClaim(ctx context.Context, c *types.Claim) error
	UpdateClaim(ctx context.Context, c *types.Claim) error
	GetClaim(ctx context.Context, id string) (*types.Claim, error)
	DeleteClaim(ctx context.Context, id string) error

	FindByIssue(ctx context.Context, issueID, repository string) (*types.Claim, error)
	FindByClaimant(ctx context.Context, claimantID string) ([]*types.Claim, error)
	FindStealable(ctx context.Context, agentType types.ClaimantType) ([]*types.Claim, error)
	FindContested(ctx context.Context) ([]*types.Claim, error)
	FindStale(ctx context.Context, staleSince time.Time) ([]*types.Claim, error)
	FindPendingHandoffs(ctx context.Context) ([]*types.Claim, error)

	QueryClaims(ctx context.Context, q types.ClaimQuery) ([]*types.Claim, error)
	ListClaims(ctx context.Context) ([]*types.Claim, error)
	GetStatistics(ctx context.Context) (*types.Statistics, error)
}

// Storage is a backend holding both the event log and the claim view.
type Storage interface {
	EventStore
	ClaimRepository

	// CommitTransition appends e with expectedVersion as the optimistic
	// concurrency token and writes the resulting claim view in one unit.
	// On success e.Version and c.Version hold the new version. An event id
	// already stored for the aggregate writes nothing and returns
	// types.ErrDuplicateEvent.
	CommitTransition(ctx context.Context, e *events.Event, expectedVersion int, c *types.Claim) error

	// Lifecycle
	Close() error
}

// Backend names
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var (
	_ Storage = (*memory.Store)(nil)
	_ Storage = (*sqlite.SQLiteStorage)(nil)
	_ Storage = (*postgres.PostgresStorage)(nil)
)

// Config holds storage configuration
type Config struct {
	// Backend selects the implementation: memory, sqlite or postgres
	// Default: "sqlite"
	Backend string

	// Path is the SQLite database file path
	// Default: ".claims/claims.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string

	// Codec names the event payload encoding for SQL backends: json or cbor
	// Default: "json"
	Codec string

	// Postgres holds connection settings for the postgres backend
	Postgres *postgres.Config

	// Logger receives subscriber failures and backend diagnostics
	Logger *zap.Logger
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend:  BackendSQLite,
		Path:     ".claims/claims.db",
		Codec:    "json",
		Postgres: postgres.DefaultConfig(),
	}
}

// NewStorage creates the configured storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	codec, err := events.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendMemory:
		return memory.New(log), nil
	case BackendSQLite, "":
		path := cfg.Path
		if path == "" {
			path = DefaultConfig().Path
		}
		return sqlite.New(path, sqlite.WithCodec(codec), sqlite.WithLogger(log))
	case BackendPostgres:
		pgCfg := cfg.Postgres
		if pgCfg == nil {
			pgCfg = postgres.DefaultConfig()
		}
		return postgres.New(ctx, pgCfg, postgres.WithCodec(codec), postgres.WithLogger(log))
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q (want memory, sqlite or postgres)", types.ErrInvalidArgument, cfg.Backend)
}
