package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/claims/internal/eventbus"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage/sqlq"
	"github.com/steveyegge/claims/internal/types"
)

// Append stores an event at the aggregate's next version
func (s *SQLiteStorage) Append(ctx context.Context, e *events.Event) (int, error) {
	return s.append(ctx, e, 0, false)
}

// AppendExpected stores an event only if the aggregate is at expectedVersion
func (s *SQLiteStorage) AppendExpected(ctx context.Context, e *events.Event, expectedVersion int) (int, error) {
	return s.append(ctx, e, expectedVersion, true)
}

// AppendBatch appends events one by one, stopping at the first failure
func (s *SQLiteStorage) AppendBatch(ctx context.Context, evs []*events.Event) error {
	for i, e := range evs {
		if _, err := s.Append(ctx, e); err != nil {
			return fmt.Errorf("failed to append event %d of %d: %w", i+1, len(evs), err)
		}
	}
	return nil
}

func (s *SQLiteStorage) append(ctx context.Context, e *events.Event, expected int, check bool) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	version, inserted, err := s.appendTx(ctx, tx, e, expected, check)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return version, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", classify(err))
	}

	s.bus.Publish(e.Clone())
	return version, nil
}

// appendTx inserts e inside tx. It reports inserted=false when the event id
// is already stored for the aggregate, in which case e.Version is set to the
// stored version and nothing is written.
func (s *SQLiteStorage) appendTx(ctx context.Context, tx *sql.Tx, e *events.Event, expected int, check bool) (int, bool, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = events.Now()
	}
	if err := e.Validate(); err != nil {
		return 0, false, err
	}

	var existing int
	err := tx.QueryRowContext(ctx,
		"SELECT version FROM events WHERE aggregate_id = ? AND id = ?", e.AggregateID, e.ID,
	).Scan(&existing)
	if err == nil {
		e.Version = existing
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("failed to check event id: %w", classify(err))
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", e.AggregateID,
	).Scan(&current); err != nil {
		return 0, false, fmt.Errorf("failed to read aggregate version: %w", classify(err))
	}
	if check && current != expected {
		return 0, false, fmt.Errorf("%w: aggregate %s is at version %d, expected %d",
			types.ErrConcurrencyConflict, e.AggregateID, current, expected)
	}

	payload, err := s.codec.EncodePayload(e.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode payload: %w", err)
	}

	version := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, aggregate_id, version, type, ts, actor, payload, codec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AggregateID, version, string(e.Type), dialect.Time(e.Timestamp), e.Actor, payload, s.codec.Name())
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert event: %w", classify(err))
	}

	e.Version = version
	return version, true, nil
}

// GetEvents returns an aggregate's events from fromVersion (inclusive)
func (s *SQLiteStorage) GetEvents(ctx context.Context, aggregateID string, fromVersion int) ([]*events.Event, error) {
	query, args := sqlq.GetEvents(dialect, aggregateID, fromVersion)
	return s.queryEvents(ctx, query, args...)
}

// FindEvent looks up an event by its client-supplied id
func (s *SQLiteStorage) FindEvent(ctx context.Context, aggregateID, eventID string) (*events.Event, error) {
	query, args := sqlq.NewSelect(dialect, sqlq.EventColumns, "events").
		Where("aggregate_id = ?", aggregateID).
		Where("id = ?", eventID).
		Build()
	evs, err := s.queryEvents(ctx, query, args...)
	if err != nil || len(evs) == 0 {
		return nil, err
	}
	return evs[0], nil
}

// QueryEvents returns events matching the filter in append order
func (s *SQLiteStorage) QueryEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query, args := sqlq.QueryEvents(dialect, filter)
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLiteStorage) queryEvents(ctx context.Context, query string, args ...any) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", classify(err))
	}
	defer rows.Close()

	out := []*events.Event{}
	for rows.Next() {
		var (
			e         events.Event
			eventType string
			ts        int64
			payload   []byte
			codecName string
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Version, &eventType, &ts, &e.Actor, &payload, &codecName); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		codec, err := events.CodecByName(codecName)
		if err != nil {
			return nil, err
		}
		e.Type = events.EventType(eventType)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Payload, err = codec.DecodePayload(e.Type, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", classify(err))
	}
	return out, nil
}

// AggregateVersion returns the aggregate's current version, 0 if unknown
func (s *SQLiteStorage) AggregateVersion(ctx context.Context, aggregateID string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read aggregate version: %w", classify(err))
	}
	return v, nil
}

// AggregateIDs lists every aggregate in first-append order
func (s *SQLiteStorage) AggregateIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT aggregate_id FROM events GROUP BY aggregate_id ORDER BY MIN(seq)")
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", classify(err))
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subscribe registers a handler for the listed event types
func (s *SQLiteStorage) Subscribe(eventTypes []events.EventType, h eventbus.Handler) func() {
	return s.bus.Subscribe(eventTypes, h)
}

// SubscribeAll registers a handler for every event
func (s *SQLiteStorage) SubscribeAll(h eventbus.Handler) func() {
	return s.bus.SubscribeAll(h)
}

// SaveSnapshot stores a snapshot unless a newer one exists
func (s *SQLiteStorage) SaveSnapshot(ctx context.Context, snap *events.Snapshot) error {
	if snap == nil || snap.AggregateID == "" {
		return fmt.Errorf("%w: snapshot needs an aggregate id", types.ErrInvalidArgument)
	}
	if snap.Version < 0 {
		return fmt.Errorf("%w: snapshot version cannot be negative", types.ErrInvalidArgument)
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = events.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, version, state, encoding, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			encoding = excluded.encoding,
			created_at = excluded.created_at
		WHERE excluded.version >= snapshots.version
	`, snap.AggregateID, snap.Version, snap.State, snap.Encoding, dialect.Time(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", classify(err))
	}
	return nil
}

// GetSnapshot returns the latest snapshot or nil
func (s *SQLiteStorage) GetSnapshot(ctx context.Context, aggregateID string) (*events.Snapshot, error) {
	var (
		snap      events.Snapshot
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, version, state, encoding, created_at
		FROM snapshots WHERE aggregate_id = ?
	`, aggregateID).Scan(&snap.AggregateID, &snap.Version, &snap.State, &snap.Encoding, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", classify(err))
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return &snap, nil
}
