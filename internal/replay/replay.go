// Package replay folds event histories into aggregate state.
//
// The fold is generic over the state type so the same functions serve the
// claim service, audits and tests. Snapshots are an optimization: resuming
// from one must produce the same state as replaying from version 1.
package replay

import (
	"context"
	"fmt"

	"github.com/steveyegge/claims/internal/events"
)

// Reducer applies one event to a state and returns the next state.
// Reducers must be deterministic.
type Reducer[S any] func(state S, e *events.Event) (S, error)

// EventReader is the slice of the event store a fold needs.
type EventReader interface {
	GetEvents(ctx context.Context, aggregateID string, fromVersion int) ([]*events.Event, error)
}

// SnapshotReader adds snapshot lookup to EventReader.
type SnapshotReader interface {
	EventReader
	GetSnapshot(ctx context.Context, aggregateID string) (*events.Snapshot, error)
}

// SnapshotWriter persists snapshots.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, s *events.Snapshot) error
}

// AggregateState folds every event of an aggregate, in version order,
// starting from initial. It returns the state and the last version applied
// (0 when the aggregate has no events).
func AggregateState[S any](ctx context.Context, r EventReader, aggregateID string, reduce Reducer[S], initial S) (S, int, error) {
	return foldFrom(ctx, r, aggregateID, reduce, initial, 0)
}

// StateFromSnapshot resumes from the latest snapshot when one exists and
// replays only the events after it.
func StateFromSnapshot[S any](ctx context.Context, r SnapshotReader, aggregateID string, reduce Reducer[S], initial S) (S, int, error) {
	snap, err := r.GetSnapshot(ctx, aggregateID)
	if err != nil {
		return initial, 0, fmt.Errorf("failed to get snapshot for %s: %w", aggregateID, err)
	}
	if snap == nil {
		return AggregateState(ctx, r, aggregateID, reduce, initial)
	}

	state, err := DecodeState[S](snap)
	if err != nil {
		return initial, 0, err
	}
	return foldFrom(ctx, r, aggregateID, reduce, state, snap.Version)
}

func foldFrom[S any](ctx context.Context, r EventReader, aggregateID string, reduce Reducer[S], state S, version int) (S, int, error) {
	evs, err := r.GetEvents(ctx, aggregateID, version+1)
	if err != nil {
		return state, version, fmt.Errorf("failed to get events for %s: %w", aggregateID, err)
	}

	for _, e := range evs {
		if e.Version != version+1 {
			return state, version, fmt.Errorf("event log for %s has a gap: expected version %d, got %d",
				aggregateID, version+1, e.Version)
		}
		state, err = reduce(state, e)
		if err != nil {
			return state, version, fmt.Errorf("failed to apply %s v%d to %s: %w", e.Type, e.Version, aggregateID, err)
		}
		version = e.Version
	}
	return state, version, nil
}
