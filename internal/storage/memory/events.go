package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/claims/internal/eventbus"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
)

// Append stores an event at the aggregate's next version
func (s *Store) Append(ctx context.Context, e *events.Event) (int, error) {
	return s.append(ctx, e, 0, false)
}

// AppendExpected stores an event only if the aggregate is at expectedVersion
func (s *Store) AppendExpected(ctx context.Context, e *events.Event, expectedVersion int) (int, error) {
	return s.append(ctx, e, expectedVersion, true)
}

// AppendBatch appends events one by one, stopping at the first failure
func (s *Store) AppendBatch(ctx context.Context, evs []*events.Event) error {
	for i, e := range evs {
		if _, err := s.Append(ctx, e); err != nil {
			return fmt.Errorf("failed to append event %d of %d: %w", i+1, len(evs), err)
		}
	}
	return nil
}

func (s *Store) append(ctx context.Context, e *events.Event, expected int, check bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.eventIDs[e.AggregateID][e.ID]; ok {
		e.Version = v
		return v, nil
	}
	if err := s.checkAppend(e, expected, check); err != nil {
		return 0, err
	}
	return s.appendLocked(e), nil
}

// checkAppend validates the envelope and, when check is set, the expected
// version. Callers hold s.mu.
func (s *Store) checkAppend(e *events.Event, expected int, check bool) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC().Truncate(time.Microsecond)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if cur := s.currentVersion(e.AggregateID); check && cur != expected {
		return fmt.Errorf("%w: aggregate %s is at version %d, expected %d",
			types.ErrConcurrencyConflict, e.AggregateID, cur, expected)
	}
	return nil
}

// appendLocked stores a validated event and queues it for subscribers.
// Publishing under the lock keeps per-subscriber delivery in version order.
func (s *Store) appendLocked(e *events.Event) int {
	id := e.AggregateID
	version := s.currentVersion(id) + 1

	stored := e.Clone()
	stored.Version = version

	if _, ok := s.byAgg[id]; !ok {
		s.aggregates = append(s.aggregates, id)
		s.eventIDs[id] = make(map[string]int)
	}
	s.byAgg[id] = append(s.byAgg[id], stored)
	s.eventIDs[id][stored.ID] = version
	s.all = append(s.all, stored)

	e.Version = version
	s.bus.Publish(stored)
	return version
}

func (s *Store) currentVersion(aggregateID string) int {
	return len(s.byAgg[aggregateID])
}

// GetEvents returns an aggregate's events from fromVersion (inclusive)
func (s *Store) GetEvents(ctx context.Context, aggregateID string, fromVersion int) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.byAgg[aggregateID]
	if fromVersion > 1 {
		if fromVersion > len(evs) {
			return []*events.Event{}, nil
		}
		evs = evs[fromVersion-1:]
	}
	return cloneEvents(evs), nil
}

// FindEvent looks up an event by its client-supplied id
func (s *Store) FindEvent(ctx context.Context, aggregateID, eventID string) (*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.eventIDs[aggregateID][eventID]
	if !ok {
		return nil, nil
	}
	return s.byAgg[aggregateID][v-1].Clone(), nil
}

// QueryEvents returns events matching the filter in append order
func (s *Store) QueryEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	source := s.all
	if filter.AggregateID != "" {
		source = s.byAgg[filter.AggregateID]
	}

	var matched []*events.Event
	for _, e := range source {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	return cloneEvents(filter.Paginate(matched)), nil
}

// AggregateVersion returns the aggregate's current version, 0 if unknown
func (s *Store) AggregateVersion(ctx context.Context, aggregateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentVersion(aggregateID), nil
}

// AggregateIDs lists every aggregate with at least one event
func (s *Store) AggregateIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.aggregates...), nil
}

// Subscribe registers a handler for the listed event types
func (s *Store) Subscribe(eventTypes []events.EventType, h eventbus.Handler) func() {
	return s.bus.Subscribe(eventTypes, h)
}

// SubscribeAll registers a handler for every event
func (s *Store) SubscribeAll(h eventbus.Handler) func() {
	return s.bus.SubscribeAll(h)
}

// SaveSnapshot stores a snapshot unless a newer one exists
func (s *Store) SaveSnapshot(ctx context.Context, snap *events.Snapshot) error {
	if snap == nil || snap.AggregateID == "" {
		return fmt.Errorf("%w: snapshot needs an aggregate id", types.ErrInvalidArgument)
	}
	if snap.Version < 0 {
		return fmt.Errorf("%w: snapshot version cannot be negative", types.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snapshots[snap.AggregateID]; ok && cur.Version > snap.Version {
		return nil
	}
	cp := *snap
	cp.State = append([]byte(nil), snap.State...)
	s.snapshots[snap.AggregateID] = &cp
	return nil
}

// GetSnapshot returns the latest snapshot or nil
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (*events.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.State = append([]byte(nil), snap.State...)
	return &cp, nil
}

func cloneEvents(evs []*events.Event) []*events.Event {
	out := make([]*events.Event, len(evs))
	for i, e := range evs {
		out[i] = e.Clone()
	}
	return out
}
