package events

import (
	"fmt"
	"slices"
	"time"

	"github.com/steveyegge/claims/internal/types"
)

// EventFilter defines criteria for querying the event log.
// All criteria combine as intersection. Zero values mean "no filter".
type EventFilter struct {
	// AggregateID restricts results to one claim
	AggregateID string
	// Types restricts results to the listed event types
	Types []EventType
	// AfterTime is inclusive, BeforeTime exclusive
	AfterTime  time.Time
	BeforeTime time.Time
	// FromVersion and ToVersion are both inclusive; 0 means unbounded
	FromVersion int
	ToVersion   int
	// Offset and Limit apply after filtering; Limit 0 means unlimited
	Offset int
	Limit  int
}

// Validate rejects malformed filters. An inverted version or time range is
// well formed and simply matches nothing.
func (f EventFilter) Validate() error {
	for _, t := range f.Types {
		if !t.IsValid() {
			return fmt.Errorf("%w: invalid event type: %q", types.ErrInvalidArgument, t)
		}
	}
	if f.FromVersion < 0 || f.ToVersion < 0 {
		return fmt.Errorf("%w: version bounds cannot be negative", types.ErrInvalidArgument)
	}
	if f.Offset < 0 {
		return fmt.Errorf("%w: offset cannot be negative (got %d)", types.ErrInvalidArgument, f.Offset)
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: limit cannot be negative (got %d)", types.ErrInvalidArgument, f.Limit)
	}
	return nil
}

// Matches reports whether an event satisfies every criterion except
// pagination.
func (f EventFilter) Matches(e *Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if !f.AfterTime.IsZero() && e.Timestamp.Before(f.AfterTime) {
		return false
	}
	if !f.BeforeTime.IsZero() && !e.Timestamp.Before(f.BeforeTime) {
		return false
	}
	if f.FromVersion > 0 && e.Version < f.FromVersion {
		return false
	}
	if f.ToVersion > 0 && e.Version > f.ToVersion {
		return false
	}
	return true
}

// Paginate applies offset and limit to already filtered events.
func (f EventFilter) Paginate(evs []*Event) []*Event {
	if f.Offset >= len(evs) {
		return []*Event{}
	}
	evs = evs[f.Offset:]
	if f.Limit > 0 && f.Limit < len(evs) {
		evs = evs[:f.Limit]
	}
	return evs
}
