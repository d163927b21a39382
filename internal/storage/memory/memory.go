// Package memory is the in-process storage backend.
//
// The event log, snapshots and the claim view share one mutex, so a
// transition's event append and view write are a single critical section.
// Claims live in an arena addressed by integer handles; the issue and
// claimant indexes map to handles and are maintained on every write.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/claims/internal/eventbus"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

// Store implements the Storage interface in process memory
type Store struct {
	log *zap.Logger
	bus *eventbus.Bus
	now func() time.Time

	mu sync.RWMutex

	// event log
	all        []*events.Event            // global append order
	byAgg      map[string][]*events.Event // aggregate -> events, index = version-1
	eventIDs   map[string]map[string]int  // aggregate -> event id -> version
	aggregates []string                   // first-append order
	snapshots  map[string]*events.Snapshot

	// claim view
	arena      []*types.Claim // nil slots are free
	free       []int
	handles    map[string]int
	byIssue    map[types.IssueKey]int // active-family claims only
	byClaimant map[string]map[int]struct{}
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for statistics and default
// event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store
func New(log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		log:        log.Named("memory"),
		bus:        eventbus.New(log),
		now:        time.Now,
		byAgg:      make(map[string][]*events.Event),
		eventIDs:   make(map[string]map[string]int),
		snapshots:  make(map[string]*events.Snapshot),
		handles:    make(map[string]int),
		byIssue:    make(map[types.IssueKey]int),
		byClaimant: make(map[string]map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops subscriber delivery after draining queued events
func (s *Store) Close() error {
	s.bus.Close()
	return nil
}

// CommitTransition appends the event and writes the claim view atomically
func (s *Store) CommitTransition(ctx context.Context, e *events.Event, expectedVersion int, c *types.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || c.ID != e.AggregateID {
		return fmt.Errorf("%w: claim view does not belong to aggregate %s", types.ErrInvalidArgument, e.AggregateID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.eventIDs[e.AggregateID][e.ID]; ok {
		e.Version = v
		return fmt.Errorf("%w: %s/%s at version %d", types.ErrDuplicateEvent, e.AggregateID, e.ID, v)
	}

	if err := s.checkAppend(e, expectedVersion, true); err != nil {
		return err
	}

	next := s.currentVersion(e.AggregateID) + 1
	view := c.Clone()
	view.Version = next
	if err := view.Validate(); err != nil {
		return err
	}
	if err := s.checkIssueSlot(view); err != nil {
		return err
	}

	s.appendLocked(e)
	s.putLocked(view)
	c.Version = next
	return nil
}
