package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage/postgres"
	"github.com/steveyegge/claims/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var backends = []string{BackendMemory, BackendSQLite, BackendPostgres}

// forEachBackend runs fn against a fresh store of every backend
func forEachBackend(t *testing.T, fn func(t *testing.T, store Storage)) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			if backend == BackendPostgres && !isPostgresAvailable() {
				t.Skip("PostgreSQL not available")
			}
			fn(t, setupStorage(t, backend))
		})
	}
}

func setupStorage(t *testing.T, backend string) Storage {
	t.Helper()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Backend = backend
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Path = filepath.Join(t.TempDir(), DatabaseFile)
	cfg.Postgres = pgTestConfig()

	store, err := NewStorage(ctx, cfg)
	require.NoError(t, err, "failed to create %s storage", backend)
	if pg, ok := store.(*postgres.PostgresStorage); ok {
		require.NoError(t, pg.Reset(ctx))
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func pgTestConfig() *postgres.Config {
	cfg := postgres.DefaultConfig()
	if host := os.Getenv("CLAIMS_TEST_PG_HOST"); host != "" {
		cfg.Host = host
	}
	if db := os.Getenv("CLAIMS_TEST_PG_DATABASE"); db != "" {
		cfg.Database = db
	}
	if user := os.Getenv("CLAIMS_TEST_PG_USER"); user != "" {
		cfg.User = user
	}
	if pass := os.Getenv("CLAIMS_TEST_PG_PASSWORD"); pass != "" {
		cfg.Password = pass
	}
	return cfg
}

func isPostgresAvailable() bool {
	if os.Getenv("CLAIMS_TEST_PG_HOST") == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	store, err := postgres.New(ctx, pgTestConfig())
	if err != nil {
		return false
	}
	_ = store.Close()
	return true
}

var (
	agentA = types.Claimant{ID: "agent-a", Type: types.ClaimantAgent}
	agentB = types.Claimant{ID: "agent-b", Type: types.ClaimantAgent}
	humanH = types.Claimant{ID: "human-h", Type: types.ClaimantHuman}
)

// baseTime is in the recent past so the trailing-24h statistics window is
// exercised against the real clock
var baseTime = time.Now().UTC().Truncate(time.Microsecond).Add(-2 * time.Hour)

func newClaim(id, issue string, who types.Claimant, claimedAt time.Time) *types.Claim {
	return &types.Claim{
		ID:             id,
		IssueID:        issue,
		Repository:     "acme/api",
		Claimant:       who,
		Status:         types.StatusActive,
		ClaimedAt:      claimedAt,
		LastActivityAt: claimedAt,
		Version:        1,
	}
}

// commitClaim records a claimed event and its view, like the service does
func commitClaim(t *testing.T, store Storage, c *types.Claim) {
	t.Helper()
	e := events.New(c.ID, events.Claimed{IssueID: c.IssueID, Repository: c.Repository, Claimant: c.Claimant})
	e.Timestamp = c.ClaimedAt
	require.NoError(t, store.CommitTransition(context.Background(), e, 0, c))
}

func TestEventVersioning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		payloads := []events.Payload{
			events.Claimed{IssueID: "1", Claimant: agentA},
			events.Paused{Reason: "lunch"},
			events.Resumed{},
		}
		for i, p := range payloads {
			v, err := store.Append(ctx, events.New("X", p))
			require.NoError(t, err)
			assert.Equal(t, i+1, v)
		}

		evs, err := store.GetEvents(ctx, "X", 2)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, 2, evs[0].Version)
		assert.Equal(t, events.TypePaused, evs[0].Type)
		assert.Equal(t, 3, evs[1].Version)
		assert.Equal(t, events.Resumed{}, evs[1].Payload)

		all, err := store.GetEvents(ctx, "X", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		v, err := store.AggregateVersion(ctx, "X")
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		v, err = store.AggregateVersion(ctx, "unknown")
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		none, err := store.GetEvents(ctx, "unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestIdempotentAppend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		e := events.New("X", events.Claimed{IssueID: "1", Claimant: agentA})
		v1, err := store.Append(ctx, e)
		require.NoError(t, err)

		retry := e.Clone()
		retry.Version = 0
		v2, err := store.Append(ctx, retry)
		require.NoError(t, err)
		assert.Equal(t, v1, v2)

		evs, err := store.GetEvents(ctx, "X", 0)
		require.NoError(t, err)
		assert.Len(t, evs, 1)

		found, err := store.FindEvent(ctx, "X", e.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, 1, found.Version)

		missing, err := store.FindEvent(ctx, "X", "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestAppendExpected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		v, err := store.AppendExpected(ctx, events.New("X", events.Claimed{IssueID: "1", Claimant: agentA}), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		_, err = store.AppendExpected(ctx, events.New("X", events.Paused{}), 0)
		assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
		assert.True(t, types.IsRetryable(err))

		v, err = store.AppendExpected(ctx, events.New("X", events.Paused{}), 1)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})
}

func TestAppendBatchLeavesPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		bad := events.New("X", events.Paused{})
		bad.Type = "bogus"
		err := store.AppendBatch(ctx, []*events.Event{
			events.New("X", events.Claimed{IssueID: "1", Claimant: agentA}),
			bad,
			events.New("X", events.Resumed{}),
		})
		assert.ErrorIs(t, err, types.ErrInvalidArgument)

		v, err := store.AggregateVersion(ctx, "X")
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})
}

func TestQueryEvents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("c%d", i)
			e := events.New(id, events.Claimed{IssueID: id, Claimant: agentA})
			e.Timestamp = baseTime.Add(time.Duration(i) * time.Minute)
			_, err := store.Append(ctx, e)
			require.NoError(t, err)

			p := events.New(id, events.ProgressUpdated{Progress: 0.5})
			p.Timestamp = baseTime.Add(time.Duration(i)*time.Minute + time.Second)
			_, err = store.Append(ctx, p)
			require.NoError(t, err)
		}

		claimed, err := store.QueryEvents(ctx, events.EventFilter{Types: []events.EventType{events.TypeClaimed}})
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		assert.Equal(t, []string{"c0", "c1", "c2"}, []string{claimed[0].AggregateID, claimed[1].AggregateID, claimed[2].AggregateID})

		windowed, err := store.QueryEvents(ctx, events.EventFilter{
			AfterTime:  baseTime.Add(time.Minute),
			BeforeTime: baseTime.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, windowed, 2)
		assert.Equal(t, "c1", windowed[0].AggregateID)

		paged, err := store.QueryEvents(ctx, events.EventFilter{Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, paged, 2)
		assert.Equal(t, events.TypeProgressUpdated, paged[0].Type)
		assert.Equal(t, "c1", paged[1].AggregateID)

		inverted, err := store.QueryEvents(ctx, events.EventFilter{AggregateID: "c0", FromVersion: 2, ToVersion: 1})
		require.NoError(t, err)
		assert.Empty(t, inverted)

		_, err = store.QueryEvents(ctx, events.EventFilter{Limit: -1})
		assert.ErrorIs(t, err, types.ErrInvalidArgument)

		ids, err := store.AggregateIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c0", "c1", "c2"}, ids)
	})
}

func TestSnapshots(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		snap, err := store.GetSnapshot(ctx, "X")
		require.NoError(t, err)
		assert.Nil(t, snap)

		require.NoError(t, store.SaveSnapshot(ctx, &events.Snapshot{AggregateID: "X", Version: 2, State: []byte("two"), Encoding: "json"}))
		require.NoError(t, store.SaveSnapshot(ctx, &events.Snapshot{AggregateID: "X", Version: 4, State: []byte("four"), Encoding: "json"}))
		require.NoError(t, store.SaveSnapshot(ctx, &events.Snapshot{AggregateID: "X", Version: 3, State: []byte("three"), Encoding: "json"}))

		snap, err = store.GetSnapshot(ctx, "X")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, 4, snap.Version)
		assert.Equal(t, []byte("four"), snap.State)
		assert.False(t, snap.CreatedAt.IsZero())

		assert.ErrorIs(t, store.SaveSnapshot(ctx, &events.Snapshot{}), types.ErrInvalidArgument)
	})
}

func TestSubscribers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		var mu sync.Mutex
		var all []int
		var paused []int
		done := make(chan struct{})

		unsubAll := store.SubscribeAll(func(ctx context.Context, e *events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			all = append(all, e.Version)
			if len(all) == 3 {
				close(done)
			}
			return nil
		})
		defer unsubAll()

		store.Subscribe([]events.EventType{events.TypePaused}, func(ctx context.Context, e *events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			paused = append(paused, e.Version)
			return errors.New("subscriber failures are isolated")
		})

		for _, p := range []events.Payload{events.Claimed{IssueID: "1", Claimant: agentA}, events.Paused{}, events.Resumed{}} {
			_, err := store.Append(ctx, events.New("X", p))
			require.NoError(t, err)
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(paused) == 1
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{1, 2, 3}, all)
		assert.Equal(t, []int{2}, paused)
	})
}

func TestCommitTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		c := newClaim("claim-1", "42", agentA, baseTime)
		commitClaim(t, store, c)
		assert.Equal(t, 1, c.Version)

		got, err := store.GetClaim(ctx, "claim-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, agentA, got.Claimant)
		assert.True(t, baseTime.Equal(got.ClaimedAt))

		// Stale expected version
		paused := c.Clone()
		paused.Status = types.StatusPaused
		err = store.CommitTransition(ctx, events.New("claim-1", events.Paused{}), 0, paused)
		assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

		require.NoError(t, store.CommitTransition(ctx, events.New("claim-1", events.Paused{}), 1, paused))
		assert.Equal(t, 2, paused.Version)

		got, err = store.GetClaim(ctx, "claim-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPaused, got.Status)
		assert.Equal(t, 2, got.Version)
		history, err := store.GetEvents(ctx, "claim-1", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)

		// Re-committing a stored event id writes nothing
		retry := c.Clone()
		retry.Status = types.StatusBlocked
		retry.BlockedReason = "retry"
		dup := events.New("claim-1", events.Blocked{Reason: "retry"})
		dup.ID = history[1].ID
		err = store.CommitTransition(ctx, dup, 2, retry)
		assert.ErrorIs(t, err, types.ErrDuplicateEvent)
		got, err = store.GetClaim(ctx, "claim-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPaused, got.Status)
		assert.Equal(t, 2, got.Version)
		v, err := store.AggregateVersion(ctx, "claim-1")
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		// Mismatched view is rejected outright
		err = store.CommitTransition(ctx, events.New("claim-2", events.Resumed{}), 0, c)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestSecondActiveClaimRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		commitClaim(t, store, newClaim("claim-1", "42", agentA, baseTime))

		second := newClaim("claim-2", "42", agentB, baseTime)
		e := events.New("claim-2", events.Claimed{IssueID: "42", Repository: "acme/api", Claimant: agentB})
		err := store.CommitTransition(ctx, e, 0, second)
		require.ErrorIs(t, err, types.ErrConcurrencyConflict)

		v, err := store.AggregateVersion(ctx, "claim-2")
		require.NoError(t, err)
		assert.Equal(t, 0, v, "the losing event must not be stored")

		// Same issue in another repository is a different slot
		other := newClaim("claim-3", "42", agentB, baseTime)
		other.Repository = "acme/web"
		require.NoError(t, store.SaveClaim(ctx, other))

		active, err := store.FindByIssue(ctx, "42", "acme/api")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "claim-1", active.ID)
	})
}

func TestConcurrentClaimsOnIssue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		const workers = 6
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := newClaim(fmt.Sprintf("claim-%d", i), "42", types.Claimant{ID: fmt.Sprintf("agent-%d", i), Type: types.ClaimantAgent}, baseTime)
				e := events.New(c.ID, events.Claimed{IssueID: c.IssueID, Repository: c.Repository, Claimant: c.Claimant})
				errs[i] = store.CommitTransition(ctx, e, 0, c)
			}(i)
		}
		wg.Wait()

		won := 0
		for _, err := range errs {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
		}
		assert.Equal(t, 1, won)

		ids, err := store.AggregateIDs(ctx)
		require.NoError(t, err)
		assert.Len(t, ids, 1)
	})
}

func TestClaimantIndexMove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		c := newClaim("claim-1", "42", agentA, baseTime)
		require.NoError(t, store.SaveClaim(ctx, c))

		handed := c.Clone()
		handed.Claimant = agentB
		handed.Version = 2
		require.NoError(t, store.UpdateClaim(ctx, handed))

		fromA, err := store.FindByClaimant(ctx, agentA.ID)
		require.NoError(t, err)
		assert.Empty(t, fromA)

		fromB, err := store.FindByClaimant(ctx, agentB.ID)
		require.NoError(t, err)
		require.Len(t, fromB, 1)
		assert.Equal(t, "claim-1", fromB[0].ID)
	})
}

func TestFindStealableAllowList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		agentsOnly := newClaim("c1", "1", humanH, baseTime)
		agentsOnly.Status = types.StatusStealable
		agentsOnly.StealInfo = &types.StealInfo{AllowedStealerTypes: []types.ClaimantType{types.ClaimantAgent}, MarkedAt: baseTime}

		anyone := newClaim("c2", "2", humanH, baseTime.Add(time.Minute))
		anyone.Status = types.StatusStealable
		anyone.StealInfo = &types.StealInfo{MarkedAt: baseTime}

		notStealable := newClaim("c3", "3", humanH, baseTime)

		for _, c := range []*types.Claim{agentsOnly, anyone, notStealable} {
			require.NoError(t, store.SaveClaim(ctx, c))
		}

		forAgent, err := store.FindStealable(ctx, types.ClaimantAgent)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, claimIDs(forAgent))

		forHuman, err := store.FindStealable(ctx, types.ClaimantHuman)
		require.NoError(t, err)
		assert.Equal(t, []string{"c2"}, claimIDs(forHuman))

		unrestricted, err := store.FindStealable(ctx, "")
		require.NoError(t, err)
		assert.Len(t, unrestricted, 2)

		// Types match exactly, wildcards included
		for _, odd := range []types.ClaimantType{"ag_nt", "%", "agen"} {
			got, err := store.FindStealable(ctx, odd)
			require.NoError(t, err)
			assert.Equal(t, []string{"c2"}, claimIDs(got), string(odd))
		}
	})
}

func TestFinders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		stale := newClaim("stale", "1", agentA, baseTime)

		fresh := newClaim("fresh", "2", agentA, baseTime)
		fresh.LastActivityAt = baseTime.Add(90 * time.Minute)

		contested := newClaim("contested", "3", agentB, baseTime)
		contested.LastActivityAt = baseTime.Add(90 * time.Minute)
		contested.ContestInfo = &types.ContestInfo{Contester: humanH, OpenedAt: baseTime}

		resolvedAt := baseTime.Add(time.Minute)
		resolved := newClaim("resolved", "4", agentB, baseTime)
		resolved.LastActivityAt = baseTime.Add(90 * time.Minute)
		resolved.ContestInfo = &types.ContestInfo{Contester: humanH, OpenedAt: baseTime, Resolution: "kept", ResolvedAt: &resolvedAt}

		handoff := newClaim("handoff", "5", agentA, baseTime)
		handoff.Status = types.StatusPendingHandoff
		handoff.LastActivityAt = baseTime.Add(90 * time.Minute)
		handoff.Handoff = &types.HandoffInfo{From: agentA, To: agentB, RequestedAt: baseTime}

		done := newClaim("done", "6", agentA, baseTime)
		done.Status = types.StatusCompleted

		for _, c := range []*types.Claim{stale, fresh, contested, resolved, handoff, done} {
			require.NoError(t, store.SaveClaim(ctx, c))
		}

		got, err := store.FindStale(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"stale"}, claimIDs(got), "terminal claims are never stale")

		got, err = store.FindContested(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"contested"}, claimIDs(got))

		got, err = store.FindPendingHandoffs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"handoff"}, claimIDs(got))

		byIssue, err := store.FindByIssue(ctx, "6", "acme/api")
		require.NoError(t, err)
		assert.Nil(t, byIssue, "completed claims do not occupy the issue")

		all, err := store.ListClaims(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 6)
	})
}

func TestQueryClaims(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		for i, p := range []float64{0.5, 0.1, 0.9, 0.3} {
			c := newClaim(fmt.Sprintf("c%d", i), fmt.Sprint(i), agentA, baseTime.Add(time.Duration(i)*time.Minute))
			c.Progress = p
			if i == 3 {
				c.Claimant = humanH
				c.Status = types.StatusBlocked
				c.BlockedReason = "waiting"
			}
			require.NoError(t, store.SaveClaim(ctx, c))
		}

		got, err := store.QueryClaims(ctx, types.ClaimQuery{SortBy: types.SortProgress, SortOrder: types.SortDesc})
		require.NoError(t, err)
		assert.Equal(t, []string{"c2", "c0", "c3", "c1"}, claimIDs(got))

		got, err = store.QueryClaims(ctx, types.ClaimQuery{ClaimantType: types.ClaimantAgent, Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, claimIDs(got))

		got, err = store.QueryClaims(ctx, types.ClaimQuery{BlockedOnly: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"c3"}, claimIDs(got))

		got, err = store.QueryClaims(ctx, types.ClaimQuery{CreatedAfter: baseTime.Add(time.Minute), CreatedBefore: baseTime.Add(3 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, claimIDs(got))

		got, err = store.QueryClaims(ctx, types.ClaimQuery{StealableOnly: true, BlockedOnly: true})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = store.QueryClaims(ctx, types.ClaimQuery{SortBy: "priority"})
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestStatisticsConsistency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		empty, err := store.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, empty.Total)

		a := newClaim("a", "1", agentA, baseTime)
		a.Status = types.StatusCompleted
		a.Progress = 1
		a.LastActivityAt = baseTime.Add(time.Hour)

		old := newClaim("b", "2", humanH, baseTime.Add(-72*time.Hour))
		old.Status = types.StatusCompleted
		old.Progress = 1
		old.LastActivityAt = baseTime.Add(-70 * time.Hour)

		c := newClaim("c", "3", agentB, baseTime)
		c.Progress = 0.4
		c.Repository = "acme/web"

		for _, cl := range []*types.Claim{a, old, c} {
			require.NoError(t, store.SaveClaim(ctx, cl))
		}

		stats, err := store.GetStatistics(ctx)
		require.NoError(t, err)

		all, err := store.ListClaims(ctx)
		require.NoError(t, err)
		want := types.ComputeStatistics(all, time.Now())

		assert.Equal(t, want.Total, stats.Total)
		assert.Equal(t, want.ByStatus, stats.ByStatus)
		assert.Equal(t, want.ByClaimantType, stats.ByClaimantType)
		assert.Equal(t, want.ByRepository, stats.ByRepository)
		assert.InDelta(t, want.AverageProgress, stats.AverageProgress, 1e-9)
		assert.InDelta(t, float64(want.AverageDuration), float64(stats.AverageDuration), float64(time.Millisecond))
		assert.Equal(t, 1, stats.CompletedLast24h)

		sum := 0
		for _, n := range stats.ByStatus {
			sum += n
		}
		assert.Equal(t, stats.Total, sum)
	})
}

func TestMissingClaims(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		c, err := store.GetClaim(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, c)

		assert.ErrorIs(t, store.UpdateClaim(ctx, newClaim("nope", "1", agentA, baseTime)), types.ErrNotFound)
		assert.ErrorIs(t, store.DeleteClaim(ctx, "nope"), types.ErrNotFound)

		byClaimant, err := store.FindByClaimant(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, byClaimant)
		assert.Empty(t, byClaimant)

		require.NoError(t, store.SaveClaim(ctx, newClaim("c1", "1", agentA, baseTime)))
		require.NoError(t, store.DeleteClaim(ctx, "c1"))
		byIssue, err := store.FindByIssue(ctx, "1", "acme/api")
		require.NoError(t, err)
		assert.Nil(t, byIssue)

		assert.ErrorIs(t, store.SaveClaim(ctx, &types.Claim{ID: "bad"}), types.ErrInvalidArgument)
	})
}

func TestNewStorageUnknownBackend(t *testing.T) {
	_, err := NewStorage(context.Background(), &Config{Backend: "redis"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = NewStorage(context.Background(), &Config{Backend: BackendMemory, Codec: "xml"})
	assert.Error(t, err)
}

func claimIDs(cs []*types.Claim) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}
