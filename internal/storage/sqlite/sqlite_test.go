package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T, opts ...Option) (*SQLiteStorage, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "claims.db")
	store, err := New(dbPath, opts...)
	require.NoError(t, err, "failed to create storage")
	return store, dbPath
}

func testClaim(id, issue string, version int) *types.Claim {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.Claim{
		ID:             id,
		IssueID:        issue,
		Repository:     "acme/api",
		Claimant:       types.Claimant{ID: "agent-1", Type: types.ClaimantAgent},
		Status:         types.StatusActive,
		ClaimedAt:      now,
		LastActivityAt: now,
		Version:        version,
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store, path := setupTestDB(t)

	e := events.New("claim-1", events.Claimed{IssueID: "42", Repository: "acme/api",
		Claimant: types.Claimant{ID: "agent-1", Type: types.ClaimantAgent}})
	require.NoError(t, store.CommitTransition(ctx, e, 0, testClaim("claim-1", "42", 1)))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	evs, err := reopened.GetEvents(ctx, "claim-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, e.ID, evs[0].ID)
	assert.Equal(t, e.Timestamp, evs[0].Timestamp)
	assert.Equal(t, e.Payload, evs[0].Payload)

	c, err := reopened.GetClaim(ctx, "claim-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Version)
}

func TestMixedCodecs(t *testing.T) {
	ctx := context.Background()
	store, path := setupTestDB(t)

	_, err := store.Append(ctx, events.New("claim-1", events.Paused{Reason: "lunch"}))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Rows keep the codec they were written with
	cborStore, err := New(path, WithCodec(events.CBORCodec{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cborStore.Close() })

	_, err = cborStore.Append(ctx, events.New("claim-1", events.Blocked{Reason: "waiting on review"}))
	require.NoError(t, err)

	evs, err := cborStore.GetEvents(ctx, "claim-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, events.Paused{Reason: "lunch"}, evs[0].Payload)
	assert.Equal(t, events.Blocked{Reason: "waiting on review"}, evs[1].Payload)
}

func TestActiveIssueIndex(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestDB(t)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveClaim(ctx, testClaim("claim-1", "42", 1)))

	err := store.SaveClaim(ctx, testClaim("claim-2", "42", 1))
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	// A terminal claim no longer holds the slot
	done := testClaim("claim-1", "42", 2)
	done.Status = types.StatusCompleted
	require.NoError(t, store.UpdateClaim(ctx, done))
	require.NoError(t, store.SaveClaim(ctx, testClaim("claim-2", "42", 1)))

	active, err := store.FindByIssue(ctx, "42", "acme/api")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "claim-2", active.ID)
}

func TestCommitTransitionRollsBackOnViewConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestDB(t)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveClaim(ctx, testClaim("claim-1", "42", 1)))

	e := events.New("claim-2", events.Claimed{IssueID: "42", Repository: "acme/api",
		Claimant: types.Claimant{ID: "agent-2", Type: types.ClaimantAgent}})
	err := store.CommitTransition(ctx, e, 0, testClaim("claim-2", "42", 1))
	require.ErrorIs(t, err, types.ErrConcurrencyConflict)

	// The event must not survive the failed view update
	v, err := store.AggregateVersion(ctx, "claim-2")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestSnapshotKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestDB(t)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveSnapshot(ctx, &events.Snapshot{AggregateID: "claim-1", Version: 5, State: []byte(`{"v":5}`), Encoding: "json"}))
	require.NoError(t, store.SaveSnapshot(ctx, &events.Snapshot{AggregateID: "claim-1", Version: 3, State: []byte(`{"v":3}`), Encoding: "json"}))

	snap, err := store.GetSnapshot(ctx, "claim-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 5, snap.Version)
	assert.Equal(t, []byte(`{"v":5}`), snap.State)

	missing, err := store.GetSnapshot(ctx, "claim-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Append(ctx, events.New("claim-1", events.Resumed{}))
	require.NoError(t, err)

	ids, err := store.AggregateIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"claim-1"}, ids)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, types.ErrConcurrencyConflict},
		{"primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, types.ErrConcurrencyConflict},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, types.ErrUnavailable},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, types.ErrUnavailable},
		{"wrapped io", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrIoErr}), types.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	plain := errors.New("syntax error")
	assert.Equal(t, plain, classify(plain))
	assert.NoError(t, classify(nil))

	check := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}
	assert.False(t, errors.Is(classify(check), types.ErrConcurrencyConflict))
}
