package claims

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/steveyegge/claims/internal/replay"
	"github.com/steveyegge/claims/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomHistory drives a service with a seeded random command mix over a
// handful of issues. Commands rejected by the lifecycle rules are expected
// and skipped.
func randomHistory(t *testing.T, svc *Service, seed uint64, steps int) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	claimants := []types.Claimant{agentA, agentB, humanH}
	pick := func() types.Claimant { return claimants[rng.IntN(len(claimants))] }

	var ids []string
	for i := 0; i < steps; i++ {
		if len(ids) == 0 || rng.IntN(6) == 0 {
			c, err := svc.Claim(ctx, fmt.Sprintf("I%d", rng.IntN(5)), "org/repo", pick())
			if err == nil {
				ids = append(ids, c.ID)
			} else {
				require.ErrorIs(t, err, types.ErrInvalidTransition)
			}
			continue
		}

		id := ids[rng.IntN(len(ids))]
		cur, err := svc.GetClaim(ctx, id)
		require.NoError(t, err)
		other := pick()

		switch rng.IntN(14) {
		case 0:
			_, err = svc.Pause(ctx, id, "break")
		case 1:
			_, err = svc.Resume(ctx, id)
		case 2:
			_, err = svc.Block(ctx, id, "blocked on review")
		case 3:
			_, err = svc.Unblock(ctx, id)
		case 4:
			_, err = svc.RequestReview(ctx, id)
		case 5:
			_, err = svc.UpdateProgress(ctx, id, float64(rng.IntN(11))/10)
		case 6:
			_, err = svc.RequestHandoff(ctx, id, other, "rotation")
		case 7:
			by := other.ID
			if cur.Handoff != nil && rng.IntN(2) == 0 {
				by = cur.Handoff.To.ID
			}
			if rng.IntN(2) == 0 {
				_, err = svc.AcceptHandoff(ctx, id, by)
			} else {
				_, err = svc.RejectHandoff(ctx, id, by, "no")
			}
		case 8:
			_, err = svc.MarkStealable(ctx, id, "stale", []types.ClaimantType{types.ClaimantAgent})
		case 9:
			_, err = svc.Steal(ctx, id, other)
		case 10:
			_, err = svc.Contest(ctx, id, other, "mine")
		case 11:
			var winner *types.Claimant
			if cur.ContestInfo != nil && rng.IntN(2) == 0 {
				winner = &cur.ContestInfo.Contester
			}
			_, err = svc.ResolveContest(ctx, id, "arbitrated", winner)
		case 12:
			_, err = svc.Complete(ctx, id)
		case 13:
			_, err = svc.Release(ctx, id, "")
		}
		if err != nil {
			require.ErrorIs(t, err, types.ErrInvalidTransition)
		}
	}
}

func TestReplayMatchesView(t *testing.T) {
	ctx := context.Background()

	for _, seed := range []uint64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			svc, _ := newTestService(t, WithSnapshotEvery(0))
			randomHistory(t, svc, seed, 300)

			discrepancies, err := svc.Verify(ctx)
			require.NoError(t, err)
			assert.Empty(t, discrepancies)

			view, err := svc.List(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, view)
			for _, c := range view {
				replayed, err := svc.Replay(ctx, c.ID)
				require.NoError(t, err)
				assert.Empty(t, cmp.Diff(c, replayed, cmpopts.EquateEmpty()), c.ID)

				// Replaying twice is deterministic
				again, err := svc.Replay(ctx, c.ID)
				require.NoError(t, err)
				assert.Empty(t, cmp.Diff(replayed, again))
			}
		})
	}
}

func TestSnapshotEquivalence(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, WithSnapshotEvery(3))

	c, err := svc.Claim(ctx, "I1", "", agentA)
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		c, err = svc.UpdateProgress(ctx, c.ID, float64(i)/10)
		require.NoError(t, err)
	}
	c, err = svc.Pause(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 8, c.Version)

	snap, err := store.GetSnapshot(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 6, snap.Version)

	fromSnapshot, err := svc.Replay(ctx, c.ID)
	require.NoError(t, err)
	full, version, err := replay.AggregateState(ctx, store, c.ID, Apply, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, version)
	assert.Empty(t, cmp.Diff(full, fromSnapshot, cmpopts.EquateEmpty()))
	assert.Empty(t, cmp.Diff(c, fromSnapshot, cmpopts.EquateEmpty()))
}

func TestRebuildRestoresView(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	randomHistory(t, svc, 3, 120)

	before, err := svc.List(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	// Drop one row and tamper with another
	require.NoError(t, svc.Delete(ctx, before[0].ID))
	if len(before) > 1 {
		tampered := before[1].Clone()
		tampered.Progress = 0.123
		require.NoError(t, store.UpdateClaim(ctx, tampered))
	}

	discrepancies, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, discrepancies)

	report, err := svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before), report.Aggregates)
	assert.Equal(t, len(before), report.Rebuilt)
	assert.Empty(t, report.Failed)

	discrepancies, err = svc.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	after, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(before, after, cmpopts.EquateEmpty()))
}

func TestRebuildRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	c, err := svc.Claim(ctx, "I1", "", agentA)
	require.NoError(t, err)

	orphan := &types.Claim{
		ID:       "orphan",
		IssueID:  "I9",
		Claimant: agentB,
		Status:   types.StatusActive,
		Version:  1,
	}
	require.NoError(t, store.SaveClaim(ctx, orphan))

	d, err := svc.VerifyClaim(ctx, "orphan")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "claim has no events", d.Diff)

	report, err := svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Rebuilt)

	got, err := svc.GetClaim(ctx, "orphan")
	require.NoError(t, err)
	assert.Nil(t, got)

	d, err = svc.VerifyClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRebuildClaim(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	c, err := svc.Claim(ctx, "I1", "", agentA)
	require.NoError(t, err)
	c, err = svc.Block(ctx, c.ID, "waiting")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, c.ID))

	rebuilt, err := svc.RebuildClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(c, rebuilt, cmpopts.EquateEmpty()))

	_, err = svc.RebuildClaim(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
