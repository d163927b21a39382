package claims

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/replay"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

// History returns every event of a claim in version order
func (s *Service) History(ctx context.Context, id string) ([]*events.Event, error) {
	return s.store.GetEvents(ctx, id, 1)
}

// Replay folds a claim's log, starting from its latest snapshot when one
// exists. It returns nil for an unknown claim.
func (s *Service) Replay(ctx context.Context, id string) (*types.Claim, error) {
	c, _, err := replay.StateFromSnapshot(ctx, s.store, id, Apply, nil)
	return c, err
}

// RebuildReport summarizes a Rebuild
type RebuildReport struct {
	Aggregates int               `json:"aggregates" yaml:"aggregates"`
	Rebuilt    int               `json:"rebuilt" yaml:"rebuilt"`
	Removed    int               `json:"removed" yaml:"removed"`
	Failed     map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Rebuild recomputes the whole claim view from the event log. View rows
// with no events are removed. A claim whose log fails to fold is reported
// and left as it was.
func (s *Service) Rebuild(ctx context.Context) (*RebuildReport, error) {
	ids, err := s.store.AggregateIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	report := &RebuildReport{Aggregates: len(ids), Failed: make(map[string]string)}

	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	view, err := s.store.ListClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	for _, c := range view {
		if known[c.ID] {
			continue
		}
		if err := s.store.DeleteClaim(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("failed to remove orphan claim %s: %w", c.ID, err)
		}
		report.Removed++
	}

	// Retired claims are written first so they free their issue slots
	// before the active claims that now hold them.
	var active []*types.Claim
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c, _, err := replay.AggregateState(ctx, s.store, id, Apply, nil)
		if err != nil {
			report.Failed[id] = err.Error()
			s.log.Warn("rebuild failed", zap.String("claim_id", id), zap.Error(err))
			continue
		}
		if c == nil {
			continue
		}
		if c.IsActive() {
			active = append(active, c)
			continue
		}
		if err := s.saveRebuilt(ctx, c, report); err != nil {
			return report, err
		}
	}
	for _, c := range active {
		if err := s.saveRebuilt(ctx, c, report); err != nil {
			return report, err
		}
	}

	s.log.Info("view rebuilt",
		zap.Int("aggregates", report.Aggregates),
		zap.Int("rebuilt", report.Rebuilt),
		zap.Int("removed", report.Removed),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (s *Service) saveRebuilt(ctx context.Context, c *types.Claim, report *RebuildReport) error {
	if err := s.store.SaveClaim(ctx, c); err != nil {
		report.Failed[c.ID] = err.Error()
		s.log.Warn("rebuild failed", zap.String("claim_id", c.ID), zap.Error(err))
		return nil
	}
	report.Rebuilt++
	return nil
}

// RebuildClaim recomputes one claim's view row from its log
func (s *Service) RebuildClaim(ctx context.Context, id string) (*types.Claim, error) {
	c, _, err := replay.AggregateState(ctx, s.store, id, Apply, nil)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no events for claim %s", types.ErrNotFound, id)
	}
	if err := s.store.SaveClaim(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save rebuilt claim %s: %w", id, err)
	}
	return c, nil
}

// Discrepancy is a claim whose view row differs from its replayed state
type Discrepancy struct {
	ClaimID string `json:"claim_id" yaml:"claim_id"`
	Diff    string `json:"diff" yaml:"diff"`
}

// Verify compares every claim in the view with the state replayed from its
// log and returns the differences. An empty result means the view is
// consistent.
func (s *Service) Verify(ctx context.Context) ([]Discrepancy, error) {
	ids, err := s.store.AggregateIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	seen := make(map[string]bool, len(ids))

	var out []Discrepancy
	for _, id := range ids {
		seen[id] = true
		d, err := s.VerifyClaim(ctx, id)
		if err != nil {
			return out, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}

	view, err := s.store.ListClaims(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to list claims: %w", err)
	}
	for _, c := range view {
		if !seen[c.ID] {
			out = append(out, Discrepancy{ClaimID: c.ID, Diff: "claim has no events"})
		}
	}
	return out, nil
}

// VerifyClaim compares one claim with its replayed state. It returns nil
// when they match.
func (s *Service) VerifyClaim(ctx context.Context, id string) (*Discrepancy, error) {
	replayed, _, err := replay.AggregateState(ctx, s.store, id, Apply, nil)
	if err != nil {
		return &Discrepancy{ClaimID: id, Diff: err.Error()}, nil
	}
	view, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get claim %s: %w", id, err)
	}

	switch {
	case replayed == nil && view == nil:
		return nil, nil
	case view == nil:
		return &Discrepancy{ClaimID: id, Diff: "claim is missing from the view"}, nil
	case replayed == nil:
		return &Discrepancy{ClaimID: id, Diff: "claim has no events"}, nil
	}

	if diff := cmp.Diff(replayed, view, cmpopts.EquateEmpty()); diff != "" {
		return &Discrepancy{ClaimID: id, Diff: diff}, nil
	}
	return nil, nil
}
