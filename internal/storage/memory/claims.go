package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/claims/internal/types"
)

// SaveClaim inserts or replaces a claim in the view
func (s *Store) SaveClaim(ctx context.Context, c *types.Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIssueSlot(c); err != nil {
		return err
	}
	s.putLocked(c.Clone())
	return nil
}

// UpdateClaim replaces an existing claim in the view
func (s *Store) UpdateClaim(ctx context.Context, c *types.Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[c.ID]; !ok {
		return fmt.Errorf("%w: claim %s", types.ErrNotFound, c.ID)
	}
	if err := s.checkIssueSlot(c); err != nil {
		return err
	}
	s.putLocked(c.Clone())
	return nil
}

// DeleteClaim purges a claim and its index entries. The event log is kept.
func (s *Store) DeleteClaim(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return fmt.Errorf("%w: claim %s", types.ErrNotFound, id)
	}
	s.unindex(h)
	s.arena[h] = nil
	s.free = append(s.free, h)
	delete(s.handles, id)
	return nil
}

// checkIssueSlot rejects a second active claim on the same issue.
// Callers hold s.mu.
func (s *Store) checkIssueSlot(c *types.Claim) error {
	if !c.IsActive() {
		return nil
	}
	h, ok := s.byIssue[c.Key()]
	if ok && s.arena[h].ID != c.ID {
		return fmt.Errorf("%w: issue %s is already claimed by %s",
			types.ErrConcurrencyConflict, c.Key(), s.arena[h].ID)
	}
	return nil
}

// putLocked stores c (owned by the store) and refreshes both indexes.
func (s *Store) putLocked(c *types.Claim) {
	h, ok := s.handles[c.ID]
	if ok {
		s.unindex(h)
	} else if n := len(s.free); n > 0 {
		h = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		h = len(s.arena)
		s.arena = append(s.arena, nil)
	}

	s.arena[h] = c
	s.handles[c.ID] = h
	if c.IsActive() {
		s.byIssue[c.Key()] = h
	}
	set, ok := s.byClaimant[c.Claimant.ID]
	if !ok {
		set = make(map[int]struct{})
		s.byClaimant[c.Claimant.ID] = set
	}
	set[h] = struct{}{}
}

func (s *Store) unindex(h int) {
	old := s.arena[h]
	if cur, ok := s.byIssue[old.Key()]; ok && cur == h {
		delete(s.byIssue, old.Key())
	}
	if set, ok := s.byClaimant[old.Claimant.ID]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(s.byClaimant, old.Claimant.ID)
		}
	}
}

// GetClaim returns a claim by id, or nil
func (s *Store) GetClaim(ctx context.Context, id string) (*types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, nil
	}
	return s.arena[h].Clone(), nil
}

// FindByIssue returns the active claim on an issue, or nil
func (s *Store) FindByIssue(ctx context.Context, issueID, repository string) (*types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.byIssue[types.IssueKey{IssueID: issueID, Repository: repository}]
	if !ok {
		return nil, nil
	}
	return s.arena[h].Clone(), nil
}

// FindByClaimant returns every claim currently held by a claimant
func (s *Store) FindByClaimant(ctx context.Context, claimantID string) ([]*types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Claim
	for h := range s.byClaimant[claimantID] {
		out = append(out, s.arena[h].Clone())
	}
	return sorted(out), nil
}

// FindStealable returns stealable claims open to agentType ("" = any)
func (s *Store) FindStealable(ctx context.Context, agentType types.ClaimantType) ([]*types.Claim, error) {
	return s.filter(func(c *types.Claim) bool {
		if c.Status != types.StatusStealable {
			return false
		}
		return agentType == "" || c.StealInfo.Allows(agentType)
	}), nil
}

// FindContested returns claims with an open contest
func (s *Store) FindContested(ctx context.Context) ([]*types.Claim, error) {
	return s.filter((*types.Claim).IsContested), nil
}

// FindStale returns active claims idle since before staleSince
func (s *Store) FindStale(ctx context.Context, staleSince time.Time) ([]*types.Claim, error) {
	return s.filter(func(c *types.Claim) bool {
		return c.IsActive() && c.LastActivityAt.Before(staleSince)
	}), nil
}

// FindPendingHandoffs returns claims waiting for a handoff decision
func (s *Store) FindPendingHandoffs(ctx context.Context) ([]*types.Claim, error) {
	return s.filter(func(c *types.Claim) bool {
		return c.Status == types.StatusPendingHandoff
	}), nil
}

// QueryClaims filters, sorts and paginates the view
func (s *Store) QueryClaims(ctx context.Context, q types.ClaimQuery) ([]*types.Claim, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*types.Claim
	if q.ClaimantID != "" {
		for h := range s.byClaimant[q.ClaimantID] {
			if q.Matches(s.arena[h]) {
				out = append(out, s.arena[h].Clone())
			}
		}
	} else {
		for _, c := range s.arena {
			if c != nil && q.Matches(c) {
				out = append(out, c.Clone())
			}
		}
	}
	s.mu.RUnlock()

	q.SortClaims(out)
	return q.Paginate(out), nil
}

// ListClaims returns every claim in the view
func (s *Store) ListClaims(ctx context.Context) ([]*types.Claim, error) {
	return s.filter(func(*types.Claim) bool { return true }), nil
}

// GetStatistics aggregates the view
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*types.Claim
	for _, c := range s.arena {
		if c != nil {
			all = append(all, c)
		}
	}
	return types.ComputeStatistics(all, s.now()), nil
}

func (s *Store) filter(keep func(*types.Claim) bool) []*types.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*types.Claim{}
	for _, c := range s.arena {
		if c != nil && keep(c) {
			out = append(out, c.Clone())
		}
	}
	return sorted(out)
}

// sorted orders results by claimed_at then id, the default query order.
func sorted(claims []*types.Claim) []*types.Claim {
	if claims == nil {
		claims = []*types.Claim{}
	}
	types.ClaimQuery{}.SortClaims(claims)
	return claims
}
