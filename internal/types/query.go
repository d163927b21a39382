package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// SortField selects the ordering key of a claim query
type SortField string

const (
	SortClaimedAt SortField = "claimed_at"
	SortUpdatedAt SortField = "updated_at" // last_activity_at
	SortProgress  SortField = "progress"
)

// IsValid checks if the sort field value is valid
func (f SortField) IsValid() bool {
	switch f {
	case "", SortClaimedAt, SortUpdatedAt, SortProgress:
		return true
	}
	return false
}

// SortOrder is ascending or descending
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// IsValid checks if the sort order value is valid
func (o SortOrder) IsValid() bool {
	switch o {
	case "", SortAsc, SortDesc:
		return true
	}
	return false
}

// ClaimQuery is a general filter/sort/paginate request over the claim view.
// Filters combine as set intersection; zero values mean "no filter".
// Time bounds are inclusive for After and exclusive for Before.
type ClaimQuery struct {
	ClaimantID    string        `json:"claimant_id,omitempty"`
	ClaimantType  ClaimantType  `json:"claimant_type,omitempty"`
	Statuses      []ClaimStatus `json:"statuses,omitempty"`
	Repository    string        `json:"repository,omitempty"`
	IssueID       string        `json:"issue_id,omitempty"`
	StealableOnly bool          `json:"stealable_only,omitempty"`
	BlockedOnly   bool          `json:"blocked_only,omitempty"`
	CreatedAfter  time.Time     `json:"created_after,omitempty"`
	CreatedBefore time.Time     `json:"created_before,omitempty"`
	UpdatedAfter  time.Time     `json:"updated_after,omitempty"`
	UpdatedBefore time.Time     `json:"updated_before,omitempty"`
	SortBy        SortField     `json:"sort_by,omitempty"`
	SortOrder     SortOrder     `json:"sort_order,omitempty"`
	Offset        int           `json:"offset,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}

// Validate rejects malformed queries. Contradictory but well-formed filters
// (e.g. CreatedAfter later than CreatedBefore) are valid and match nothing.
func (q ClaimQuery) Validate() error {
	if q.ClaimantType != "" && !q.ClaimantType.IsValid() {
		return fmt.Errorf("%w: invalid claimant type: %q", ErrInvalidArgument, q.ClaimantType)
	}
	for _, s := range q.Statuses {
		if !s.IsValid() {
			return fmt.Errorf("%w: invalid status: %q", ErrInvalidArgument, s)
		}
	}
	if !q.SortBy.IsValid() {
		return fmt.Errorf("%w: invalid sort field: %q", ErrInvalidArgument, q.SortBy)
	}
	if !q.SortOrder.IsValid() {
		return fmt.Errorf("%w: invalid sort order: %q", ErrInvalidArgument, q.SortOrder)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset cannot be negative (got %d)", ErrInvalidArgument, q.Offset)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit cannot be negative (got %d)", ErrInvalidArgument, q.Limit)
	}
	return nil
}

// Matches reports whether a claim satisfies every filter of the query.
func (q ClaimQuery) Matches(c *Claim) bool {
	if q.ClaimantID != "" && c.Claimant.ID != q.ClaimantID {
		return false
	}
	if q.ClaimantType != "" && c.Claimant.Type != q.ClaimantType {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, c.Status) {
		return false
	}
	if q.Repository != "" && c.Repository != q.Repository {
		return false
	}
	if q.IssueID != "" && c.IssueID != q.IssueID {
		return false
	}
	if q.StealableOnly && c.Status != StatusStealable {
		return false
	}
	if q.BlockedOnly && c.Status != StatusBlocked {
		return false
	}
	if !q.CreatedAfter.IsZero() && c.ClaimedAt.Before(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !c.ClaimedAt.Before(q.CreatedBefore) {
		return false
	}
	if !q.UpdatedAfter.IsZero() && c.LastActivityAt.Before(q.UpdatedAfter) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !c.LastActivityAt.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

// SortKey returns the effective sort field, defaulting to claimed_at.
func (q ClaimQuery) SortKey() SortField {
	if q.SortBy == "" {
		return SortClaimedAt
	}
	return q.SortBy
}

// Descending reports whether results are ordered high to low.
func (q ClaimQuery) Descending() bool {
	return q.SortOrder == SortDesc
}

// SortClaims orders claims in place by the query's sort key. Ties are broken
// by claim ID ascending so every backend returns the same page.
func (q ClaimQuery) SortClaims(claims []*Claim) {
	field := q.SortKey()
	desc := q.Descending()
	slices.SortStableFunc(claims, func(a, b *Claim) int {
		var c int
		switch field {
		case SortUpdatedAt:
			c = a.LastActivityAt.Compare(b.LastActivityAt)
		case SortProgress:
			switch {
			case a.Progress < b.Progress:
				c = -1
			case a.Progress > b.Progress:
				c = 1
			}
		default:
			c = a.ClaimedAt.Compare(b.ClaimedAt)
		}
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Paginate applies offset and limit (0 = unlimited) to an already sorted slice.
func (q ClaimQuery) Paginate(claims []*Claim) []*Claim {
	if q.Offset >= len(claims) {
		return []*Claim{}
	}
	claims = claims[q.Offset:]
	if q.Limit > 0 && q.Limit < len(claims) {
		claims = claims[:q.Limit]
	}
	return claims
}

// Statistics aggregates the claim view for dashboards.
type Statistics struct {
	Total            int                  `json:"total" yaml:"total"`
	ByStatus         map[ClaimStatus]int  `json:"by_status" yaml:"by_status"`
	ByClaimantType   map[ClaimantType]int `json:"by_claimant_type" yaml:"by_claimant_type"`
	ByRepository     map[string]int       `json:"by_repository" yaml:"by_repository"`
	AverageDuration  time.Duration        `json:"average_duration" yaml:"average_duration"` // completed claims only
	AverageProgress  float64              `json:"average_progress" yaml:"average_progress"`
	CompletedLast24h int                  `json:"completed_last_24h" yaml:"completed_last_24h"`
}

// NewStatistics returns zeroed statistics with initialized maps.
func NewStatistics() *Statistics {
	return &Statistics{
		ByStatus:       make(map[ClaimStatus]int),
		ByClaimantType: make(map[ClaimantType]int),
		ByRepository:   make(map[string]int),
	}
}

// ComputeStatistics folds a full claim listing into statistics. Backends
// without aggregate queries use it directly.
func ComputeStatistics(claims []*Claim, now time.Time) *Statistics {
	stats := NewStatistics()
	var progressSum float64
	var durationSum time.Duration
	completed := 0
	since := now.Add(-24 * time.Hour)

	for _, c := range claims {
		stats.Total++
		stats.ByStatus[c.Status]++
		stats.ByClaimantType[c.Claimant.Type]++
		stats.ByRepository[c.Repository]++
		progressSum += c.Progress
		if c.Status == StatusCompleted {
			completed++
			durationSum += c.Duration()
			if !c.LastActivityAt.Before(since) {
				stats.CompletedLast24h++
			}
		}
	}

	if stats.Total > 0 {
		stats.AverageProgress = progressSum / float64(stats.Total)
	}
	if completed > 0 {
		stats.AverageDuration = durationSum / time.Duration(completed)
	}
	return stats
}
