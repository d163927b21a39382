package sqlq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
)

// Table columns. Claims are decoded from data; the other claim columns are
// denormalized for filtering, sorting and the active-issue unique index.
const (
	ClaimColumns = "data"
	EventColumns = "id, aggregate_id, version, type, ts, actor, payload, codec"
)

// ActiveStatusList renders the active family for IN clauses in DDL.
func ActiveStatusList() string {
	quoted := make([]string, len(types.ActiveStatuses))
	for i, s := range types.ActiveStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

// UpsertClaim returns the insert-or-replace statement for a claim row.
func UpsertClaim(d Dialect) string {
	return d.Rebind(`
		INSERT INTO claims (
			id, issue_id, repository, claimant_id, claimant_type, status, progress,
			claimed_at, last_activity_at, steal_types, contested, version, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			issue_id = excluded.issue_id,
			repository = excluded.repository,
			claimant_id = excluded.claimant_id,
			claimant_type = excluded.claimant_type,
			status = excluded.status,
			progress = excluded.progress,
			claimed_at = excluded.claimed_at,
			last_activity_at = excluded.last_activity_at,
			steal_types = excluded.steal_types,
			contested = excluded.contested,
			version = excluded.version,
			data = excluded.data
	`)
}

// ClaimArgs returns the UpsertClaim arguments for c.
func ClaimArgs(d Dialect, c *types.Claim) ([]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claim %s: %w", c.ID, err)
	}
	stealTypes := ""
	if c.StealInfo != nil {
		stealTypes = EncodeStealerTypes(c.StealInfo.AllowedStealerTypes)
	}
	return []any{
		c.ID,
		c.IssueID,
		c.Repository,
		c.Claimant.ID,
		string(c.Claimant.Type),
		string(c.Status),
		c.Progress,
		d.Time(c.ClaimedAt),
		d.Time(c.LastActivityAt),
		stealTypes,
		c.IsContested(),
		c.Version,
		d.JSON(data),
	}, nil
}

// DecodeClaim decodes a data column.
func DecodeClaim(data []byte) (*types.Claim, error) {
	var c types.Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode claim: %w", err)
	}
	return &c, nil
}

// EncodeStealerTypes renders an allow-list as ",agent,human," so membership
// is a LIKE match. An empty list renders as "" (unrestricted).
func EncodeStealerTypes(ts []types.ClaimantType) string {
	if len(ts) == 0 {
		return ""
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return "," + strings.Join(parts, ",") + ","
}

// Claims starts a claim SELECT in the default order.
func Claims(d Dialect) *Select {
	return NewSelect(d, ClaimColumns, "claims")
}

// DefaultOrder is claimed_at ascending with the id tiebreak.
func DefaultOrder(d Dialect) []string {
	return []string{"claimed_at ASC", d.IDOrder + " ASC"}
}

// likeEscaper makes a value match itself literally inside a LIKE pattern
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindStealable selects stealable claims open to agentType ("" = any).
func FindStealable(d Dialect, agentType types.ClaimantType) (string, []any) {
	s := Claims(d).Where("status = ?", string(types.StatusStealable))
	if agentType != "" {
		s.Where(`(steal_types = '' OR steal_types LIKE ? ESCAPE '\')`, "%,"+likeEscaper.Replace(string(agentType))+",%")
	}
	return s.OrderBy(DefaultOrder(d)...).Build()
}

// FindContested selects claims with an open contest.
func FindContested(d Dialect) (string, []any) {
	return Claims(d).Where("contested = ?", true).OrderBy(DefaultOrder(d)...).Build()
}

// FindStale selects active claims idle since before staleSince.
func FindStale(d Dialect, staleSince time.Time) (string, []any) {
	return Claims(d).
		WhereIn("status", statusStrings(types.ActiveStatuses)).
		Where("last_activity_at < ?", d.Time(staleSince)).
		OrderBy(DefaultOrder(d)...).
		Build()
}

// FindByStatus selects claims in one status.
func FindByStatus(d Dialect, status types.ClaimStatus) (string, []any) {
	return Claims(d).Where("status = ?", string(status)).OrderBy(DefaultOrder(d)...).Build()
}

// FindByIssue selects the active claim on an issue.
func FindByIssue(d Dialect, issueID, repository string) (string, []any) {
	return Claims(d).
		Where("issue_id = ?", issueID).
		Where("repository = ?", repository).
		WhereIn("status", statusStrings(types.ActiveStatuses)).
		Build()
}

// FindByClaimant selects every claim held by a claimant.
func FindByClaimant(d Dialect, claimantID string) (string, []any) {
	return Claims(d).Where("claimant_id = ?", claimantID).OrderBy(DefaultOrder(d)...).Build()
}

// ListClaims selects the whole view.
func ListClaims(d Dialect) (string, []any) {
	return Claims(d).OrderBy(DefaultOrder(d)...).Build()
}

// QueryClaims translates a validated ClaimQuery.
func QueryClaims(d Dialect, q types.ClaimQuery) (string, []any) {
	s := Claims(d)
	if q.ClaimantID != "" {
		s.Where("claimant_id = ?", q.ClaimantID)
	}
	if q.ClaimantType != "" {
		s.Where("claimant_type = ?", string(q.ClaimantType))
	}
	if len(q.Statuses) > 0 {
		s.WhereIn("status", statusStrings(q.Statuses))
	}
	if q.Repository != "" {
		s.Where("repository = ?", q.Repository)
	}
	if q.IssueID != "" {
		s.Where("issue_id = ?", q.IssueID)
	}
	if q.StealableOnly {
		s.Where("status = ?", string(types.StatusStealable))
	}
	if q.BlockedOnly {
		s.Where("status = ?", string(types.StatusBlocked))
	}
	if !q.CreatedAfter.IsZero() {
		s.Where("claimed_at >= ?", d.Time(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		s.Where("claimed_at < ?", d.Time(q.CreatedBefore))
	}
	if !q.UpdatedAfter.IsZero() {
		s.Where("last_activity_at >= ?", d.Time(q.UpdatedAfter))
	}
	if !q.UpdatedBefore.IsZero() {
		s.Where("last_activity_at < ?", d.Time(q.UpdatedBefore))
	}

	col := "claimed_at"
	switch q.SortKey() {
	case types.SortUpdatedAt:
		col = "last_activity_at"
	case types.SortProgress:
		col = "progress"
	}
	dir := "ASC"
	if q.Descending() {
		dir = "DESC"
	}
	return s.OrderBy(col+" "+dir, d.IDOrder+" ASC").Page(q.Offset, q.Limit).Build()
}

// QueryEvents translates a validated EventFilter. Results are in append
// order.
func QueryEvents(d Dialect, f events.EventFilter) (string, []any) {
	s := NewSelect(d, EventColumns, "events")
	if f.AggregateID != "" {
		s.Where("aggregate_id = ?", f.AggregateID)
	}
	if len(f.Types) > 0 {
		ts := make([]string, len(f.Types))
		for i, t := range f.Types {
			ts[i] = string(t)
		}
		s.WhereIn("type", ts)
	}
	if !f.AfterTime.IsZero() {
		s.Where("ts >= ?", d.Time(f.AfterTime))
	}
	if !f.BeforeTime.IsZero() {
		s.Where("ts < ?", d.Time(f.BeforeTime))
	}
	if f.FromVersion > 0 {
		s.Where("version >= ?", f.FromVersion)
	}
	if f.ToVersion > 0 {
		s.Where("version <= ?", f.ToVersion)
	}
	return s.OrderBy("seq ASC").Page(f.Offset, f.Limit).Build()
}

// GetEvents selects an aggregate's events from a version.
func GetEvents(d Dialect, aggregateID string, fromVersion int) (string, []any) {
	return NewSelect(d, EventColumns, "events").
		Where("aggregate_id = ?", aggregateID).
		Where("version >= ?", fromVersion).
		OrderBy("version ASC").
		Build()
}

// Stats holds the statistics statements. Each grouped query returns
// (key, count) rows.
type Stats struct {
	ByStatus       string
	ByClaimantType string
	ByRepository   string
	Totals         string // count, average progress
	Completed      string // count, average duration in nanoseconds
	Recent         string // completed since the argument
}

// Statistics returns the statistics statements.
func Statistics(d Dialect) Stats {
	return Stats{
		ByStatus:       "SELECT status, COUNT(*) FROM claims GROUP BY status",
		ByClaimantType: "SELECT claimant_type, COUNT(*) FROM claims GROUP BY claimant_type",
		ByRepository:   "SELECT repository, COUNT(*) FROM claims GROUP BY repository",
		Totals:         "SELECT COUNT(*), COALESCE(AVG(progress), 0) FROM claims",
		Completed:      d.Rebind("SELECT COUNT(*), " + d.DurationNanos + " FROM claims WHERE status = ?"),
		Recent:         d.Rebind("SELECT COUNT(*) FROM claims WHERE status = ? AND last_activity_at >= ?"),
	}
}

func statusStrings(ss []types.ClaimStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
