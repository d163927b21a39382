package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Claim is one claimant's exclusive right to work on an issue.
// The struct is the materialized view of the claim's event history;
// Version is the last event version folded into it.
type Claim struct {
	ID             string       `json:"id" yaml:"id"`
	IssueID        string       `json:"issue_id" yaml:"issue_id"`
	Repository     string       `json:"repository,omitempty" yaml:"repository,omitempty"`
	Claimant       Claimant     `json:"claimant" yaml:"claimant"`
	Status         ClaimStatus  `json:"status" yaml:"status"`
	Progress       float64      `json:"progress" yaml:"progress"`
	ClaimedAt      time.Time    `json:"claimed_at" yaml:"claimed_at"`
	LastActivityAt time.Time    `json:"last_activity_at" yaml:"last_activity_at"`
	BlockedReason  string       `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
	StealInfo      *StealInfo   `json:"steal_info,omitempty" yaml:"steal_info,omitempty"`
	ContestInfo    *ContestInfo `json:"contest_info,omitempty" yaml:"contest_info,omitempty"`
	Handoff        *HandoffInfo `json:"handoff,omitempty" yaml:"handoff,omitempty"`
	Version        int          `json:"version" yaml:"version"`
}

// Validate checks if the claim has valid field values
func (c *Claim) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: claim id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(c.IssueID) == "" {
		return fmt.Errorf("%w: issue_id is required", ErrInvalidArgument)
	}
	if err := c.Claimant.Validate(); err != nil {
		return err
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("%w: invalid status: %s", ErrInvalidArgument, c.Status)
	}
	if c.Progress < 0 || c.Progress > 1 {
		return fmt.Errorf("%w: progress must be between 0 and 1 (got %g)", ErrInvalidArgument, c.Progress)
	}
	if c.Version < 1 {
		return fmt.Errorf("%w: version must be positive (got %d)", ErrInvalidArgument, c.Version)
	}
	return nil
}

// IsActive reports whether the claim still occupies its issue slot.
func (c *Claim) IsActive() bool {
	return c.Status.IsActive()
}

// IsContested reports whether the claim has an unresolved contest.
func (c *Claim) IsContested() bool {
	return c.ContestInfo != nil && c.ContestInfo.Resolution == ""
}

// StealableBy reports whether an agent of the given type may steal the claim.
// A claim without an allow-list is unrestricted.
func (c *Claim) StealableBy(agentType ClaimantType) bool {
	if c.Status != StatusStealable {
		return false
	}
	return c.StealInfo.Allows(agentType)
}

// Duration is the time between claiming and the last recorded activity.
func (c *Claim) Duration() time.Duration {
	return c.LastActivityAt.Sub(c.ClaimedAt)
}

// Clone returns a deep copy so callers never share state with a store.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	if c.StealInfo != nil {
		si := *c.StealInfo
		si.AllowedStealerTypes = slices.Clone(c.StealInfo.AllowedStealerTypes)
		out.StealInfo = &si
	}
	if c.ContestInfo != nil {
		ci := *c.ContestInfo
		if c.ContestInfo.ResolvedAt != nil {
			t := *c.ContestInfo.ResolvedAt
			ci.ResolvedAt = &t
		}
		out.ContestInfo = &ci
	}
	if c.Handoff != nil {
		h := *c.Handoff
		out.Handoff = &h
	}
	return &out
}

// IssueKey identifies the slot a claim occupies.
type IssueKey struct {
	IssueID    string
	Repository string
}

// Key returns the (issue, repository) slot of the claim.
func (c *Claim) Key() IssueKey {
	return IssueKey{IssueID: c.IssueID, Repository: c.Repository}
}

func (k IssueKey) String() string {
	if k.Repository == "" {
		return k.IssueID
	}
	return k.Repository + "#" + k.IssueID
}

// Claimant is a human or an automated agent identified by a stable ID.
type Claimant struct {
	ID   string       `json:"id" yaml:"id"`
	Type ClaimantType `json:"type" yaml:"type"`
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`
}

// Validate checks the claimant identity
func (c Claimant) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: claimant id is required", ErrInvalidArgument)
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("%w: invalid claimant type: %q", ErrInvalidArgument, c.Type)
	}
	return nil
}

func (c Claimant) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s, %s)", c.Name, c.ID, c.Type)
	}
	return fmt.Sprintf("%s (%s)", c.ID, c.Type)
}

// ClaimantType distinguishes humans from automated agents
type ClaimantType string

const (
	ClaimantHuman ClaimantType = "human"
	ClaimantAgent ClaimantType = "agent"
)

// IsValid checks if the claimant type value is valid
func (t ClaimantType) IsValid() bool {
	switch t {
	case ClaimantHuman, ClaimantAgent:
		return true
	}
	return false
}

// StealInfo is attached when a claim is marked stealable.
type StealInfo struct {
	Reason              string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	AllowedStealerTypes []ClaimantType `json:"allowed_stealer_types,omitempty" yaml:"allowed_stealer_types,omitempty"`
	MarkedAt            time.Time      `json:"marked_at" yaml:"marked_at"`
}

// Allows reports whether the allow-list admits agentType. A nil StealInfo or
// an empty allow-list admits everyone.
func (s *StealInfo) Allows(agentType ClaimantType) bool {
	if s == nil || len(s.AllowedStealerTypes) == 0 {
		return true
	}
	return slices.Contains(s.AllowedStealerTypes, agentType)
}

// ContestInfo records a dispute over who should hold a claim.
type ContestInfo struct {
	Contester  Claimant   `json:"contester" yaml:"contester"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	OpenedAt   time.Time  `json:"opened_at" yaml:"opened_at"`
	Resolution string     `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// HandoffInfo describes a pending transfer between claimants.
type HandoffInfo struct {
	From        Claimant  `json:"from" yaml:"from"`
	To          Claimant  `json:"to" yaml:"to"`
	Reason      string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at" yaml:"requested_at"`
}
