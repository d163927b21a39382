package claims

import (
	"fmt"
	"slices"

	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
)

// rule describes which statuses an event may be applied in and the status
// it leaves the claim in. An empty To keeps the current status.
type rule struct {
	Name string
	From []types.ClaimStatus
	To   types.ClaimStatus
}

var (
	anyActive  = types.ActiveStatuses
	stealFrom  = []types.ClaimStatus{types.StatusActive, types.StatusPaused, types.StatusBlocked, types.StatusInReview}
	resumeFrom = []types.ClaimStatus{types.StatusPaused, types.StatusInReview}
)

// rules is keyed by event type. Claimed has no entry: it is only valid on
// an empty aggregate.
var rules = map[events.EventType]rule{
	events.TypeReleased:         {Name: "release", From: anyActive, To: types.StatusReleased},
	events.TypeCompleted:        {Name: "complete", From: anyActive, To: types.StatusCompleted},
	events.TypePaused:           {Name: "pause", From: []types.ClaimStatus{types.StatusActive}, To: types.StatusPaused},
	events.TypeResumed:          {Name: "resume", From: resumeFrom, To: types.StatusActive},
	events.TypeBlocked:          {Name: "block", From: []types.ClaimStatus{types.StatusActive, types.StatusPaused}, To: types.StatusBlocked},
	events.TypeUnblocked:        {Name: "unblock", From: []types.ClaimStatus{types.StatusBlocked}, To: types.StatusActive},
	events.TypeReviewRequested:  {Name: "request review", From: []types.ClaimStatus{types.StatusActive}, To: types.StatusInReview},
	events.TypeProgressUpdated:  {Name: "update progress", From: anyActive},
	events.TypeHandoffRequested: {Name: "request handoff", From: []types.ClaimStatus{types.StatusActive}, To: types.StatusPendingHandoff},
	events.TypeHandoffAccepted:  {Name: "accept handoff", From: []types.ClaimStatus{types.StatusPendingHandoff}, To: types.StatusActive},
	events.TypeHandoffRejected:  {Name: "reject handoff", From: []types.ClaimStatus{types.StatusPendingHandoff}, To: types.StatusActive},
	events.TypeMarkedStealable:  {Name: "mark stealable", From: stealFrom, To: types.StatusStealable},
	events.TypeStolen:           {Name: "steal", From: []types.ClaimStatus{types.StatusStealable}, To: types.StatusActive},
	events.TypeContestOpened:    {Name: "contest", From: anyActive},
	events.TypeContestResolved:  {Name: "resolve contest", From: anyActive},
}

// transitionName is the verb used in TransitionError for an event type.
func transitionName(t events.EventType) string {
	if t == events.TypeClaimed {
		return "claim"
	}
	if r, ok := rules[t]; ok {
		return r.Name
	}
	return string(t)
}

// CheckTransition reports whether an event of type t may be applied to c.
// A nil claim admits only TypeClaimed.
func CheckTransition(c *types.Claim, t events.EventType) error {
	if t == events.TypeClaimed {
		if c != nil {
			return &types.TransitionError{Transition: "claim", ClaimID: c.ID, Status: c.Status, Reason: "claim already exists"}
		}
		return nil
	}
	r, ok := rules[t]
	if !ok {
		return fmt.Errorf("%w: unknown event type %q", types.ErrInvalidArgument, t)
	}
	if c == nil {
		return fmt.Errorf("%w: cannot %s a claim that does not exist", types.ErrNotFound, r.Name)
	}
	if !slices.Contains(r.From, c.Status) || (r.To != "" && !types.CanTransition(c.Status, r.To)) {
		return &types.TransitionError{Transition: r.Name, ClaimID: c.ID, Status: c.Status}
	}
	return nil
}

// Apply folds one event into a claim and returns the next state. It never
// mutates c. The same function drives live commands and replay, so a
// claim rebuilt from its log equals the claim the commands produced.
func Apply(c *types.Claim, e *events.Event) (*types.Claim, error) {
	if err := CheckTransition(c, e.Type); err != nil {
		return nil, err
	}

	if p, ok := e.Payload.(events.Claimed); ok {
		return &types.Claim{
			ID:             e.AggregateID,
			IssueID:        p.IssueID,
			Repository:     p.Repository,
			Claimant:       p.Claimant,
			Status:         types.StatusActive,
			ClaimedAt:      e.Timestamp,
			LastActivityAt: e.Timestamp,
			Version:        e.Version,
		}, nil
	}

	next := c.Clone()
	next.LastActivityAt = e.Timestamp
	next.Version = e.Version
	if to := rules[e.Type].To; to != "" {
		next.Status = to
	}

	switch p := e.Payload.(type) {
	case events.Released, events.Resumed, events.Unblocked, events.ReviewRequested:
	case events.Completed:
		next.Progress = 1
	case events.Paused:
	case events.Blocked:
		next.BlockedReason = p.Reason
	case events.ProgressUpdated:
		if p.Progress < 0 || p.Progress > 1 {
			return nil, fmt.Errorf("%w: progress must be between 0 and 1 (got %g)", types.ErrInvalidArgument, p.Progress)
		}
		next.Progress = p.Progress
	case events.HandoffRequested:
		next.Handoff = &types.HandoffInfo{
			From:        c.Claimant,
			To:          p.To,
			Reason:      p.Reason,
			RequestedAt: e.Timestamp,
		}
	case events.HandoffAccepted:
		if c.Handoff == nil {
			return nil, fmt.Errorf("%w: claim %s has no pending handoff", types.ErrInvalidArgument, c.ID)
		}
		next.Claimant = c.Handoff.To
	case events.HandoffRejected:
	case events.MarkedStealable:
		var allowed []types.ClaimantType
		if len(p.AllowedStealerTypes) > 0 {
			allowed = slices.Clone(p.AllowedStealerTypes)
		}
		next.StealInfo = &types.StealInfo{
			Reason:              p.Reason,
			AllowedStealerTypes: allowed,
			MarkedAt:            e.Timestamp,
		}
	case events.Stolen:
		next.Claimant = p.Stealer
	case events.ContestOpened:
		if c.IsContested() {
			return nil, &types.TransitionError{Transition: "contest", ClaimID: c.ID, Status: c.Status, Reason: "a contest is already open"}
		}
		next.ContestInfo = &types.ContestInfo{
			Contester: p.Contester,
			Reason:    p.Reason,
			OpenedAt:  e.Timestamp,
		}
	case events.ContestResolved:
		if !c.IsContested() {
			return nil, &types.TransitionError{Transition: "resolve contest", ClaimID: c.ID, Status: c.Status, Reason: "no open contest"}
		}
		resolvedAt := e.Timestamp
		next.ContestInfo.Resolution = p.Resolution
		next.ContestInfo.ResolvedAt = &resolvedAt
		// A winner who is not the holder starts fresh: pending handoffs,
		// steal offers and block reasons belonged to the previous holder.
		if p.Winner != nil && p.Winner.ID != c.Claimant.ID {
			next.Claimant = *p.Winner
			next.Status = types.StatusActive
		}
	default:
		return nil, fmt.Errorf("%w: unhandled payload %T", types.ErrInvalidArgument, e.Payload)
	}

	// Status-scoped fields only live while the claim is in that status
	if next.Status != types.StatusBlocked {
		next.BlockedReason = ""
	}
	if next.Status != types.StatusPendingHandoff {
		next.Handoff = nil
	}
	if next.Status != types.StatusStealable {
		next.StealInfo = nil
	}
	return next, nil
}
