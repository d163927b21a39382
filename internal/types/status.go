package types

import "slices"

// ClaimStatus represents where a claim is in its lifecycle
type ClaimStatus string

const (
	StatusActive         ClaimStatus = "active"
	StatusPaused         ClaimStatus = "paused"
	StatusBlocked        ClaimStatus = "blocked"
	StatusPendingHandoff ClaimStatus = "pending_handoff"
	StatusInReview       ClaimStatus = "in_review"
	StatusStealable      ClaimStatus = "stealable"
	StatusCompleted      ClaimStatus = "completed"
	StatusReleased       ClaimStatus = "released"
)

// ActiveStatuses is the active family: a claim in any of these states holds
// its (issue, repository) slot.
var ActiveStatuses = []ClaimStatus{
	StatusActive,
	StatusPaused,
	StatusBlocked,
	StatusPendingHandoff,
	StatusInReview,
	StatusStealable,
}

// AllStatuses lists every status in display order.
var AllStatuses = append(slices.Clone(ActiveStatuses), StatusCompleted, StatusReleased)

// IsValid checks if the status value is valid
func (s ClaimStatus) IsValid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsActive reports whether the status belongs to the active family.
func (s ClaimStatus) IsActive() bool {
	return slices.Contains(ActiveStatuses, s)
}

// IsTerminal reports whether no further transitions are possible.
func (s ClaimStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusReleased
}

// validTransitions is the lifecycle state machine. Terminal states have no
// outgoing edges; completed and released are reachable from the whole active
// family.
var validTransitions = map[ClaimStatus][]ClaimStatus{
	StatusActive: {
		StatusPaused,
		StatusBlocked,
		StatusPendingHandoff,
		StatusInReview,
		StatusStealable,
		StatusCompleted,
		StatusReleased,
	},
	StatusPaused: {
		StatusActive,
		StatusBlocked,
		StatusStealable,
		StatusCompleted,
		StatusReleased,
	},
	StatusBlocked: {
		StatusActive, // unblock
		StatusStealable,
		StatusCompleted,
		StatusReleased,
	},
	StatusPendingHandoff: {
		StatusActive, // accepted (new claimant) or rejected (original claimant)
		StatusCompleted,
		StatusReleased,
	},
	StatusInReview: {
		StatusActive, // changes requested
		StatusStealable,
		StatusCompleted,
		StatusReleased,
	},
	StatusStealable: {
		StatusActive, // stolen
		StatusCompleted,
		StatusReleased,
	},
	StatusCompleted: {},
	StatusReleased:  {},
}

// CanTransition reports whether a claim may move from one status to another.
// A transition to the same status is never valid.
func CanTransition(from, to ClaimStatus) bool {
	return slices.Contains(validTransitions[from], to)
}

// ValidTransitions returns the statuses reachable from the given status.
func ValidTransitions(from ClaimStatus) []ClaimStatus {
	return slices.Clone(validTransitions[from])
}
