package events

import "github.com/steveyegge/claims/internal/types"

// Payload is the closed set of event bodies. Only types in this package
// implement it, so a type switch over the variants below is exhaustive.
type Payload interface {
	EventType() EventType
	isPayload()
}

// Claimed opens a claim for a claimant.
type Claimed struct {
	IssueID    string         `json:"issue_id"`
	Repository string         `json:"repository,omitempty"`
	Claimant   types.Claimant `json:"claimant"`
}

type Released struct {
	Reason string `json:"reason,omitempty"`
}

type Completed struct{}

type Paused struct {
	Reason string `json:"reason,omitempty"`
}

type Resumed struct{}

type Blocked struct {
	Reason string `json:"reason"`
}

type Unblocked struct{}

type ReviewRequested struct{}

type ProgressUpdated struct {
	Progress float64 `json:"progress"`
}

// HandoffRequested names the claimant expected to accept.
type HandoffRequested struct {
	To     types.Claimant `json:"to"`
	Reason string         `json:"reason,omitempty"`
}

type HandoffAccepted struct{}

type HandoffRejected struct {
	Reason string `json:"reason,omitempty"`
}

// MarkedStealable opens a claim to other claimants. An empty
// AllowedStealerTypes admits every claimant type.
type MarkedStealable struct {
	Reason              string               `json:"reason,omitempty"`
	AllowedStealerTypes []types.ClaimantType `json:"allowed_stealer_types,omitempty"`
}

type Stolen struct {
	Stealer types.Claimant `json:"stealer"`
}

type ContestOpened struct {
	Contester types.Claimant `json:"contester"`
	Reason    string         `json:"reason,omitempty"`
}

// ContestResolved closes the open contest. A Winner other than the current
// claimant takes over the claim.
type ContestResolved struct {
	Resolution string          `json:"resolution"`
	Winner     *types.Claimant `json:"winner,omitempty"`
}

func (Claimed) EventType() EventType          { return TypeClaimed }
func (Released) EventType() EventType         { return TypeReleased }
func (Completed) EventType() EventType        { return TypeCompleted }
func (Paused) EventType() EventType           { return TypePaused }
func (Resumed) EventType() EventType          { return TypeResumed }
func (Blocked) EventType() EventType          { return TypeBlocked }
func (Unblocked) EventType() EventType        { return TypeUnblocked }
func (ReviewRequested) EventType() EventType  { return TypeReviewRequested }
func (ProgressUpdated) EventType() EventType  { return TypeProgressUpdated }
func (HandoffRequested) EventType() EventType { return TypeHandoffRequested }
func (HandoffAccepted) EventType() EventType  { return TypeHandoffAccepted }
func (HandoffRejected) EventType() EventType  { return TypeHandoffRejected }
func (MarkedStealable) EventType() EventType  { return TypeMarkedStealable }
func (Stolen) EventType() EventType           { return TypeStolen }
func (ContestOpened) EventType() EventType    { return TypeContestOpened }
func (ContestResolved) EventType() EventType  { return TypeContestResolved }

func (Claimed) isPayload()          {}
func (Released) isPayload()         {}
func (Completed) isPayload()        {}
func (Paused) isPayload()           {}
func (Resumed) isPayload()          {}
func (Blocked) isPayload()          {}
func (Unblocked) isPayload()        {}
func (ReviewRequested) isPayload()  {}
func (ProgressUpdated) isPayload()  {}
func (HandoffRequested) isPayload() {}
func (HandoffAccepted) isPayload()  {}
func (HandoffRejected) isPayload()  {}
func (MarkedStealable) isPayload()  {}
func (Stolen) isPayload()           {}
func (ContestOpened) isPayload()    {}
func (ContestResolved) isPayload()  {}

// newPayload returns a pointer to a zero payload of the given type, ready
// for a codec to decode into.
func newPayload(t EventType) (any, bool) {
	switch t {
	case TypeClaimed:
		return &Claimed{}, true
	case TypeReleased:
		return &Released{}, true
	case TypeCompleted:
		return &Completed{}, true
	case TypePaused:
		return &Paused{}, true
	case TypeResumed:
		return &Resumed{}, true
	case TypeBlocked:
		return &Blocked{}, true
	case TypeUnblocked:
		return &Unblocked{}, true
	case TypeReviewRequested:
		return &ReviewRequested{}, true
	case TypeProgressUpdated:
		return &ProgressUpdated{}, true
	case TypeHandoffRequested:
		return &HandoffRequested{}, true
	case TypeHandoffAccepted:
		return &HandoffAccepted{}, true
	case TypeHandoffRejected:
		return &HandoffRejected{}, true
	case TypeMarkedStealable:
		return &MarkedStealable{}, true
	case TypeStolen:
		return &Stolen{}, true
	case TypeContestOpened:
		return &ContestOpened{}, true
	case TypeContestResolved:
		return &ContestResolved{}, true
	}
	return nil, false
}

// deref turns the decoded pointer back into the value payload stored on
// events.
func deref(p any) Payload {
	switch v := p.(type) {
	case *Claimed:
		return *v
	case *Released:
		return *v
	case *Completed:
		return *v
	case *Paused:
		return *v
	case *Resumed:
		return *v
	case *Blocked:
		return *v
	case *Unblocked:
		return *v
	case *ReviewRequested:
		return *v
	case *ProgressUpdated:
		return *v
	case *HandoffRequested:
		return *v
	case *HandoffAccepted:
		return *v
	case *HandoffRejected:
		return *v
	case *MarkedStealable:
		return *v
	case *Stolen:
		return *v
	case *ContestOpened:
		return *v
	case *ContestResolved:
		return *v
	}
	return nil
}
