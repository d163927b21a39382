package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/claims/internal/types"
)

// EventType identifies a claim lifecycle transition.
type EventType string

const (
	// TypeClaimed creates a claim in the active status
	TypeClaimed EventType = "claimed"
	// TypeReleased retires a claim without completing it
	TypeReleased EventType = "released"
	// TypeCompleted retires a claim as done
	TypeCompleted EventType = "completed"
	// TypePaused moves an active claim to paused
	TypePaused EventType = "paused"
	// TypeResumed returns a paused or in-review claim to active
	TypeResumed EventType = "resumed"
	// TypeBlocked records an external blocker
	TypeBlocked EventType = "blocked"
	// TypeUnblocked clears the blocker
	TypeUnblocked EventType = "unblocked"
	// TypeReviewRequested moves an active claim to in_review
	TypeReviewRequested EventType = "review_requested"
	// TypeProgressUpdated records a new progress fraction
	TypeProgressUpdated EventType = "progress_updated"

	// Handoff
	TypeHandoffRequested EventType = "handoff_requested"
	TypeHandoffAccepted  EventType = "handoff_accepted"
	TypeHandoffRejected  EventType = "handoff_rejected"

	// Work stealing
	TypeMarkedStealable EventType = "marked_stealable"
	TypeStolen          EventType = "stolen"

	// Contests
	TypeContestOpened   EventType = "contest_opened"
	TypeContestResolved EventType = "contest_resolved"
)

// AllTypes lists every event type in lifecycle order.
var AllTypes = []EventType{
	TypeClaimed,
	TypeReleased,
	TypeCompleted,
	TypePaused,
	TypeResumed,
	TypeBlocked,
	TypeUnblocked,
	TypeReviewRequested,
	TypeProgressUpdated,
	TypeHandoffRequested,
	TypeHandoffAccepted,
	TypeHandoffRejected,
	TypeMarkedStealable,
	TypeStolen,
	TypeContestOpened,
	TypeContestResolved,
}

// IsValid checks if the event type value is valid
func (t EventType) IsValid() bool {
	return slices.Contains(AllTypes, t)
}

// Event is an immutable fact about a claim. AggregateID is the claim ID.
// Version is assigned by the event store on append and starts at 1.
type Event struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregate_id"`
	Type        EventType `json:"type"`
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor,omitempty"`
	Payload     Payload   `json:"payload"`
}

// New builds an unversioned event for an aggregate. The ID defaults to a
// random UUID; callers that retry after a storage failure should keep the
// same ID so the append is applied once.
func New(aggregateID string, payload Payload) *Event {
	return &Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        payload.EventType(),
		Timestamp:   Now(),
		Payload:     payload,
	}
}

// Now is the current time at the precision every backend stores: UTC,
// truncated to microseconds.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Validate checks the envelope before it is appended.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event id is required", types.ErrInvalidArgument)
	}
	if e.AggregateID == "" {
		return fmt.Errorf("%w: aggregate_id is required", types.ErrInvalidArgument)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid event type: %q", types.ErrInvalidArgument, e.Type)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: event %s has no payload", types.ErrInvalidArgument, e.ID)
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("%w: payload %s does not match event type %s",
			types.ErrInvalidArgument, e.Payload.EventType(), e.Type)
	}
	return nil
}

// Clone returns a shallow copy. Payloads are values and never mutated, so
// sharing them is safe.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

type wireEvent struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        EventType       `json:"type"`
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// MarshalJSON writes the payload next to its type discriminator.
func (e *Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage = []byte("null")
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
		raw = b
	}
	return json.Marshal(wireEvent{
		ID:          e.ID,
		AggregateID: e.AggregateID,
		Type:        e.Type,
		Version:     e.Version,
		Timestamp:   e.Timestamp,
		Actor:       e.Actor,
		Payload:     raw,
	})
}

// UnmarshalJSON decodes the payload into the struct named by the type field.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := JSONCodec{}.DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:          w.ID,
		AggregateID: w.AggregateID,
		Type:        w.Type,
		Version:     w.Version,
		Timestamp:   w.Timestamp,
		Actor:       w.Actor,
		Payload:     payload,
	}
	return nil
}

// Snapshot caches an aggregate's folded state at a version. State is opaque
// to the store; Encoding tells the reader how to decode it.
type Snapshot struct {
	AggregateID string    `json:"aggregate_id"`
	Version     int       `json:"version"`
	State       []byte    `json:"state"`
	Encoding    string    `json:"encoding"`
	CreatedAt   time.Time `json:"created_at"`
}
