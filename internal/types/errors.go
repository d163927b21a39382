package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the stores, the claim service and the transports.
// Callers match with errors.Is; stores wrap these with context.
var (
	// ErrNotFound is returned by mutating operations on an unknown claim.
	// Read operations return an absent result instead.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means a lifecycle command is not admissible from
	// the claim's current status. Concrete errors are *TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrencyConflict means an optimistic-concurrency check failed.
	// Re-read current state and retry the whole command.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidArgument marks malformed commands, filters or queries.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable means the storage backend could not be reached.
	// Retry with backoff.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrDuplicateEvent is returned by CommitTransition when the event id
	// is already stored for the aggregate. Nothing was written; the stored
	// claim is the result of the earlier commit.
	ErrDuplicateEvent = errors.New("event already stored")
)

// TransitionError names the attempted transition and the status it was
// attempted from.
type TransitionError struct {
	Transition string
	ClaimID    string
	Status     ClaimStatus
	Reason     string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s claim %s in status %s", e.Transition, e.ClaimID, e.Status)
	if e.Status == "" {
		msg = fmt.Sprintf("cannot %s claim %s", e.Transition, e.ClaimID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsRetryable reports whether the caller may retry the same command after
// re-reading state or backing off.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrUnavailable)
}
