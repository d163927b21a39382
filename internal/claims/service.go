// Package claims implements the claim lifecycle on top of a storage backend.
//
// Every command reads the current claim from the view, checks it against
// the lifecycle rules, builds exactly one event, folds it with Apply and
// commits event and view together, using the version it read as the
// optimistic-concurrency token. The event log stays authoritative: Rebuild
// and Verify recompute the view from it.
package claims

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/replay"
	"github.com/steveyegge/claims/internal/storage"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
)

// DefaultSnapshotEvery is the snapshot interval in versions.
const DefaultSnapshotEvery = 50

// Service runs claim commands against a storage backend. It holds no
// claim state of its own and is safe for concurrent use.
type Service struct {
	store         storage.Storage
	log           *zap.Logger
	now           func() time.Time
	snapshotEvery int
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source for event timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSnapshotEvery snapshots a claim whenever its version is a multiple
// of n. Zero disables snapshots.
func WithSnapshotEvery(n int) Option {
	return func(s *Service) { s.snapshotEvery = n }
}

// NewService creates a claim service over store
func NewService(store storage.Storage, opts ...Option) *Service {
	s := &Service{
		store:         store,
		log:           zap.NewNop(),
		now:           time.Now,
		snapshotEvery: DefaultSnapshotEvery,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("claims")
	return s
}

// Store returns the backend the service writes to
func (s *Service) Store() storage.Storage {
	return s.store
}

// CommandOption tunes a single command
type CommandOption func(*commandOptions)

type commandOptions struct {
	actor string
	key   string
}

// WithActor records who issued the command. It defaults to the claimant
// the command acts for.
func WithActor(actor string) CommandOption {
	return func(o *commandOptions) { o.actor = actor }
}

// WithIdempotencyKey makes a retried command apply once. The key becomes
// the event ID; a command whose event is already stored returns the
// current claim without writing anything.
func WithIdempotencyKey(key string) CommandOption {
	return func(o *commandOptions) { o.key = key }
}

func buildOptions(opts []CommandOption) commandOptions {
	var o commandOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Claim opens a claim on an issue. It fails with a TransitionError when the
// issue already has an active claim.
func (s *Service) Claim(ctx context.Context, issueID, repository string, claimant types.Claimant, opts ...CommandOption) (*types.Claim, error) {
	o := buildOptions(opts)
	if strings.TrimSpace(issueID) == "" {
		return nil, fmt.Errorf("%w: issue_id is required", types.ErrInvalidArgument)
	}
	if err := claimant.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if o.key != "" {
		id = claimIDForKey(o.key)
		if c, done, err := s.replayed(ctx, id, o.key); done || err != nil {
			return c, err
		}
	}

	existing, err := s.store.FindByIssue(ctx, issueID, repository)
	if err != nil {
		return nil, fmt.Errorf("failed to look up issue %s: %w", issueID, err)
	}
	if existing != nil {
		return nil, &types.TransitionError{
			Transition: "claim",
			ClaimID:    existing.ID,
			Status:     existing.Status,
			Reason:     fmt.Sprintf("issue %s is already claimed by %s", existing.Key(), existing.Claimant.ID),
		}
	}

	e := s.newEvent(id, events.Claimed{IssueID: issueID, Repository: repository, Claimant: claimant}, o, claimant.ID)
	e.Version = 1
	c, err := Apply(nil, e)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, e, 0, c); err != nil {
		if errors.Is(err, types.ErrDuplicateEvent) {
			return s.committedElsewhere(ctx, id, e.ID)
		}
		return nil, fmt.Errorf("failed to claim issue %s: %w", types.IssueKey{IssueID: issueID, Repository: repository}, err)
	}

	s.log.Info("claimed",
		zap.String("claim_id", c.ID),
		zap.String("issue", c.Key().String()),
		zap.String("claimant", claimant.ID))
	return c, nil
}

// claimIDForKey derives a stable claim ID so a retried Claim lands on the
// same aggregate.
func claimIDForKey(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("claims:"+key)).String()
}

// Release gives a claim up without completing it
func (s *Service) Release(ctx context.Context, id, reason string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.Released{Reason: reason}, nil, opts)
}

// Complete retires a claim as done
func (s *Service) Complete(ctx context.Context, id string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.Completed{}, nil, opts)
}

// Pause suspends an active claim
func (s *Service) Pause(ctx context.Context, id, reason string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.Paused{Reason: reason}, nil, opts)
}

// Resume returns a paused or in-review claim to active
func (s *Service) Resume(ctx context.Context, id string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.Resumed{}, nil, opts)
}

// Block records an external blocker. A reason is required.
func (s *Service) Block(ctx context.Context, id, reason string, opts ...CommandOption) (*types.Claim, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: block reason is required", types.ErrInvalidArgument)
	}
	return s.transition(ctx, id, events.Blocked{Reason: reason}, nil, opts)
}

// Unblock clears the blocker
func (s *Service) Unblock(ctx context.Context, id string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.Unblocked{}, nil, opts)
}

// RequestReview moves an active claim to in_review
func (s *Service) RequestReview(ctx context.Context, id string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.ReviewRequested{}, nil, opts)
}

// UpdateProgress records the completed fraction of the work, in [0, 1].
func (s *Service) UpdateProgress(ctx context.Context, id string, progress float64, opts ...CommandOption) (*types.Claim, error) {
	if math.IsNaN(progress) || progress < 0 || progress > 1 {
		return nil, fmt.Errorf("%w: progress must be between 0 and 1 (got %g)", types.ErrInvalidArgument, progress)
	}
	return s.transition(ctx, id, events.ProgressUpdated{Progress: progress}, nil, opts)
}

// RequestHandoff asks to transfer a claim to another claimant. The claim
// stays with its holder until the target accepts.
func (s *Service) RequestHandoff(ctx context.Context, id string, to types.Claimant, reason string, opts ...CommandOption) (*types.Claim, error) {
	if err := to.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, events.HandoffRequested{To: to, Reason: reason}, func(c *types.Claim) error {
		if c.Claimant.ID == to.ID {
			return &types.TransitionError{Transition: "request handoff", ClaimID: c.ID, Status: c.Status,
				Reason: "cannot hand off to the current claimant"}
		}
		return nil
	}, opts)
}

// AcceptHandoff transfers the claim to the handoff target. Only the target
// may accept.
func (s *Service) AcceptHandoff(ctx context.Context, id, byID string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.HandoffAccepted{}, onlyHandoffTarget("accept handoff", byID), withDefaultActor(opts, byID))
}

// RejectHandoff returns the claim to its original claimant. Only the
// target may reject.
func (s *Service) RejectHandoff(ctx context.Context, id, byID, reason string, opts ...CommandOption) (*types.Claim, error) {
	return s.transition(ctx, id, events.HandoffRejected{Reason: reason}, onlyHandoffTarget("reject handoff", byID), withDefaultActor(opts, byID))
}

// ExpireHandoff returns a claim whose handoff went unanswered to its
// original claimant. Unlike RejectHandoff any caller may issue it.
func (s *Service) ExpireHandoff(ctx context.Context, id, reason string, opts ...CommandOption) (*types.Claim, error) {
	if reason == "" {
		reason = "timed out"
	}
	return s.transition(ctx, id, events.HandoffRejected{Reason: reason}, nil, opts)
}

func onlyHandoffTarget(transition, byID string) func(*types.Claim) error {
	return func(c *types.Claim) error {
		if c.Handoff == nil || c.Handoff.To.ID != byID {
			return &types.TransitionError{Transition: transition, ClaimID: c.ID, Status: c.Status,
				Reason: fmt.Sprintf("%s is not the handoff target", byID)}
		}
		return nil
	}
}

// MarkStealable opens a claim to other claimants. An empty allow-list
// admits every claimant type.
func (s *Service) MarkStealable(ctx context.Context, id, reason string, allowed []types.ClaimantType, opts ...CommandOption) (*types.Claim, error) {
	for _, t := range allowed {
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: invalid stealer type: %q", types.ErrInvalidArgument, t)
		}
	}
	return s.transition(ctx, id, events.MarkedStealable{Reason: reason, AllowedStealerTypes: allowed}, nil, opts)
}

// Steal takes a stealable claim for stealer. The stealer's type must be in
// the allow-list and a claimant cannot steal its own claim.
func (s *Service) Steal(ctx context.Context, id string, stealer types.Claimant, opts ...CommandOption) (*types.Claim, error) {
	if err := stealer.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, events.Stolen{Stealer: stealer}, func(c *types.Claim) error {
		switch {
		case c.Claimant.ID == stealer.ID:
			return &types.TransitionError{Transition: "steal", ClaimID: c.ID, Status: c.Status,
				Reason: "cannot steal your own claim"}
		case !c.StealableBy(stealer.Type):
			return &types.TransitionError{Transition: "steal", ClaimID: c.ID, Status: c.Status,
				Reason: fmt.Sprintf("%s claimants are not allowed to steal it", stealer.Type)}
		}
		return nil
	}, withDefaultActor(opts, stealer.ID))
}

// Contest disputes who should hold a claim. Only one contest may be open
// at a time and the claimant cannot contest its own claim.
func (s *Service) Contest(ctx context.Context, id string, contester types.Claimant, reason string, opts ...CommandOption) (*types.Claim, error) {
	if err := contester.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, events.ContestOpened{Contester: contester, Reason: reason}, func(c *types.Claim) error {
		switch {
		case c.Claimant.ID == contester.ID:
			return &types.TransitionError{Transition: "contest", ClaimID: c.ID, Status: c.Status,
				Reason: "cannot contest your own claim"}
		case c.IsContested():
			return &types.TransitionError{Transition: "contest", ClaimID: c.ID, Status: c.Status,
				Reason: "a contest is already open"}
		}
		return nil
	}, withDefaultActor(opts, contester.ID))
}

// ResolveContest closes the open contest. A winner other than the current
// claimant takes over the claim; it must be the claimant or the contester.
func (s *Service) ResolveContest(ctx context.Context, id, resolution string, winner *types.Claimant, opts ...CommandOption) (*types.Claim, error) {
	if strings.TrimSpace(resolution) == "" {
		return nil, fmt.Errorf("%w: resolution is required", types.ErrInvalidArgument)
	}
	if winner != nil {
		if err := winner.Validate(); err != nil {
			return nil, err
		}
	}
	return s.transition(ctx, id, events.ContestResolved{Resolution: resolution, Winner: winner}, func(c *types.Claim) error {
		if !c.IsContested() {
			return &types.TransitionError{Transition: "resolve contest", ClaimID: c.ID, Status: c.Status,
				Reason: "no open contest"}
		}
		if winner != nil && winner.ID != c.Claimant.ID && winner.ID != c.ContestInfo.Contester.ID {
			return &types.TransitionError{Transition: "resolve contest", ClaimID: c.ID, Status: c.Status,
				Reason: fmt.Sprintf("winner %s is neither the claimant nor the contester", winner.ID)}
		}
		return nil
	}, opts)
}

func withDefaultActor(opts []CommandOption, actor string) []CommandOption {
	return append([]CommandOption{WithActor(actor)}, opts...)
}

// transition runs one command against an existing claim.
func (s *Service) transition(ctx context.Context, id string, payload events.Payload, check func(*types.Claim) error, opts []CommandOption) (*types.Claim, error) {
	o := buildOptions(opts)
	name := transitionName(payload.EventType())

	if o.key != "" {
		if c, done, err := s.replayed(ctx, id, o.key); done || err != nil {
			return c, err
		}
	}

	cur, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get claim %s: %w", id, err)
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: claim %s", types.ErrNotFound, id)
	}
	if err := CheckTransition(cur, payload.EventType()); err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(cur); err != nil {
			return nil, err
		}
	}

	e := s.newEvent(id, payload, o, cur.Claimant.ID)
	e.Version = cur.Version + 1
	next, err := Apply(cur, e)
	if err != nil {
		return nil, err
	}
	if err := s.store.CommitTransition(ctx, e, cur.Version, next); err != nil {
		if errors.Is(err, types.ErrDuplicateEvent) {
			return s.committedElsewhere(ctx, id, e.ID)
		}
		return nil, fmt.Errorf("failed to %s claim %s: %w", name, id, err)
	}

	s.maybeSnapshot(ctx, next)
	s.log.Info(name,
		zap.String("claim_id", id),
		zap.String("status", string(next.Status)),
		zap.String("claimant", next.Claimant.ID),
		zap.Int("version", next.Version))
	return next, nil
}

// replayed reports whether the event for an idempotency key is already
// stored, returning the current claim when it is.
func (s *Service) replayed(ctx context.Context, id, key string) (*types.Claim, bool, error) {
	e, err := s.store.FindEvent(ctx, id, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up event %s: %w", key, err)
	}
	if e == nil {
		return nil, false, nil
	}
	c, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get claim %s: %w", id, err)
	}
	if c == nil {
		return nil, false, fmt.Errorf("%w: claim %s", types.ErrNotFound, id)
	}
	s.log.Debug("idempotent replay", zap.String("claim_id", id), zap.String("event_id", key))
	return c, true, nil
}

// committedElsewhere handles a commit that lost to a concurrent command
// with the same idempotency key: the stored claim is the answer.
func (s *Service) committedElsewhere(ctx context.Context, id, key string) (*types.Claim, error) {
	c, done, err := s.replayed(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("%w: event %s reported stored but not found", types.ErrConcurrencyConflict, key)
	}
	return c, nil
}

func (s *Service) newEvent(id string, payload events.Payload, o commandOptions, defaultActor string) *events.Event {
	e := events.New(id, payload)
	e.Timestamp = s.now().UTC().Truncate(time.Microsecond)
	e.Actor = defaultActor
	if o.actor != "" {
		e.Actor = o.actor
	}
	if o.key != "" {
		e.ID = o.key
	}
	return e
}

func (s *Service) maybeSnapshot(ctx context.Context, c *types.Claim) {
	if s.snapshotEvery <= 0 || c.Version%s.snapshotEvery != 0 {
		return
	}
	if err := replay.SaveSnapshot(ctx, s.store, c.ID, c.Version, c); err != nil {
		s.log.Warn("snapshot failed", zap.String("claim_id", c.ID), zap.Error(err))
	}
}

// GetClaim returns the claim with id, or nil when there is none
func (s *Service) GetClaim(ctx context.Context, id string) (*types.Claim, error) {
	return s.store.GetClaim(ctx, id)
}

// FindByIssue returns the active claim on an issue, if any
func (s *Service) FindByIssue(ctx context.Context, issueID, repository string) (*types.Claim, error) {
	return s.store.FindByIssue(ctx, issueID, repository)
}

// FindByClaimant returns every claim held by claimantID
func (s *Service) FindByClaimant(ctx context.Context, claimantID string) ([]*types.Claim, error) {
	return s.store.FindByClaimant(ctx, claimantID)
}

// FindStealable returns stealable claims open to agentType ("" = any)
func (s *Service) FindStealable(ctx context.Context, agentType types.ClaimantType) ([]*types.Claim, error) {
	return s.store.FindStealable(ctx, agentType)
}

// FindContested returns claims with an open contest
func (s *Service) FindContested(ctx context.Context) ([]*types.Claim, error) {
	return s.store.FindContested(ctx)
}

// FindStale returns active claims idle since before staleSince
func (s *Service) FindStale(ctx context.Context, staleSince time.Time) ([]*types.Claim, error) {
	return s.store.FindStale(ctx, staleSince)
}

// FindPendingHandoffs returns claims waiting on a handoff answer
func (s *Service) FindPendingHandoffs(ctx context.Context) ([]*types.Claim, error) {
	return s.store.FindPendingHandoffs(ctx)
}

// Query filters, sorts and pages the claim view
func (s *Service) Query(ctx context.Context, q types.ClaimQuery) ([]*types.Claim, error) {
	return s.store.QueryClaims(ctx, q)
}

// List returns every claim in the view
func (s *Service) List(ctx context.Context) ([]*types.Claim, error) {
	return s.store.ListClaims(ctx)
}

// Statistics counts claims by status and claimant type
func (s *Service) Statistics(ctx context.Context) (*types.Statistics, error) {
	return s.store.GetStatistics(ctx)
}

// QueryEvents reads the event log across aggregates
func (s *Service) QueryEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	return s.store.QueryEvents(ctx, filter)
}

// Delete purges a claim from the view. Its events are kept, so Rebuild
// brings it back.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteClaim(ctx, id); err != nil {
		return err
	}
	s.log.Warn("claim deleted from view", zap.String("claim_id", id))
	return nil
}

// IsLostRace reports whether err means another writer got to the claim
// first, so the caller should move on rather than fail.
func IsLostRace(err error) bool {
	return errors.Is(err, types.ErrInvalidTransition) || errors.Is(err, types.ErrConcurrencyConflict)
}
