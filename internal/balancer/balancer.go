// Package balancer redistributes stale work.
//
// A sweep marks claims that went quiet as stealable and lets idle agents
// steal them through the claim service. Steals race each other and any
// other writer; the service's commit-time version check decides the winner
// and the loser moves on to its next candidate.
package balancer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/claims/internal/claims"
	"github.com/steveyegge/claims/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Actor is recorded on the events the balancer issues
const Actor = "balancer"

// Balancer sweeps stale claims and hands them to idle agents
type Balancer struct {
	svc     *claims.Service
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	limiter *rate.Limiter
}

// Option configures a Balancer
type Option func(*Balancer)

// WithLogger sets the balancer logger
func WithLogger(log *zap.Logger) Option {
	return func(b *Balancer) {
		if log != nil {
			b.log = log
		}
	}
}

// WithClock overrides the time source used for staleness checks
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// New creates a balancer over svc
func New(svc *claims.Service, cfg Config, opts ...Option) (*Balancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid balancer config: %w", err)
	}
	b := &Balancer{
		svc:     svc,
		cfg:     cfg,
		log:     zap.NewNop(),
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.StealsPerSecond), cfg.StealBurst),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("balancer")
	return b, nil
}

// StealRecord is one successful steal
type StealRecord struct {
	ClaimID string `json:"claim_id" yaml:"claim_id"`
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
}

// SweepReport summarizes one sweep
type SweepReport struct {
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Expired   []string      `json:"expired_handoffs" yaml:"expired_handoffs"`
	Stale     int           `json:"stale" yaml:"stale"`
	Marked    []string      `json:"marked" yaml:"marked"`
	Skipped   int           `json:"skipped" yaml:"skipped"`
	Stolen    []StealRecord `json:"stolen" yaml:"stolen"`
	LostRaces int           `json:"lost_races" yaml:"lost_races"`
}

// Sweep runs one pass: return unanswered handoffs, mark stale claims
// stealable, then let each idle agent steal at most one claim.
func (b *Balancer) Sweep(ctx context.Context) (*SweepReport, error) {
	now := b.now()
	report := &SweepReport{StartedAt: now, Expired: []string{}, Marked: []string{}, Stolen: []StealRecord{}}

	if err := b.expireHandoffs(ctx, now, report); err != nil {
		return report, err
	}
	if err := b.markStale(ctx, now, report); err != nil {
		return report, err
	}
	if err := b.stealForIdleAgents(ctx, report); err != nil {
		return report, err
	}

	report.Duration = b.now().Sub(now)
	b.log.Info("sweep finished",
		zap.Int("expired_handoffs", len(report.Expired)),
		zap.Int("stale", report.Stale),
		zap.Int("marked", len(report.Marked)),
		zap.Int("skipped", report.Skipped),
		zap.Int("stolen", len(report.Stolen)),
		zap.Int("lost_races", report.LostRaces))
	return report, nil
}

func (b *Balancer) expireHandoffs(ctx context.Context, now time.Time, report *SweepReport) error {
	if b.cfg.HandoffTimeout <= 0 {
		return nil
	}
	pending, err := b.svc.FindPendingHandoffs(ctx)
	if err != nil {
		return fmt.Errorf("failed to find pending handoffs: %w", err)
	}

	for _, c := range pending {
		if c.Handoff == nil || now.Sub(c.Handoff.RequestedAt) < b.cfg.HandoffTimeout {
			continue
		}
		_, err := b.svc.ExpireHandoff(ctx, c.ID,
			fmt.Sprintf("timed out: %s did not answer within %s", c.Handoff.To.ID, b.cfg.HandoffTimeout),
			claims.WithActor(Actor))
		if claims.IsLostRace(err) {
			// The target answered first
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to expire handoff on claim %s: %w", c.ID, err)
		}
		report.Expired = append(report.Expired, c.ID)
	}
	return nil
}

func (b *Balancer) markStale(ctx context.Context, now time.Time, report *SweepReport) error {
	stale, err := b.svc.FindStale(ctx, now.Add(-b.cfg.StaleThreshold))
	if err != nil {
		return fmt.Errorf("failed to find stale claims: %w", err)
	}
	report.Stale = len(stale)

	for _, c := range stale {
		if reason := b.protected(c, now); reason != "" {
			b.log.Debug("stale claim left alone", zap.String("claim_id", c.ID), zap.String("reason", reason))
			report.Skipped++
			continue
		}

		idle := now.Sub(c.LastActivityAt).Round(time.Second)
		_, err := b.svc.MarkStealable(ctx, c.ID, fmt.Sprintf("no activity for %s", idle),
			b.cfg.AllowedStealerTypes, claims.WithActor(Actor))
		if claims.IsLostRace(err) {
			report.Skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to mark claim %s stealable: %w", c.ID, err)
		}
		report.Marked = append(report.Marked, c.ID)
	}
	return nil
}

// protected returns why a stale claim must not be marked, or "".
func (b *Balancer) protected(c *types.Claim, now time.Time) string {
	switch {
	case c.Status == types.StatusStealable:
		return "already stealable"
	case c.Status == types.StatusPendingHandoff:
		return "handoff pending"
	case now.Sub(c.ClaimedAt) < b.cfg.GracePeriod:
		return "within grace period"
	case c.Progress >= b.cfg.ProgressProtection:
		return "progress protected"
	}
	return ""
}

func (b *Balancer) stealForIdleAgents(ctx context.Context, report *SweepReport) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MaxConcurrentSteals)

	for _, agent := range b.cfg.Agents {
		g.Go(func() error {
			load, err := b.activeCount(gctx, agent.ID)
			if err != nil {
				return err
			}
			if agent.MaxClaims > 0 && load >= agent.MaxClaims {
				return nil
			}

			rec, lost, err := b.stealOne(gctx, agent)
			mu.Lock()
			defer mu.Unlock()
			report.LostRaces += lost
			if rec != nil {
				report.Stolen = append(report.Stolen, *rec)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slices.SortFunc(report.Stolen, func(x, y StealRecord) int { return strings.Compare(x.ClaimID, y.ClaimID) })
	return nil
}

// stealOne walks the agent's candidates in policy order until a steal
// succeeds. It returns the steal, if any, and the number of races lost.
func (b *Balancer) stealOne(ctx context.Context, agent Agent) (*StealRecord, int, error) {
	candidates, err := b.svc.FindStealable(ctx, agent.Type)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find stealable claims for %s: %w", agent.ID, err)
	}
	candidates = slices.DeleteFunc(candidates, func(c *types.Claim) bool { return c.Claimant.ID == agent.ID })
	OrderCandidates(candidates, b.cfg.Policy)

	lost := 0
	for _, c := range candidates {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, lost, err
		}
		stolen, err := b.svc.Steal(ctx, c.ID, agent.Claimant(), claims.WithActor(Actor))
		if claims.IsLostRace(err) {
			lost++
			b.log.Debug("steal lost", zap.String("claim_id", c.ID), zap.String("agent", agent.ID), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, lost, fmt.Errorf("failed to steal claim %s for %s: %w", c.ID, agent.ID, err)
		}
		b.log.Info("claim stolen",
			zap.String("claim_id", c.ID),
			zap.String("from", c.Claimant.ID),
			zap.String("to", agent.ID))
		return &StealRecord{ClaimID: stolen.ID, From: c.Claimant.ID, To: agent.ID}, lost, nil
	}
	return nil, lost, nil
}

// OrderCandidates sorts steal candidates in place for a policy. Ties fall
// back to claim ID so every agent sees the same order.
func OrderCandidates(cs []*types.Claim, p Policy) {
	slices.SortStableFunc(cs, func(a, b *types.Claim) int {
		var c int
		switch p {
		case PolicyLeastProgress:
			switch {
			case a.Progress < b.Progress:
				c = -1
			case a.Progress > b.Progress:
				c = 1
			}
		case PolicyMostStale:
			c = a.LastActivityAt.Compare(b.LastActivityAt)
		default:
			c = a.ClaimedAt.Compare(b.ClaimedAt)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func (b *Balancer) activeClaims(ctx context.Context, agentID string) ([]*types.Claim, error) {
	all, err := b.svc.FindByClaimant(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims of %s: %w", agentID, err)
	}
	return slices.DeleteFunc(all, func(c *types.Claim) bool { return !c.IsActive() }), nil
}

func (b *Balancer) activeCount(ctx context.Context, agentID string) (int, error) {
	cs, err := b.activeClaims(ctx, agentID)
	return len(cs), err
}

// AgentLoad is an agent's share of active work
type AgentLoad struct {
	AgentID     string             `json:"agent_id" yaml:"agent_id"`
	Type        types.ClaimantType `json:"type" yaml:"type"`
	Active      int                `json:"active" yaml:"active"`
	MaxClaims   int                `json:"max_claims" yaml:"max_claims"`
	Utilization float64            `json:"utilization" yaml:"utilization"`
	Overloaded  bool               `json:"overloaded" yaml:"overloaded"`
}

// Loads reports the active claims of every configured agent
func (b *Balancer) Loads(ctx context.Context) ([]AgentLoad, error) {
	out := make([]AgentLoad, 0, len(b.cfg.Agents))
	for _, a := range b.cfg.Agents {
		n, err := b.activeCount(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		load := AgentLoad{AgentID: a.ID, Type: a.Type, Active: n, MaxClaims: a.MaxClaims}
		if a.MaxClaims > 0 {
			load.Utilization = float64(n) / float64(a.MaxClaims)
			load.Overloaded = n > a.MaxClaims
		}
		out = append(out, load)
	}
	return out, nil
}

// RebalanceReport lists the claims Rebalance marked stealable
type RebalanceReport struct {
	Marked []string `json:"marked" yaml:"marked"`
}

// Rebalance marks the lowest-progress excess claims of overloaded agents
// stealable so the next sweep hands them to agents with capacity.
func (b *Balancer) Rebalance(ctx context.Context) (*RebalanceReport, error) {
	report := &RebalanceReport{Marked: []string{}}

	for _, a := range b.cfg.Agents {
		if a.MaxClaims == 0 {
			continue
		}
		active, err := b.activeClaims(ctx, a.ID)
		if err != nil {
			return report, err
		}
		excess := len(active) - a.MaxClaims
		if excess <= 0 {
			continue
		}

		movable := slices.DeleteFunc(active, func(c *types.Claim) bool {
			return c.Progress >= b.cfg.ProgressProtection ||
				c.Status == types.StatusStealable ||
				c.Status == types.StatusPendingHandoff
		})
		OrderCandidates(movable, PolicyLeastProgress)

		for _, c := range movable[:min(excess, len(movable))] {
			_, err := b.svc.MarkStealable(ctx, c.ID, fmt.Sprintf("%s is over capacity", a.ID),
				b.cfg.AllowedStealerTypes, claims.WithActor(Actor))
			if claims.IsLostRace(err) {
				continue
			}
			if err != nil {
				return report, fmt.Errorf("failed to mark claim %s stealable: %w", c.ID, err)
			}
			report.Marked = append(report.Marked, c.ID)
		}
	}

	if len(report.Marked) > 0 {
		b.log.Info("rebalanced", zap.Strings("marked", report.Marked))
	}
	return report, nil
}

// Run sweeps and rebalances every SweepInterval until ctx is cancelled.
// Failed sweeps are logged and retried on the next tick.
func (b *Balancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	b.log.Info("balancer started", zap.Duration("interval", b.cfg.SweepInterval), zap.Int("agents", len(b.cfg.Agents)))
	for {
		select {
		case <-ctx.Done():
			b.log.Info("balancer stopped")
			return nil
		case <-ticker.C:
			if _, err := b.Rebalance(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn("rebalance failed", zap.Error(err))
			}
			if _, err := b.Sweep(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
