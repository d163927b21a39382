package balancer

import (
	"fmt"
	"time"

	"github.com/steveyegge/claims/internal/types"
)

// Policy orders steal candidates for an idle agent
type Policy string

const (
	// PolicyOldestFirst prefers the claim claimed longest ago
	PolicyOldestFirst Policy = "oldest_first"
	// PolicyLeastProgress prefers the claim with the least work done
	PolicyLeastProgress Policy = "least_progress"
	// PolicyMostStale prefers the claim idle the longest
	PolicyMostStale Policy = "most_stale"
)

// IsValid checks if the policy value is valid
func (p Policy) IsValid() bool {
	switch p {
	case PolicyOldestFirst, PolicyLeastProgress, PolicyMostStale:
		return true
	}
	return false
}

// Agent is a claimant the balancer may hand stolen work to
type Agent struct {
	ID   string             `koanf:"id"`
	Type types.ClaimantType `koanf:"type"`
	Name string             `koanf:"name"`
	// MaxClaims caps the agent's active claims. Zero means no cap.
	MaxClaims int `koanf:"max_claims"`
}

// Claimant returns the identity used when the agent steals
func (a Agent) Claimant() types.Claimant {
	return types.Claimant{ID: a.ID, Type: a.Type, Name: a.Name}
}

// Config holds balancer settings
type Config struct {
	// Enabled starts the sweeper under `claims serve`
	Enabled bool `koanf:"enabled"`

	// SweepInterval is the time between sweeps in Run
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// StaleThreshold is how long a claim may go without activity before
	// it is marked stealable
	StaleThreshold time.Duration `koanf:"stale_threshold"`

	// GracePeriod protects freshly claimed work from being marked
	GracePeriod time.Duration `koanf:"grace_period"`

	// HandoffTimeout returns a pending handoff to its original claimant
	// when the target has not answered in time. Zero disables expiry.
	HandoffTimeout time.Duration `koanf:"handoff_timeout"`

	// ProgressProtection protects claims at or above this progress
	ProgressProtection float64 `koanf:"progress_protection"`

	// AllowedStealerTypes is attached to claims the sweep marks. Empty
	// admits every claimant type.
	AllowedStealerTypes []types.ClaimantType `koanf:"allowed_stealer_types"`

	// Policy orders steal candidates
	Policy Policy `koanf:"policy"`

	// Steal attempts are rate limited across all agents
	StealsPerSecond float64 `koanf:"steals_per_second"`
	StealBurst      int     `koanf:"steal_burst"`

	// MaxConcurrentSteals bounds how many agents steal at once
	MaxConcurrentSteals int `koanf:"max_concurrent_steals"`

	Agents []Agent `koanf:"agents"`
}

// DefaultConfig returns the default balancer configuration
func DefaultConfig() Config {
	return Config{
		Enabled:             false,
		SweepInterval:       time.Minute,
		StaleThreshold:      30 * time.Minute,
		GracePeriod:         5 * time.Minute,
		HandoffTimeout:      24 * time.Hour,
		ProgressProtection:  0.75,
		Policy:              PolicyOldestFirst,
		StealsPerSecond:     5,
		StealBurst:          5,
		MaxConcurrentSteals: 4,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive (got %v)", c.SweepInterval)
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("stale_threshold must be positive (got %v)", c.StaleThreshold)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period cannot be negative (got %v)", c.GracePeriod)
	}
	if c.HandoffTimeout < 0 {
		return fmt.Errorf("handoff_timeout cannot be negative (got %v)", c.HandoffTimeout)
	}
	if c.ProgressProtection <= 0 || c.ProgressProtection > 1 {
		return fmt.Errorf("progress_protection must be in (0, 1] (got %g)", c.ProgressProtection)
	}
	for _, t := range c.AllowedStealerTypes {
		if !t.IsValid() {
			return fmt.Errorf("allowed_stealer_types: invalid claimant type %q", t)
		}
	}
	if !c.Policy.IsValid() {
		return fmt.Errorf("policy must be oldest_first, least_progress or most_stale (got %q)", c.Policy)
	}
	if c.StealsPerSecond <= 0 {
		return fmt.Errorf("steals_per_second must be positive (got %g)", c.StealsPerSecond)
	}
	if c.StealBurst < 1 {
		return fmt.Errorf("steal_burst must be at least 1 (got %d)", c.StealBurst)
	}
	if c.MaxConcurrentSteals < 1 {
		return fmt.Errorf("max_concurrent_steals must be at least 1 (got %d)", c.MaxConcurrentSteals)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if err := a.Claimant().Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if a.MaxClaims < 0 {
			return fmt.Errorf("agents[%d]: max_claims cannot be negative (got %d)", i, a.MaxClaims)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
