package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/balancer"
)

var (
	sweepRebalance bool
	sweepLoads     bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one balancer pass",
	Long: `Run one pass of the work-stealing balancer using the [balancer] section
of the config: stale claims are marked stealable, then every configured
agent with spare capacity steals at most one claim.

Examples:
  claims sweep
  claims sweep --rebalance     # first shed work from overloaded agents
  claims sweep --loads         # only show agent loads`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		w := cmd.OutOrStdout()
		bal, err := balancer.New(svc, cfg.Balancer, balancer.WithLogger(logger))
		if err != nil {
			return err
		}

		if sweepLoads {
			loads, err := bal.Loads(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(w, loads)
			}
			printLoads(cmd, loads)
			return nil
		}

		var rebalanced *balancer.RebalanceReport
		if sweepRebalance {
			if rebalanced, err = bal.Rebalance(ctx); err != nil {
				return err
			}
		}
		report, err := bal.Sweep(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(w, map[string]any{"rebalance": rebalanced, "sweep": report})
		}

		if rebalanced != nil {
			fmt.Fprintf(w, "%s Rebalance marked %d claim(s) from overloaded agents\n", green("✓"), len(rebalanced.Marked))
		}
		fmt.Fprintf(w, "%s Sweep found %d stale claim(s), marked %d, skipped %d\n",
			green("✓"), report.Stale, len(report.Marked), report.Skipped)
		for _, id := range report.Expired {
			fmt.Fprintf(w, "  %s %s: handoff timed out, returned to its claimant\n", yellow("⏱"), id)
		}
		for _, s := range report.Stolen {
			fmt.Fprintf(w, "  %s %s: %s → %s\n", cyan("↪"), s.ClaimID, s.From, s.To)
		}
		if report.LostRaces > 0 {
			fmt.Fprintf(w, "  %s %d steal(s) lost to another writer\n", yellow("⚠"), report.LostRaces)
		}
		return nil
	},
}

func printLoads(cmd *cobra.Command, loads []balancer.AgentLoad) {
	w := cmd.OutOrStdout()
	if len(loads) == 0 {
		fmt.Fprintln(w, "No agents configured (add [[balancer.agents]] to claims.toml)")
		return
	}
	for _, l := range loads {
		capacity := fmt.Sprintf("%d (unlimited)", l.Active)
		if l.MaxClaims > 0 {
			capacity = fmt.Sprintf("%d/%d (%.0f%%)", l.Active, l.MaxClaims, l.Utilization*100)
		}
		mark := green("✓")
		if l.Overloaded {
			mark = red("✗")
		}
		fmt.Fprintf(w, "%s %-20s %-6s %s\n", mark, l.AgentID, l.Type, capacity)
	}
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepRebalance, "rebalance", false, "Shed excess claims of overloaded agents first")
	sweepCmd.Flags().BoolVar(&sweepLoads, "loads", false, "Show agent loads instead of sweeping")
	rootCmd.AddCommand(sweepCmd)
}
