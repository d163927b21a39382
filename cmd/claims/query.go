package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/types"
)

var (
	listClaimant  string
	listType      string
	listStatuses  []string
	listRepo      string
	listStealable bool
	listBlocked   bool
	listSort      string
	listDesc      bool
	listLimit     int
	listOffset    int

	staleThreshold time.Duration
	staleMark      bool
)

var showCmd = &cobra.Command{
	Use:   "show <claim-id | issue-id>",
	Short: "Show one claim",
	Long: `Show a claim by its ID, or the active claim on an issue when the
argument is not a claim ID (use --repo for repository-scoped issues).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := svc.GetClaim(ctx, args[0])
		if err != nil {
			return err
		}
		if c == nil {
			if c, err = svc.FindByIssue(ctx, args[0], listRepo); err != nil {
				return err
			}
		}
		if c == nil {
			return fmt.Errorf("%w: no claim or active issue claim %s", types.ErrNotFound, args[0])
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), c)
		}
		printClaim(cmd.OutOrStdout(), c)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims",
	Long: `List claims matching every given filter.

Examples:
  claims list --status active,paused
  claims list --type agent --sort progress --desc --limit 10
  claims list --stealable`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := types.ClaimQuery{
			ClaimantID:    listClaimant,
			ClaimantType:  types.ClaimantType(listType),
			Repository:    listRepo,
			StealableOnly: listStealable,
			BlockedOnly:   listBlocked,
			SortBy:        types.SortField(listSort),
			Offset:        listOffset,
			Limit:         listLimit,
		}
		for _, s := range listStatuses {
			q.Statuses = append(q.Statuses, types.ClaimStatus(s))
		}
		if listDesc {
			q.SortOrder = types.SortDesc
		}
		cs, err := svc.Query(cmd.Context(), q)
		if err != nil {
			return err
		}
		return printClaims(cmd.OutOrStdout(), cs)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <claim-id>",
	Short: "Show the event history of a claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evs, err := svc.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), evs)
		}
		if len(evs) == 0 {
			return fmt.Errorf("%w: claim %s has no events", types.ErrNotFound, args[0])
		}
		for _, e := range evs {
			displayEvent(cmd.OutOrStdout(), e)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize all claims",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := svc.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Claims: %d\n", stats.Total)
		fmt.Fprintf(w, "  Average progress: %.0f%%\n", stats.AverageProgress*100)
		fmt.Fprintf(w, "  Average duration (completed): %s\n", formatDuration(stats.AverageDuration))
		fmt.Fprintf(w, "  Completed in last 24h: %d\n", stats.CompletedLast24h)

		fmt.Fprintln(w, "\nBy status:")
		for _, st := range sortedKeys(stats.ByStatus) {
			fmt.Fprintf(w, "  %-16s %d\n", statusColor(st), stats.ByStatus[st])
		}
		fmt.Fprintln(w, "\nBy claimant type:")
		for _, t := range sortedKeys(stats.ByClaimantType) {
			fmt.Fprintf(w, "  %-16s %d\n", t, stats.ByClaimantType[t])
		}
		if len(stats.ByRepository) > 0 {
			fmt.Fprintln(w, "\nBy repository:")
			for _, r := range sortedKeys(stats.ByRepository) {
				name := r
				if name == "" {
					name = "(none)"
				}
				fmt.Fprintf(w, "  %-16s %d\n", name, stats.ByRepository[r])
			}
		}
		return nil
	},
}

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Show active claims with no recent activity",
	Long: `Show active claims whose last activity is older than the threshold.

Examples:
  # Show claims idle for 30 minutes or more
  claims stale

  # Mark them stealable by agents
  claims stale --threshold 2h --mark`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cs, err := svc.FindStale(ctx, time.Now().UTC().Add(-staleThreshold))
		if err != nil {
			return err
		}
		if !staleMark {
			return printClaims(cmd.OutOrStdout(), cs)
		}

		w := cmd.OutOrStdout()
		marked := 0
		for _, c := range cs {
			if c.Status == types.StatusStealable || c.Status == types.StatusPendingHandoff {
				continue
			}
			reason := fmt.Sprintf("no activity for %s", formatDuration(time.Since(c.LastActivityAt)))
			if _, err := svc.MarkStealable(ctx, c.ID, reason, nil, commandOptions()...); err != nil {
				fmt.Fprintf(w, "%s Failed to mark %s: %v\n", red("✗"), c.ID, err)
				continue
			}
			fmt.Fprintf(w, "%s Marked %s stealable\n", green("✓"), cyan(c.ID))
			marked++
		}
		fmt.Fprintf(w, "\n%s Marked %d of %d stale claim(s)\n", green("✓"), marked, len(cs))
		return nil
	},
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func init() {
	showCmd.Flags().StringVarP(&listRepo, "repo", "R", "", "Repository scope when looking up an issue")

	listCmd.Flags().StringVar(&listClaimant, "claimant", "", "Filter by claimant ID")
	listCmd.Flags().StringVar(&listType, "type", "", "Filter by claimant type (human, agent)")
	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by status (repeatable or comma-separated)")
	listCmd.Flags().StringVarP(&listRepo, "repo", "R", "", "Filter by repository")
	listCmd.Flags().BoolVar(&listStealable, "stealable", false, "Only stealable claims")
	listCmd.Flags().BoolVar(&listBlocked, "blocked", false, "Only blocked claims")
	listCmd.Flags().StringVar(&listSort, "sort", "claimed_at", "Sort by claimed_at, updated_at or progress")
	listCmd.Flags().BoolVar(&listDesc, "desc", false, "Sort descending")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum claims to show (0 = all)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Claims to skip")

	staleCmd.Flags().DurationVar(&staleThreshold, "threshold", 30*time.Minute, "Idle time before a claim is stale")
	staleCmd.Flags().BoolVar(&staleMark, "mark", false, "Mark stale claims stealable")

	rootCmd.AddCommand(showCmd, listCmd, historyCmd, statsCmd, staleCmd)
}
