package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/claims"
	"github.com/steveyegge/claims/internal/types"
)

var (
	claimRepo   string
	claimName   string
	claimKey    string
	claimReason string
)

var claimCmd = &cobra.Command{
	Use:   "claim <issue-id> <claimant>",
	Short: "Claim an issue",
	Long: `Claim an issue for a human or an agent.

The claimant is written as [type:]id, where type is human (the default) or
agent. An issue can hold only one active claim per repository.

Examples:
  claims claim vc-42 alice --repo acme/api
  claims claim vc-42 agent:worker-3 --key retry-7f2c`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		claimant, err := parseClaimant(args[1])
		if err != nil {
			return err
		}
		claimant.Name = claimName

		opts := commandOptions()
		if claimKey != "" {
			opts = append(opts, claims.WithIdempotencyKey(claimKey))
		}
		c, err := svc.Claim(cmd.Context(), args[0], claimRepo, claimant, opts...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Claimed", c)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <claim-id>",
	Short: "Give up a claim without completing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.Release(cmd.Context(), args[0], claimReason, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Released", c)
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <claim-id>",
	Short: "Mark a claim done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.Complete(cmd.Context(), args[0], commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Completed", c)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <claim-id>",
	Short: "Pause an active claim",
	Long: `Pause an active claim. The claim keeps its claimant and stays active
for the issue, so nobody else can claim it. Resume with 'claims resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.Pause(cmd.Context(), args[0], claimReason, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Paused", c)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <claim-id>",
	Short: "Resume a paused or in-review claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.Resume(cmd.Context(), args[0], commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Resumed", c)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <claim-id> <reason>",
	Short: "Record an external blocker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.Block(cmd.Context(), args[0], args[1], commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Blocked", c)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <claim-id>",
	Short: "Clear a blocker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.Unblock(cmd.Context(), args[0], commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Unblocked", c)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <claim-id>",
	Short: "Move a claim to review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.RequestReview(cmd.Context(), args[0], commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "In review", c)
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <claim-id> <fraction>",
	Short: "Report progress between 0 and 1",
	Long: `Report progress on a claim as a fraction between 0 and 1. A trailing %
is accepted, so 40% and 0.4 are the same.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseProgress(args[1])
		if err != nil {
			return err
		}
		c, err := svc.UpdateProgress(cmd.Context(), args[0], p, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), fmt.Sprintf("Progress %.0f%% on", c.Progress*100), c)
	},
}

func parseProgress(s string) (float64, error) {
	pct := len(s) > 0 && s[len(s)-1] == '%'
	if pct {
		s = s[:len(s)-1]
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid progress %q", types.ErrInvalidArgument, s)
	}
	if pct {
		p /= 100
	}
	return p, nil
}

func init() {
	claimCmd.Flags().StringVarP(&claimRepo, "repo", "R", "", "Repository scope of the issue")
	claimCmd.Flags().StringVar(&claimName, "name", "", "Display name of the claimant")
	claimCmd.Flags().StringVar(&claimKey, "key", "", "Idempotency key; retrying with the same key returns the same claim")

	for _, cmd := range []*cobra.Command{releaseCmd, pauseCmd} {
		cmd.Flags().StringVarP(&claimReason, "reason", "r", "", "Reason (optional)")
	}

	rootCmd.AddCommand(claimCmd, releaseCmd, completeCmd, pauseCmd, resumeCmd,
		blockCmd, unblockCmd, reviewCmd, progressCmd)
}
