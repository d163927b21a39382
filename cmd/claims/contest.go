package main

import (
	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/types"
)

var (
	contestReason string
	contestWinner string
)

var contestCmd = &cobra.Command{
	Use:   "contest",
	Short: "Dispute and settle who holds a claim",
}

var contestOpenCmd = &cobra.Command{
	Use:   "open <claim-id> <contester>",
	Short: "Contest a claim as [type:]id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contester, err := parseClaimant(args[1])
		if err != nil {
			return err
		}
		c, err := svc.Contest(cmd.Context(), args[0], contester, contestReason, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Contested", c)
	},
}

var contestResolveCmd = &cobra.Command{
	Use:   "resolve <claim-id> <resolution>",
	Short: "Resolve the open contest",
	Long: `Resolve the open contest on a claim. With --winner the named claimant
([type:]id) holds the claim afterwards; it must be the current claimant or
the contester. Without it the current claimant keeps the claim.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var winner *types.Claimant
		if contestWinner != "" {
			w, err := parseClaimant(contestWinner)
			if err != nil {
				return err
			}
			winner = &w
		}
		c, err := svc.ResolveContest(cmd.Context(), args[0], args[1], winner, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Resolved contest on", c)
	},
}

func init() {
	contestOpenCmd.Flags().StringVarP(&contestReason, "reason", "r", "", "Reason (optional)")
	contestResolveCmd.Flags().StringVar(&contestWinner, "winner", "", "Claimant who keeps the claim")

	contestCmd.AddCommand(contestOpenCmd, contestResolveCmd)
	rootCmd.AddCommand(contestCmd)
}
