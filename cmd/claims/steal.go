package main

import (
	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/types"
)

var (
	stealReason  string
	stealAllowed []string
)

var stealCmd = &cobra.Command{
	Use:   "steal",
	Short: "Open claims to other claimants and take them over",
}

var stealMarkCmd = &cobra.Command{
	Use:   "mark <claim-id>",
	Short: "Mark a claim stealable",
	Long: `Mark a claim stealable. With --allow only the listed claimant types may
take it; without it anyone may.

Examples:
  claims steal mark 3f1c... --reason "holder went quiet"
  claims steal mark 3f1c... --allow agent`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		allowed := make([]types.ClaimantType, 0, len(stealAllowed))
		for _, a := range stealAllowed {
			allowed = append(allowed, types.ClaimantType(a))
		}
		c, err := svc.MarkStealable(cmd.Context(), args[0], stealReason, allowed, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Marked stealable", c)
	},
}

var stealTakeCmd = &cobra.Command{
	Use:   "take <claim-id> <stealer>",
	Short: "Take over a stealable claim as [type:]id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stealer, err := parseClaimant(args[1])
		if err != nil {
			return err
		}
		c, err := svc.Steal(cmd.Context(), args[0], stealer, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Stole", c)
	},
}

func init() {
	stealMarkCmd.Flags().StringVarP(&stealReason, "reason", "r", "", "Reason (optional)")
	stealMarkCmd.Flags().StringSliceVar(&stealAllowed, "allow", nil, "Claimant types allowed to steal (human, agent)")

	stealCmd.AddCommand(stealMarkCmd, stealTakeCmd)
	rootCmd.AddCommand(stealCmd)
}
