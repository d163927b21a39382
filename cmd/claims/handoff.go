package main

import (
	"github.com/spf13/cobra"
)

var handoffReason string

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Hand a claim to another claimant",
	Long: `Hand a claim to another claimant in two steps: the holder requests the
handoff, then the target accepts or rejects it. Until then the claim stays
with the holder in pending_handoff.`,
}

var handoffRequestCmd = &cobra.Command{
	Use:   "request <claim-id> <to>",
	Short: "Propose handing a claim to [type:]id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parseClaimant(args[1])
		if err != nil {
			return err
		}
		c, err := svc.RequestHandoff(cmd.Context(), args[0], to, handoffReason, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Handoff requested for", c)
	},
}

var handoffAcceptCmd = &cobra.Command{
	Use:   "accept <claim-id> <claimant-id>",
	Short: "Accept a handoff as its target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.AcceptHandoff(cmd.Context(), args[0], args[1], commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Accepted", c)
	},
}

var handoffRejectCmd = &cobra.Command{
	Use:   "reject <claim-id> <claimant-id>",
	Short: "Reject a handoff as its target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.RejectHandoff(cmd.Context(), args[0], args[1], handoffReason, commandOptions()...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Rejected handoff of", c)
	},
}

func init() {
	handoffRequestCmd.Flags().StringVarP(&handoffReason, "reason", "r", "", "Reason (optional)")
	handoffRejectCmd.Flags().StringVarP(&handoffReason, "reason", "r", "", "Reason (optional)")

	handoffCmd.AddCommand(handoffRequestCmd, handoffAcceptCmd, handoffRejectCmd)
	rootCmd.AddCommand(handoffCmd)
}
