package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/claims/internal/claims"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
	"gopkg.in/yaml.v3"
)

var (
	exportFormat string
	exportOutput string
	exportEvents bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [claim-id]",
	Short: "Recompute the claim view from the event log",
	Long: `Recompute claim state from the event log and overwrite the view.
Without an argument every claim is rebuilt and view rows with no events are
removed. Run 'claims verify' first to see what would change.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if len(args) == 1 {
			c, err := svc.RebuildClaim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(w, "Rebuilt", c)
		}

		report, err := svc.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(w, report)
		}
		fmt.Fprintf(w, "%s Rebuilt %d of %d claim(s), removed %d orphan row(s)\n",
			green("✓"), report.Rebuilt, report.Aggregates, report.Removed)
		for id, reason := range report.Failed {
			fmt.Fprintf(w, "  %s %s: %s\n", red("✗"), id, reason)
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d claim(s) could not be rebuilt", len(report.Failed))
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [claim-id]",
	Short: "Compare the claim view with the event log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		var issues []claims.Discrepancy
		if len(args) == 1 {
			d, err := svc.VerifyClaim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if d != nil {
				issues = append(issues, *d)
			}
		} else {
			var err error
			if issues, err = svc.Verify(cmd.Context()); err != nil {
				return err
			}
		}

		if jsonOutput {
			if issues == nil {
				issues = []claims.Discrepancy{}
			}
			if err := printJSON(w, issues); err != nil {
				return err
			}
		} else if len(issues) == 0 {
			fmt.Fprintf(w, "%s View matches the event log\n", green("✓"))
		} else {
			for _, d := range issues {
				fmt.Fprintf(w, "%s %s\n%s\n", yellow("⚠"), cyan(d.ClaimID), d.Diff)
			}
			fmt.Fprintf(w, "Run 'claims rebuild' to repair the view\n")
		}
		if len(issues) > 0 {
			return fmt.Errorf("%d claim(s) differ from their event log", len(issues))
		}
		return nil
	},
}

// Export is the document written by 'claims export'
type Export struct {
	ExportedAt time.Time         `json:"exported_at" yaml:"exported_at"`
	Statistics *types.Statistics `json:"statistics" yaml:"statistics"`
	Claims     []*types.Claim    `json:"claims" yaml:"claims"`
	Events     []any             `json:"events,omitempty" yaml:"events,omitempty"`
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export claims as JSON or YAML",
	Long: `Export every claim, with statistics and optionally the full event log.

Examples:
  claims export --format yaml -o claims.yaml
  claims export --events > backup.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		doc := Export{ExportedAt: time.Now().UTC()}

		var err error
		if doc.Claims, err = svc.List(ctx); err != nil {
			return err
		}
		if doc.Claims == nil {
			doc.Claims = []*types.Claim{}
		}
		if doc.Statistics, err = svc.Statistics(ctx); err != nil {
			return err
		}
		if exportEvents {
			evs, err := svc.QueryEvents(ctx, events.EventFilter{})
			if err != nil {
				return err
			}
			if doc.Events, err = eventDocuments(evs); err != nil {
				return err
			}
		}

		w := cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportOutput, err)
			}
			defer f.Close()
			w = f
		}
		if err := writeExport(w, exportFormat, &doc); err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d claim(s) to %s\n", green("✓"), len(doc.Claims), exportOutput)
		}
		return nil
	},
}

// eventDocuments renders events through their JSON form so both output
// formats carry the type discriminator next to the payload.
func eventDocuments(evs []*events.Event) ([]any, error) {
	out := make([]any, 0, len(evs))
	for _, e := range evs {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func writeExport(w io.Writer, format string, doc *Export) error {
	switch format {
	case "json":
		return printJSON(w, doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: unknown export format %q (want json or yaml)", types.ErrInvalidArgument, format)
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format: json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to a file instead of stdout")
	exportCmd.Flags().BoolVar(&exportEvents, "events", false, "Include the full event log")

	rootCmd.AddCommand(rebuildCmd, verifyCmd, exportCmd)
}
