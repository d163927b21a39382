package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor highlights statuses that need attention
func statusColor(s types.ClaimStatus) string {
	switch s {
	case types.StatusActive:
		return green(s)
	case types.StatusBlocked, types.StatusStealable:
		return red(s)
	case types.StatusPaused, types.StatusPendingHandoff, types.StatusInReview:
		return yellow(s)
	}
	return gray(s)
}

// printResult reports the claim a command produced
func printResult(w io.Writer, verb string, c *types.Claim) error {
	if jsonOutput {
		return printJSON(w, c)
	}
	fmt.Fprintf(w, "%s %s %s (%s)\n", green("✓"), verb, cyan(c.ID), c.Key())
	fmt.Fprintf(w, "  Status: %s  Claimant: %s  Version: %d\n", statusColor(c.Status), c.Claimant, c.Version)
	return nil
}

// printClaim prints every field of a claim
func printClaim(w io.Writer, c *types.Claim) {
	fmt.Fprintf(w, "%s %s\n", cyan(c.ID), c.Key())
	fmt.Fprintf(w, "  Status:        %s\n", statusColor(c.Status))
	fmt.Fprintf(w, "  Claimant:      %s\n", c.Claimant)
	fmt.Fprintf(w, "  Progress:      %.0f%%\n", c.Progress*100)
	fmt.Fprintf(w, "  Claimed:       %s\n", c.ClaimedAt.Format(time.DateTime))
	fmt.Fprintf(w, "  Last activity: %s (%s ago)\n", c.LastActivityAt.Format(time.DateTime), formatDuration(time.Since(c.LastActivityAt)))
	if c.BlockedReason != "" {
		fmt.Fprintf(w, "  Blocked:       %s\n", red(c.BlockedReason))
	}
	if c.Handoff != nil {
		fmt.Fprintf(w, "  Handoff to:    %s", c.Handoff.To)
		if c.Handoff.Reason != "" {
			fmt.Fprintf(w, " (%s)", c.Handoff.Reason)
		}
		fmt.Fprintln(w)
	}
	if c.StealInfo != nil {
		allowed := "anyone"
		if len(c.StealInfo.AllowedStealerTypes) > 0 {
			names := make([]string, len(c.StealInfo.AllowedStealerTypes))
			for i, t := range c.StealInfo.AllowedStealerTypes {
				names[i] = string(t)
			}
			allowed = strings.Join(names, ", ")
		}
		fmt.Fprintf(w, "  Stealable by:  %s\n", allowed)
	}
	if c.ContestInfo != nil {
		fmt.Fprintf(w, "  Contested by:  %s", c.ContestInfo.Contester)
		if c.ContestInfo.Resolution != "" {
			fmt.Fprintf(w, " (resolved: %s)", c.ContestInfo.Resolution)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Version:       %d\n", c.Version)
}

// printClaims prints one line per claim
func printClaims(w io.Writer, cs []*types.Claim) error {
	if jsonOutput {
		if cs == nil {
			cs = []*types.Claim{}
		}
		return printJSON(w, cs)
	}
	if len(cs) == 0 {
		fmt.Fprintf(w, "%s No claims found\n", green("✓"))
		return nil
	}
	for _, c := range cs {
		fmt.Fprintf(w, "%s  %-16s %-28s %-18s %3.0f%%  %s\n",
			cyan(c.ID),
			statusColor(c.Status),
			truncateString(c.Key().String(), 28),
			truncateString(c.Claimant.ID, 18),
			c.Progress*100,
			gray(formatDuration(time.Since(c.LastActivityAt))+" idle"))
	}
	fmt.Fprintf(w, "\n%d claim(s)\n", len(cs))
	return nil
}

// displayEvent prints an event on one line with its key fields
func displayEvent(w io.Writer, e *events.Event) {
	fmt.Fprintf(w, "%s v%-3d [%s] %s",
		getEventEmoji(e.Type),
		e.Version,
		e.Timestamp.Format("2006-01-02 15:04:05"),
		color.New(color.FgMagenta).Sprint(e.Type))
	if e.Actor != "" {
		fmt.Fprintf(w, " by %s", e.Actor)
	}
	if meta := extractEventMetadata(e); meta != "" {
		fmt.Fprintf(w, "  %s", gray(meta))
	}
	fmt.Fprintln(w)
}

// getEventEmoji returns the icon for each event type
func getEventEmoji(t events.EventType) string {
	switch t {
	case events.TypeClaimed:
		return "📌"
	case events.TypeCompleted:
		return "✅"
	case events.TypeReleased:
		return "🔓"
	case events.TypePaused:
		return "⏸️"
	case events.TypeResumed, events.TypeUnblocked:
		return "▶️"
	case events.TypeBlocked:
		return "🚫"
	case events.TypeReviewRequested:
		return "🔍"
	case events.TypeProgressUpdated:
		return "📈"
	case events.TypeHandoffRequested, events.TypeHandoffAccepted, events.TypeHandoffRejected:
		return "🤝"
	case events.TypeMarkedStealable, events.TypeStolen:
		return "🎯"
	case events.TypeContestOpened, events.TypeContestResolved:
		return "⚖️"
	}
	return "•"
}

// extractEventMetadata summarizes the payload fields worth showing
func extractEventMetadata(e *events.Event) string {
	switch p := e.Payload.(type) {
	case events.Claimed:
		return fmt.Sprintf("%s | %s", types.IssueKey{IssueID: p.IssueID, Repository: p.Repository}, p.Claimant)
	case events.Released:
		return p.Reason
	case events.Paused:
		return p.Reason
	case events.Blocked:
		return p.Reason
	case events.ProgressUpdated:
		return fmt.Sprintf("%.0f%%", p.Progress*100)
	case events.HandoffRequested:
		return joinNonEmpty("to "+p.To.String(), p.Reason)
	case events.HandoffRejected:
		return p.Reason
	case events.MarkedStealable:
		allowed := "anyone"
		if len(p.AllowedStealerTypes) > 0 {
			names := make([]string, len(p.AllowedStealerTypes))
			for i, t := range p.AllowedStealerTypes {
				names[i] = string(t)
			}
			allowed = strings.Join(names, ",")
		}
		return joinNonEmpty(p.Reason, "allowed: "+allowed)
	case events.Stolen:
		return "by " + p.Stealer.String()
	case events.ContestOpened:
		return joinNonEmpty("by "+p.Contester.String(), p.Reason)
	case events.ContestResolved:
		if p.Winner != nil {
			return joinNonEmpty(p.Resolution, "winner "+p.Winner.String())
		}
		return p.Resolution
	}
	return ""
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " | ")
}

// truncateString shortens s to maxLen runes with a trailing ellipsis
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}
