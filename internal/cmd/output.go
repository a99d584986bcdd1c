package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/verify"
)

// writeJSON prints v as indented JSON
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s models.VerificationStatus) *color.Color {
	switch {
	case s == models.StatusCompleted:
		return color.New(color.FgGreen)
	case s == models.StatusFailed:
		return color.New(color.FgRed, color.Bold)
	case s.IsUploading():
		return color.New(color.FgCyan)
	case s.IsCountdown():
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

// printStatus renders one verification status line block
func printStatus(w io.Writer, st *verify.Status) {
	rec := st.Record
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)

	cyan.Fprintf(w, "Task %s", rec.TaskID)
	fmt.Fprintf(w, " (cycle %d): ", rec.Cycle)
	statusColor(rec.Status).Fprintf(w, "%s\n", rec.Status)

	if st.ActiveDeadline != nil {
		fmt.Fprintf(w, "  Deadline: %s (%s left)\n",
			st.ActiveDeadline.Local().Format("15:04:05"), logger.FormatRemaining(st.Remaining))
	}
	if rec.ActualStartTime != nil {
		fmt.Fprintf(w, "  Started: %s\n", rec.ActualStartTime.Local().Format("15:04:05"))
	}
	fmt.Fprintf(w, "  Timeouts: start %d, completion %d\n", rec.StartTimeoutCount, rec.CompletionTimeoutCount)
	fmt.Fprintf(w, "  Gold: +%d start, +%d completion, ", rec.StartGoldEarned, rec.CompletionGoldEarned)
	red.Fprintf(w, "-%d penalties\n", rec.TotalGoldPenalty)
	if rec.FailureStreak > 0 {
		fmt.Fprintf(w, "  Failed attempts in a row: %d\n", rec.FailureStreak)
	}
	if len(rec.Pending) > 0 {
		fmt.Fprintf(w, "  Pending ledger entries: %d\n", len(rec.Pending))
	}
}

// printOutcome renders the result of a submission or bypass action
func printOutcome(w io.Writer, out *verify.Outcome) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	if out.Success {
		green.Fprintf(w, "✓ %s verified for task %s\n", out.Phase, out.TaskID)
	} else {
		red.Fprintf(w, "✗ %s not verified for task %s", out.Phase, out.TaskID)
		if out.Kind != "" {
			gray.Fprintf(w, " (%s)", out.Kind)
		}
		fmt.Fprintln(w)
	}
	if len(out.MatchedKeywords) > 0 || out.MatchedFraction > 0 {
		fmt.Fprintf(w, "  Matched: %s (%.0f%%)\n", strings.Join(out.MatchedKeywords, ", "), out.MatchedFraction*100)
	}
	if out.Description != "" {
		gray.Fprintf(w, "  %s\n", out.Description)
	}
	for _, s := range out.Suggestions {
		yellow.Fprintf(w, "  Tip: %s\n", s)
	}
	if out.SavedPercentage > 0 {
		fmt.Fprintf(w, "  Finished %.0f%% early\n", out.SavedPercentage)
	}
	if out.GoldAwarded > 0 {
		green.Fprintf(w, "  +%d gold\n", out.GoldAwarded)
	}
	if out.GoldPenalized > 0 {
		red.Fprintf(w, "  -%d gold\n", out.GoldPenalized)
	}
	if out.HardAlert {
		red.Fprintf(w, "  Too many failed attempts in a row\n")
	}
	if out.Status != "" {
		fmt.Fprintf(w, "  Status: ")
		statusColor(out.Status).Fprintf(w, "%s\n", out.Status)
	}
}
