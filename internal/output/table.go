// Package output renders trustmonitor state for terminals.
//
// Tables are plain ASCII columns with ANSI status colors when stdout is a
// terminal and NO_COLOR is unset. Times and sizes are humanized.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/trustmonitor/internal/health"
	"github.com/blackwell-systems/trustmonitor/internal/snapshots"
	"github.com/blackwell-systems/trustmonitor/internal/store"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

func statusColor(s string) string {
	switch strings.ToUpper(s) {
	case "OK", "HEALTHY", "ACTIVE":
		return colorGreen
	case "WARN", "WARNING":
		return colorYellow
	case "ERROR", "HALTED", "FAILED", "INACTIVE":
		return colorRed
	default:
		return colorGray
	}
}

// padStatus pads before coloring so escape codes do not break alignment.
func padStatus(s string, width int) string {
	return colorize(statusColor(s), fmt.Sprintf("%-*s", width, s))
}

func rule(n int) string {
	return strings.Repeat("─", n) + "\n"
}

// RenderCheckTable renders one health tick, in check order.
func RenderCheckTable(results []health.CheckResult) string {
	if len(results) == 0 {
		return "No checks registered.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-16s %-7s %-9s %s\n", "Check", "Status", "Took", "Message"))
	sb.WriteString(rule(72))
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("%-16s %s %-9s %s\n",
			truncate(r.Name, 16),
			padStatus(r.Status.String(), 7),
			formatDuration(r.Duration),
			truncate(r.Message, 60)))
	}

	summary := health.Summarize(results)
	sb.WriteString(rule(72))
	sb.WriteString(fmt.Sprintf("Overall: %s", colorize(statusColor(summary.Overall.String()), summary.Overall.String())))
	if len(summary.Error) > 0 {
		sb.WriteString(fmt.Sprintf("  errors: %s", strings.Join(summary.Error, ", ")))
	}
	if len(summary.Warn) > 0 {
		sb.WriteString(fmt.Sprintf("  warnings: %s", strings.Join(summary.Warn, ", ")))
	}
	sb.WriteString("\n")
	return sb.String()
}

// RenderHealthReport renders a stored report.
func RenderHealthReport(r *store.HealthReport) string {
	if r == nil {
		return "No health report recorded.\n"
	}
	results := make([]health.CheckResult, 0, len(r.Checks))
	for _, c := range r.Checks {
		st, err := health.ParseStatus(c.Status)
		if err != nil {
			st = health.Error
		}
		results = append(results, health.CheckResult{Name: c.Name, Status: st, Message: c.Message})
	}
	return fmt.Sprintf("Last health report: %s (%s)\n", formatRelativeTime(r.At), formatDuration(r.Duration)) +
		RenderCheckTable(results)
}

// RenderVerifyReport renders a two-stage verification result.
func RenderVerifyReport(rep *trust.Report) string {
	if rep == nil {
		return "Verification did not run.\n"
	}
	var sb strings.Builder
	if rep.Integrity != nil {
		if rep.Integrity.OK {
			sb.WriteString(fmt.Sprintf("Hashes:    %s (%d files)\n", colorize(colorGreen, "OK"), rep.Integrity.Checked))
		} else {
			sb.WriteString(fmt.Sprintf("Hashes:    %s (%d of %d files)\n",
				colorize(colorRed, "FAILED"), len(rep.Integrity.Failures), rep.Integrity.Checked))
			for _, f := range rep.Integrity.Failures {
				sb.WriteString(fmt.Sprintf("  %-10s %s\n", f.Kind, f.Path))
			}
		}
	}
	switch {
	case rep.Stage == trust.StagePassed:
		sb.WriteString(fmt.Sprintf("Signature: %s (%s)\n", colorize(colorGreen, "OK"), rep.KeyName))
	case rep.Stage == trust.StageSignature:
		sb.WriteString(fmt.Sprintf("Signature: %s (%v)\n", colorize(colorRed, "FAILED"), rep.SignatureErr))
	default:
		sb.WriteString(fmt.Sprintf("Signature: %s\n", colorize(colorGray, "not checked")))
	}
	return sb.String()
}

// RenderSnapshotTable renders snapshots, newest first.
func RenderSnapshotTable(snaps []*snapshots.Snapshot) string {
	if len(snaps) == 0 {
		return "No snapshots found.\n"
	}

	sorted := make([]*snapshots.Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-9s %-19s %-15s %-6s %-9s %s\n",
		"Category", "Name", "Created", "Files", "Size", "Reason"))
	sb.WriteString(rule(88))
	for _, s := range sorted {
		var size int64
		for _, f := range s.Files {
			size += f.Size
		}
		sb.WriteString(fmt.Sprintf("%-9s %-19s %-15s %-6d %-9s %s\n",
			s.Category,
			s.Name,
			formatRelativeTime(s.CreatedAt),
			len(s.Files),
			humanize.IBytes(uint64(size)),
			truncate(s.Reason, 30)))
	}
	return sb.String()
}

// RenderWatchdogTable renders the persisted per-service records.
func RenderWatchdogTable(records []*store.WatchdogRecord) string {
	if len(records) == 0 {
		return "No services watched.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-20s %-9s %-9s %-15s %s\n",
		"Service", "Status", "Failures", "Last check", "Last action"))
	sb.WriteString(rule(80))
	for _, r := range records {
		action := r.LastAction
		if r.LastActionAt != nil {
			action += " (" + formatRelativeTime(*r.LastActionAt) + ")"
		}
		if action == "" {
			action = "-"
		}
		sb.WriteString(fmt.Sprintf("%-20s %s %-9d %-15s %s\n",
			truncate(r.Service, 20),
			padStatus(r.LastStatus, 9),
			r.ConsecutiveFailures,
			formatRelativeTime(r.LastCheckAt),
			action))
	}
	return sb.String()
}

// RenderBootTable renders boot attempts, newest first as stored.
func RenderBootTable(events []*store.BootEvent) string {
	if len(events) == 0 {
		return "No boots recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-10s %-15s %-10s %s\n", "Boot", "Started", "State", "Reason"))
	sb.WriteString(rule(72))
	for _, e := range events {
		reason := e.Reason
		if reason == "" {
			reason = "-"
		}
		sb.WriteString(fmt.Sprintf("%-10s %-15s %s %s\n",
			truncate(e.BootID, 8),
			formatRelativeTime(e.StartedAt),
			padStatus(e.State, 10),
			truncate(reason, 40)))
	}
	return sb.String()
}

// RenderLifecycle describes how a component last stopped. alive reports
// whether the recorded PID is still running.
func RenderLifecycle(component string, r *store.LifecycleRecord, alive bool) string {
	switch {
	case r == nil:
		return fmt.Sprintf("%-10s never started\n", component)
	case r.StoppedAt == nil && alive:
		return fmt.Sprintf("%-10s %s (pid %d, started %s)\n", component,
			colorize(colorGreen, "running"), r.PID, formatRelativeTime(r.StartedAt))
	case r.Crashed():
		return fmt.Sprintf("%-10s %s (pid %d, started %s)\n", component,
			colorize(colorRed, "did not shut down cleanly"), r.PID, formatRelativeTime(r.StartedAt))
	default:
		return fmt.Sprintf("%-10s stopped cleanly %s\n", component, formatRelativeTime(*r.StoppedAt))
	}
}

// formatRelativeTime renders t relative to now, e.g. "3 hours ago".
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if time.Since(t) < time.Minute {
		return "just now"
	}
	return humanize.Time(t)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
