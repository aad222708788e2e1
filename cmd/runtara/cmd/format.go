package cmd

import (
	"fmt"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "cancelled":
		return colorRed + "⊘" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "suspended":
		return colorCyan + "◌" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed":
		return icon + " " + colorGreen + status + colorReset
	case "failed", "cancelled":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "pending", "suspended":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
