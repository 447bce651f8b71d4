package server

import (
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
)

// initializeTemplateFuncs sets up custom template functions.
func initializeTemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"formatBytes":    formatBytes,
		"formatBytes64":  formatBytes64,
		"formatTime":     formatTime,
		"formatTimePtr":  formatTimePtr,
		"formatDuration": formatDuration,
		"timeAgo":        timeAgo,
		"statusClass":    statusClass,
	}
}

// formatBytes converts a byte count to a human-readable IEC size.
func formatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// formatBytes64 is formatBytes for signed database columns.
func formatBytes64(bytes int64) string {
	if bytes < 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(bytes))
}

// formatTime formats a time.Time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// timeAgo renders t relative to now ("3 minutes ago").
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// statusClass maps a transfer status to a badge class.
func statusClass(status string) string {
	switch status {
	case "running":
		return "badge-info"
	case "done":
		return "badge-success"
	case "stopped":
		return "badge-warning"
	default:
		return "badge-muted"
	}
}
