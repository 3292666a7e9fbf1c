package cli

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration formats a duration to a short human readable string
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := d.Seconds()
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs / 60)
	secs = secs - float64(mins*60)
	return fmt.Sprintf("%dm%.1fs", mins, secs)
}

// FormatTime formats a timestamp for table cells.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// OneLine collapses whitespace runs, newlines included, to single spaces.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
