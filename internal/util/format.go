// Package util holds small formatting helpers shared by the command-line tools.
package util //nolint:revive // util is the established home for these helpers

import "time"

// FormatProcessingDuration formats a job duration for display. Zero or negative
// durations render as "-"; everything else is truncated to milliseconds.
func FormatProcessingDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Millisecond:
		return d.String()
	default:
		return d.Truncate(time.Millisecond).String()
	}
}
