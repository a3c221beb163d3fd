package tui

import (
	"fmt"
	"strings"
	"time"
)

// humanError keeps the innermost message of a wrapped error chain:
// "monitor pass: reclaim stale tasks: database is locked" → "Database is locked".
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.LastIndex(msg, ": ")
	if idx == -1 || idx+2 >= len(msg) {
		return msg
	}
	inner := msg[idx+2:]
	return strings.ToUpper(inner[:1]) + inner[1:]
}

// SweepLine summarises a monitor pass for the dashboard.
func SweepLine(at time.Time, offline, reclaimed int, err error) string {
	line := fmt.Sprintf("%s · %d offline · %d reclaimed", at.Format("15:04:05"), offline, reclaimed)
	if err != nil {
		line += " · " + humanError(err)
	}
	return line
}
