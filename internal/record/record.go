// Package record defines the span record shared by the queue file and the
// collector wire protocol, plus the line codec used for both.
package record

import (
	"time"
	"unicode/utf8"
)

// Status is the terminal status of a span.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// TruncationMarker is appended to input/output strings that were cut at the
// capture limit.
const TruncationMarker = "...[truncated]"

// Span is one closed span record. The on-disk and wire formats are identical:
// one JSON object per line, no enclosing array on disk.
//
// A span with no EndTime is still open and exists only in memory; only closed
// spans may be encoded.
type Span struct {
	TraceID   string         `json:"traceId"`
	SpanID    string         `json:"spanId"`
	ParentID  *string        `json:"parentId"`
	Name      string         `json:"name"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	Duration  *int64         `json:"duration,omitempty"` // milliseconds
	Tokens    int            `json:"tokens"`
	Cost      float64        `json:"cost"`
	Model     string         `json:"model"`
	Provider  string         `json:"provider"`
	Input     string         `json:"input"`
	Output    string         `json:"output"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

// Closed reports whether the span has ended.
func (s *Span) Closed() bool {
	return s.EndTime != nil
}

// Age returns how long ago the span started.
func (s *Span) Age(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// Truncate caps s at max bytes, cutting on a rune boundary and appending
// TruncationMarker when anything was removed.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}
