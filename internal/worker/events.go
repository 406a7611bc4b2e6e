package worker

import (
	"encoding/json"
	"strings"
)

// StreamEvent is one parsed line of the worker's line-delimited JSON
// output. The pool cares about three types: "session" (persist the
// continuation token), "result" (dispatch text to the owning channel,
// possibly several per turn) and "done" (turn boundary).
type StreamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Event types on the worker stream.
const (
	EventSession = "session"
	EventResult  = "result"
	EventDone    = "done"
)

// ResultText renders the result payload as text. Structured non-text
// results are JSON-stringified.
func (e *StreamEvent) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	return string(e.Result)
}

// turnRequest is the JSON line written to the worker's stdin to start a
// turn.
type turnRequest struct {
	Type      string `json:"type"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	internalOpen  = "<internal>"
	internalClose = "</internal>"
)

// StripInternal removes everything wrapped between the literal markers
// <internal> … </internal>. An unterminated open marker strips through the
// end of the string, so internal content can never leak on a truncated
// stream. The result is space-trimmed.
func StripInternal(s string) string {
	for {
		start := strings.Index(s, internalOpen)
		if start < 0 {
			break
		}
		rest := s[start+len(internalOpen):]
		end := strings.Index(rest, internalClose)
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + rest[end+len(internalClose):]
	}
	return strings.TrimSpace(s)
}
