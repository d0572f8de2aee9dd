package sentry_gateway

// CaptureOptions are per-call overrides for a single event
type CaptureOptions struct {
	// Function call that caused the event
	Culprit string `json:"culprit,omitempty"`
	// Event level, the client default is used when empty
	Level string `json:"level,omitempty"`
	// Additional metadata stored with the event
	Extra map[string]any `json:"extra,omitempty"`
}

// EventContext carries caller supplied context for a single event
type EventContext struct {
	User     map[string]string         `json:"user,omitempty"`
	Tags     map[string]string         `json:"tags,omitempty"`
	Contexts map[string]map[string]any `json:"contexts,omitempty"`
}

// Result is the outcome of a capture call. A zero Result means the event
// was not captured.
type Result struct {
	EventID  string `json:"event_id,omitempty"`
	Captured bool   `json:"captured"`
}

// NotCaptured is returned when environment gating or the client dropped an event.
var NotCaptured = Result{}

func captured(eventID string) Result {
	if eventID == "" {
		return NotCaptured
	}
	return Result{EventID: eventID, Captured: true}
}

// LogEntry is a single record flushed by the host logging subsystem
type LogEntry struct {
	Message  string `json:"message"`
	Level    string `json:"level"`
	Category string `json:"category"`
	// Seconds since the Unix epoch
	Timestamp float64 `json:"timestamp"`
}

// EntryResult is the outcome of routing a single log entry
type EntryResult struct {
	Result
	Skipped bool
	Err     error
}
