package telemetry

import "time"

// EventType enumerates telemetry event kinds.
type EventType string

const (
	EventLog        EventType = "log"
	EventProgress   EventType = "progress"
	EventScreenshot EventType = "screenshot"
	EventComplete   EventType = "complete"
	EventCustom     EventType = "custom"
)

// CodeTerminated marks a pipeline stopped on request.
const CodeTerminated = "TERMINATED"

// Event is one entry of a session topic. Sequence numbers start at 1 and increase by one per
// published event.
type Event struct {
	SessionID string         `json:"session_id"`
	Sequence  uint64         `json:"sequence"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// LogEvent carries a log line for live viewers.
func LogEvent(level, message string) Event {
	return Event{Type: EventLog, Payload: map[string]any{"level": level, "message": message}}
}

// ProgressEvent reports how many posts have been processed.
func ProgressEvent(current, total int, message string) Event {
	return Event{Type: EventProgress, Payload: map[string]any{"current": current, "total": total, "message": message}}
}

// CompleteEvent ends a pipeline run. Code is optional.
func CompleteEvent(success bool, code string) Event {
	payload := map[string]any{"success": success}
	if code != "" {
		payload["code"] = code
	}
	return Event{Type: EventComplete, Payload: payload}
}

// ScreenshotEvent forwards a browser screenshot.
func ScreenshotEvent(image string, postIndex int) Event {
	return Event{Type: EventScreenshot, Payload: map[string]any{"image": image, "post_index": postIndex}}
}

// CustomEvent broadcasts an arbitrary named payload.
func CustomEvent(name string, data map[string]any) Event {
	return Event{Type: EventCustom, Payload: map[string]any{"name": name, "data": data}}
}

// ParseEventType validates a raw event type.
func ParseEventType(raw string) (EventType, bool) {
	switch value := EventType(raw); value {
	case EventLog, EventProgress, EventScreenshot, EventComplete, EventCustom:
		return value, true
	}
	return "", false
}
