package agentclient

import (
	"strings"
	"time"
)

// EventKind partitions the agent's event stream. Consumers treat streaming
// deltas differently from discrete lifecycle events (accumulate vs. append),
// and errors are delivered as events so subscribers observe failures without
// a separate channel.
type EventKind string

const (
	KindDelta     EventKind = "delta"
	KindLifecycle EventKind = "lifecycle"
	KindError     EventKind = "error"
)

// Event is the envelope the agent process emits for a session. The broker
// relays it unmodified apart from stamping SessionID.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ErrorEvent wraps an agent-side failure for a session into the regular
// event stream.
func ErrorEvent(sessionID string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{
		Kind:      KindError,
		Type:      "session.error",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Error:     msg,
	}
}

// eventFromParams decodes a session event notification payload.
func eventFromParams(params map[string]any) Event {
	ev := Event{Timestamp: time.Now()}
	if params == nil {
		return ev
	}
	if v, ok := params["session_id"].(string); ok {
		ev.SessionID = v
	}
	if v, ok := params["type"].(string); ok {
		ev.Type = v
	}
	if v, ok := params["kind"].(string); ok {
		ev.Kind = EventKind(v)
	}
	if v, ok := params["error"].(string); ok {
		ev.Error = v
	}
	if v, ok := params["payload"].(map[string]any); ok {
		ev.Payload = v
	}
	if v, ok := params["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ev.Timestamp = ts
		}
	}
	if ev.Kind == "" {
		ev.Kind = inferKind(ev)
	}
	return ev
}

func inferKind(ev Event) EventKind {
	if ev.Error != "" {
		return KindError
	}
	if strings.HasSuffix(ev.Type, ".delta") {
		return KindDelta
	}
	return KindLifecycle
}
