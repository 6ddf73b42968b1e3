// Package events carries fire-and-forget notifications about conversations
// to pluggable sinks.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/termgpt/internal/llm"
)

type Kind string

const (
	KindConversationStarted Kind = "conversation_started"
	KindConversationEnded   Kind = "conversation_ended"
	KindUserMessage         Kind = "user_message"
	KindAssistantMessage    Kind = "assistant_message"
	KindPluginExecuted      Kind = "plugin_executed"
	KindLLMCall             Kind = "llm_call"
	KindConversationError   Kind = "conversation_error"
	KindConversationWarning Kind = "conversation_warning"
)

type Event struct {
	ID        string         `json:"id" msgpack:"id" cbor:"id"`
	Kind      Kind           `json:"kind" msgpack:"kind" cbor:"kind"`
	SessionID string         `json:"session_id,omitempty" msgpack:"session_id,omitempty" cbor:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	Data      map[string]any `json:"data,omitempty" msgpack:"data,omitempty" cbor:"data,omitempty"`
}

// New stamps an event with a fresh ULID and the current time.
func New(kind Kind, sessionID string, data map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// FromUsage converts an LLM client usage report into an llm_call event.
func FromUsage(u llm.UsageEvent) Event {
	data := map[string]any{
		"provider":    u.Provider,
		"model":       u.Model,
		"tokens":      u.Tokens,
		"success":     u.Success,
		"duration_ms": u.Duration.Milliseconds(),
		"attempts":    u.Attempts,
	}
	if u.Err != nil {
		data["error"] = u.Err.Error()
		data["error_kind"] = llm.ErrorKind(u.Err)
	}
	return New(KindLLMCall, "", data)
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(ev Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(Event) {})

func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}
