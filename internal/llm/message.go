package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MaxContentBytes bounds the trimmed content of a single message.
const MaxContentBytes = 100_000

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCall is a model-issued request to invoke a named tool. Arguments holds
// the raw JSON text exactly as the provider delivered it.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ArgumentsMap decodes Arguments as a JSON object. Empty arguments decode to
// an empty map.
func (tc ToolCall) ArgumentsMap() (map[string]any, error) {
	raw := strings.TrimSpace(tc.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("tool call %s: arguments are not a JSON object: %w", tc.ID, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Message is one entry of a conversation. Values are treated as immutable:
// constructors copy every slice they are handed.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewMessage trims content and validates the role-specific invariants.
func NewMessage(role Role, content string, name string, calls []ToolCall, toolCallID string, ts time.Time) (Message, error) {
	m := Message{
		Role:       role,
		Content:    strings.TrimSpace(content),
		Name:       strings.TrimSpace(name),
		ToolCalls:  cloneToolCalls(calls),
		ToolCallID: strings.TrimSpace(toolCallID),
		Timestamp:  ts,
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Validate() error {
	if !m.Role.Valid() {
		return &ValidationError{Field: "role", Message: fmt.Sprintf("invalid role %q", m.Role)}
	}
	if len(m.Content) > MaxContentBytes {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("content exceeds %d bytes", MaxContentBytes)}
	}
	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return &ValidationError{Field: "tool_call_id", Message: "tool message requires tool_call_id"}
		}
		if m.Name == "" {
			return &ValidationError{Field: "name", Message: "tool message requires name"}
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return &ValidationError{Field: "content", Message: "assistant message requires content or tool_calls"}
		}
		for _, tc := range m.ToolCalls {
			if strings.TrimSpace(tc.Name) == "" {
				return &ValidationError{Field: "tool_calls", Message: "tool call missing function name"}
			}
		}
		return nil
	}
	if m.Content == "" {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("%s message requires content", m.Role)}
	}
	return nil
}

// HasToolCalls reports whether the message requests tool invocations.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Clone returns a deep copy.
func (m Message) Clone() Message {
	m.ToolCalls = cloneToolCalls(m.ToolCalls)
	return m
}

// WithTimestamp returns a copy stamped with ts.
func (m Message) WithTimestamp(ts time.Time) Message {
	out := m.Clone()
	out.Timestamp = ts
	return out
}

func System(text string) Message {
	return Message{Role: RoleSystem, Content: strings.TrimSpace(text), Timestamp: time.Now().UTC()}
}

func User(text string) Message {
	return Message{Role: RoleUser, Content: strings.TrimSpace(text), Timestamp: time.Now().UTC()}
}

func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: strings.TrimSpace(text), Timestamp: time.Now().UTC()}
}

func AssistantToolCalls(text string, calls []ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   strings.TrimSpace(text),
		ToolCalls: cloneToolCalls(calls),
		Timestamp: time.Now().UTC(),
	}
}

func ToolResult(callID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    strings.TrimSpace(content),
		Name:       strings.TrimSpace(name),
		ToolCallID: strings.TrimSpace(callID),
		Timestamp:  time.Now().UTC(),
	}
}

func cloneToolCalls(in []ToolCall) []ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]ToolCall, len(in))
	copy(out, in)
	return out
}
