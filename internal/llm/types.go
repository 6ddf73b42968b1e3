package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
	DefaultTopP        = 1.0
)

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Wire renders the chat-completions tool entry.
func (td ToolDefinition) Wire() map[string]any {
	params := td.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        td.Name,
			"description": td.Description,
			"parameters":  params,
		},
	}
}

var toolNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

func ValidateToolName(name string) error {
	if !toolNameRE.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	return nil
}

type ToolChoice struct {
	Mode string // auto|none|required
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Tokens() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

type Request struct {
	Provider    string
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "request model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request must contain at least one message"}
	}
	return nil
}

// Sampling returns temperature, max tokens and top_p with defaults applied.
func (r Request) Sampling() (float64, int, float64) {
	temp, maxTok, topP := DefaultTemperature, DefaultMaxTokens, DefaultTopP
	if r.Temperature != nil {
		temp = *r.Temperature
	}
	if r.MaxTokens != nil && *r.MaxTokens > 0 {
		maxTok = *r.MaxTokens
	}
	if r.TopP != nil {
		topP = *r.TopP
	}
	return temp, maxTok, topP
}

// Response is the normalized result of one model call. Streamed calls yield
// a sequence of partial responses; only the terminal one may carry ToolCalls.
type Response struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Provider     string     `json:"-"`
}

// Terminal reports whether the chunk ends a streamed response.
func (r Response) Terminal() bool { return r.FinishReason != "" }

func (r Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Message converts the response into an assistant message.
func (r Response) Message() Message {
	if len(r.ToolCalls) > 0 {
		return AssistantToolCalls(r.Content, r.ToolCalls)
	}
	return Assistant(r.Content)
}

// ErrStreamClosed is returned when a stream is used after Close.
var ErrStreamClosed = errors.New("stream closed")
