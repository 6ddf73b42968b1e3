package openaicompat

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/danshapiro/termgpt/internal/llm"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Tools       []any         `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Error   *wireError   `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) toLLM() *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// wireError is the provider error envelope, used both for non-2xx bodies and
// for in-band stream errors. Code may be a number or a string.
type wireError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

func (e *wireError) codeString() string {
	if e == nil || len(e.Code) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(e.Code, &n); err == nil {
		return n.String()
	}
	return ""
}

type streamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage,omitempty"`
	Error   *wireError     `json:"error,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
}

type streamToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function *streamToolFunction `json:"function,omitempty"`
}

type streamToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func toChatRequest(req llm.Request, stream bool) chatRequest {
	temp, maxTok, topP := req.Sampling()
	out := chatRequest{
		Model:       req.Model,
		Messages:    toChatMessages(req.Messages),
		Temperature: temp,
		MaxTokens:   maxTok,
		TopP:        topP,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]any, 0, len(req.Tools))
		for _, td := range req.Tools {
			out.Tools = append(out.Tools, td.Wire())
		}
		out.ToolChoice = "auto"
		if req.ToolChoice != nil && strings.TrimSpace(req.ToolChoice.Mode) != "" {
			out.ToolChoice = strings.ToLower(strings.TrimSpace(req.ToolChoice.Mode))
		}
	}
	return out
}

func toChatMessages(msgs []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		entry := chatMessage{Role: string(m.Role)}
		content := m.Content
		if m.Role == llm.RoleAssistant && content == "" && len(m.ToolCalls) > 0 {
			entry.Content = nil
		} else {
			entry.Content = &content
		}
		if m.Role == llm.RoleTool {
			entry.Name = m.Name
			entry.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			entry.ToolCalls = append(entry.ToolCalls, chatToolCall{
				ID:   tc.ID,
				Type: firstNonEmpty(tc.Type, "function"),
				Function: chatFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, entry)
	}
	return out
}

func fromChatResponse(provider, model string, raw chatResponse) (llm.Response, error) {
	if raw.Error != nil {
		return llm.Response{}, llm.ErrorFromCode(provider, raw.Error.codeString(), raw.Error.Message, raw)
	}
	if len(raw.Choices) == 0 {
		return llm.Response{}, llm.NewResponseError(provider, "chat.completions response missing choices")
	}
	choice := raw.Choices[0]
	resp := llm.Response{
		Model:        firstNonEmpty(raw.Model, model),
		Provider:     provider,
		FinishReason: strings.TrimSpace(choice.FinishReason),
		Usage:        raw.Usage.toLLM(),
	}
	if choice.Message.Content != nil {
		resp.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        strings.TrimSpace(tc.ID),
			Type:      firstNonEmpty(tc.Type, "function"),
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = "tool_calls"
		}
	}
	return resp, nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return strings.TrimSpace(b)
}

func syntheticCallID(index int, ms int64) string {
	return "call_" + strconv.Itoa(index) + "_" + strconv.FormatInt(ms, 10)
}
