package server

import (
	"time"

	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/orchestrator"
)

// ChatRequest is the POST /chat and POST /chat/stream body.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	// Status is "success", or "degraded" when the reply is the apology
	// given after a model failure.
	Status           string   `json:"status"`
	TokensUsed       int      `json:"tokens_used"`
	ToolsUsed        []string `json:"tools_used,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// StreamChunk is one SSE data frame of POST /chat/stream.
type StreamChunk struct {
	Content      string         `json:"content"`
	FinishReason string         `json:"finish_reason"`
	Model        string         `json:"model"`
	Usage        *llm.Usage     `json:"usage"`
	ToolCalls    []llm.ToolCall `json:"tool_calls"`
}

func chunkFrom(r llm.Response) StreamChunk {
	return StreamChunk{
		Content:      r.Content,
		FinishReason: r.FinishReason,
		Model:        r.Model,
		Usage:        r.Usage,
		ToolCalls:    r.ToolCalls,
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Timestamp time.Time         `json:"timestamp"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	orchestrator.Stats
	Plugins       []string            `json:"plugins"`
	EventFeeds    int                 `json:"event_feeds"`
	EventsDropped int64               `json:"events_dropped"`
	Usage         *events.UsageTotals `json:"usage,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
