package contextwindow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danshapiro/termgpt/internal/llm"
)

const (
	synopsisTemperature = 0.3
	synopsisMaxTokens   = 200
)

// Completer is the slice of the LLM client the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Summarizer condenses long histories. A nil client always produces the
// heuristic summary.
type Summarizer struct {
	cfg    Config
	client Completer
	logger *slog.Logger
}

func NewSummarizer(cfg Config, client Completer, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Summarizer{cfg: cfg.withDefaults(), client: client, logger: logger}
}

// ShouldSummarize reports whether n messages warrant a summary.
func (s *Summarizer) ShouldSummarize(n int) bool {
	if n < s.cfg.MinMessages {
		return false
	}
	return float64(n)/float64(s.cfg.MaxConversationLength) >= s.cfg.SummarizationThreshold
}

// Summarize extracts the preserved context, asks the model for a synopsis
// (falling back to a heuristic one) and selects the recent messages to keep.
func (s *Summarizer) Summarize(ctx context.Context, msgs []llm.Message, now time.Time) (Summary, []llm.Message, error) {
	if len(msgs) == 0 {
		return Summary{}, nil, fmt.Errorf("nothing to summarize")
	}
	preserved := s.cfg.Extract(msgs)
	text := s.synopsis(ctx, msgs, preserved)
	sum := Summary{
		Text:                 text,
		Preserved:            preserved,
		Timestamp:            now.UTC(),
		OriginalMessageCount: len(msgs),
	}
	kept := s.cfg.Select(msgs)
	s.logger.Debug("summary built",
		"messages", len(msgs),
		"kept", len(kept),
		"summary_len", len(text),
	)
	return sum, kept, nil
}

func (s *Summarizer) synopsis(ctx context.Context, msgs []llm.Message, preserved PreservedContext) string {
	if s.client == nil {
		return fallbackSummary(msgs, preserved)
	}
	prompt, err := s.prompt(msgs, preserved)
	if err != nil {
		return fallbackSummary(msgs, preserved)
	}
	temp, maxTok := synopsisTemperature, synopsisMaxTokens
	resp, err := s.client.Complete(ctx, llm.Request{
		Provider:    s.cfg.Provider,
		Model:       s.cfg.Model,
		Messages:    []llm.Message{llm.User(prompt)},
		Temperature: &temp,
		MaxTokens:   &maxTok,
	})
	if err != nil {
		s.logger.Warn("synopsis request failed, using heuristic summary", "error", err)
		return fallbackSummary(msgs, preserved)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return fallbackSummary(msgs, preserved)
	}
	if len([]rune(text)) > s.cfg.MaxSummaryLength {
		text = strings.TrimSpace(clip(text, s.cfg.MaxSummaryLength)) + "..."
	}
	return text
}

func (s *Summarizer) prompt(msgs []llm.Message, preserved PreservedContext) (string, error) {
	bundle, err := json.MarshalIndent(preserved, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Please create a concise summary of this conversation for context preservation.\n\n")
	b.WriteString("Conversation Preview (Last 10 Messages):\n")
	b.WriteString(previewLines(msgs))
	b.WriteString("\n\nPreserved Context:\n")
	b.Write(bundle)
	b.WriteString("\n\nPlease create a summary that:\n")
	b.WriteString("1. Captures the main topics discussed\n")
	b.WriteString("2. Preserves important user preferences and context\n")
	fmt.Fprintf(&b, "3. Is concise (under %d characters)\n", s.cfg.MaxSummaryLength)
	b.WriteString("4. Maintains conversation continuity\n\nSummary:")
	return b.String(), nil
}
