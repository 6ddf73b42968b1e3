package contextwindow

import (
	"context"
	"log/slog"
	"time"

	"github.com/danshapiro/termgpt/internal/conversation"
	"github.com/danshapiro/termgpt/internal/llm"
)

type Action string

const (
	ActionNone       Action = "none"
	ActionTruncated  Action = "truncated"
	ActionSummarized Action = "summarized"
)

// Outcome reports what Manage did. Err holds a summarization failure that
// was absorbed by falling back to truncation.
type Outcome struct {
	Action  Action
	Before  int
	After   int
	Summary *Summary
	Err     error
}

type Manager struct {
	cfg        Config
	summarizer *Summarizer
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSummarizer overrides the summarizer built from the client passed to
// NewManager.
func WithSummarizer(s *Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// NewManager builds a manager. client may be nil, in which case summaries
// are heuristic only.
func NewManager(cfg Config, client Completer, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.summarizer == nil {
		m.summarizer = NewSummarizer(m.cfg, client, m.logger)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// Window applies the sliding window to msgs.
func (m *Manager) Window(msgs []llm.Message) []llm.Message {
	return Window(msgs, m.cfg.SlidingWindowSize)
}

// ShouldSummarize reports whether a history of n messages would be
// summarized rather than truncated.
func (m *Manager) ShouldSummarize(n int) bool {
	return m.cfg.EnableSummarization && m.summarizer.ShouldSummarize(n)
}

// Manage shrinks st when it holds more than MaxConversationLength messages.
// The returned state never exceeds that length.
func (m *Manager) Manage(ctx context.Context, st conversation.State) (conversation.State, Outcome) {
	n := st.Len()
	out := Outcome{Action: ActionNone, Before: n, After: n}
	if n <= m.cfg.MaxConversationLength {
		return st, out
	}
	msgs := st.Messages()
	now := m.now()

	if m.ShouldSummarize(n) {
		next, sum, err := m.summarize(ctx, st, msgs, now)
		if err == nil {
			out.Action = ActionSummarized
			out.After = next.Len()
			out.Summary = &sum
			m.logger.Info("conversation summarized", "session_id", st.SessionID(), "before", n, "after", out.After)
			return next, out
		}
		out.Err = err
		m.logger.Warn("summarization failed, truncating", "session_id", st.SessionID(), "error", err)
	}

	next, err := st.ReplaceMessages(Truncate(msgs, m.cfg.MaxConversationLength), now)
	if err != nil {
		// Only reachable if st itself was invalid.
		out.Err = err
		return st, out
	}
	out.Action = ActionTruncated
	out.After = next.Len()
	m.logger.Info("conversation truncated", "session_id", st.SessionID(), "before", n, "after", out.After)
	return next, out
}

func (m *Manager) summarize(ctx context.Context, st conversation.State, msgs []llm.Message, now time.Time) (conversation.State, Summary, error) {
	sum, kept, err := m.summarizer.Summarize(ctx, msgs, now)
	if err != nil {
		return st, Summary{}, err
	}
	if len(kept)+1 > m.cfg.MaxConversationLength {
		kept = kept[len(kept)+1-m.cfg.MaxConversationLength:]
	}
	head := sum.ToMessage()
	if len(kept) > 0 && kept[0].Timestamp.Before(head.Timestamp) {
		head.Timestamp = kept[0].Timestamp
	}
	next, err := st.ReplaceMessages(append([]llm.Message{head}, kept...), now)
	if err != nil {
		return st, Summary{}, err
	}
	return next, sum, nil
}
