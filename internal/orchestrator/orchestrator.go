// Package orchestrator drives conversation turns: it calls the model, runs
// requested tools through the plugin registry, and decides when a turn ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/termgpt/internal/config"
	"github.com/danshapiro/termgpt/internal/contextwindow"
	"github.com/danshapiro/termgpt/internal/conversation"
	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/plugin"
)

const (
	DefaultMaxIterations       = 5
	DefaultStreamMaxIterations = 3

	TooComplexReply = "I'm sorry, but this conversation has become too complex. Please start a new conversation."
	ApologyReply    = "I apologize, but I'm having trouble generating a response right now. Please try again."
)

// ErrEmptyMessage rejects blank user input before any state changes.
var ErrEmptyMessage = errors.New("message content cannot be empty")

// Completer is the blocking half of the LLM client.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Streamer is implemented by clients that can stream. Clients without it are
// streamed as a single terminal chunk.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request) (llm.Stream, error)
}

type Orchestrator struct {
	client   Completer
	plugins  *plugin.Registry
	store    conversation.Store
	notifier events.Notifier
	window   *contextwindow.Manager
	logger   *slog.Logger
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	terminal     terminalMatcher
	farewells    []string
	systemPrompt string

	provider    string
	model       string
	temperature float64
	maxTokens   int

	maxIterations       int
	streamMaxIterations int
}

type Option func(*Orchestrator)

func WithStore(s conversation.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}

func WithNotifier(n events.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithContextManager(m *contextwindow.Manager) Option {
	return func(o *Orchestrator) { o.window = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRand sets the source used to pick farewells.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rng = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTerminalPhrases replaces the goodbye lists. exact phrases match the
// whole normalized message; prefixes also match "prefix <more words>".
func WithTerminalPhrases(exact, prefixes []string) Option {
	return func(o *Orchestrator) { o.terminal = newTerminalMatcher(exact, prefixes) }
}

func WithFarewells(replies ...string) Option {
	return func(o *Orchestrator) {
		if len(replies) > 0 {
			o.farewells = append([]string(nil), replies...)
		}
	}
}

// WithSystemPrompt seeds new conversations. An empty prompt seeds nothing.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = strings.TrimSpace(prompt) }
}

func WithModel(provider, model string) Option {
	return func(o *Orchestrator) {
		o.provider = provider
		o.model = model
	}
}

func WithSampling(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = temperature
		if maxTokens > 0 {
			o.maxTokens = maxTokens
		}
	}
}

// WithMaxIterations bounds model calls per turn for the blocking and the
// streaming entry points. Non-positive values keep the defaults.
func WithMaxIterations(blocking, streaming int) Option {
	return func(o *Orchestrator) {
		if blocking > 0 {
			o.maxIterations = blocking
		}
		if streaming > 0 {
			o.streamMaxIterations = streaming
		}
	}
}

func New(client Completer, plugins *plugin.Registry, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client is nil")
	}
	if plugins == nil {
		plugins = plugin.NewRegistry()
	}
	o := &Orchestrator{
		client:              client,
		plugins:             plugins,
		store:               conversation.NewMemoryStore(),
		notifier:            events.Nop,
		logger:              slog.New(slog.DiscardHandler),
		now:                 time.Now,
		rng:                 rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		terminal:            newTerminalMatcher(config.DefaultTerminalPhrases, config.DefaultTerminalPrefixes),
		farewells:           append([]string(nil), config.DefaultFarewells...),
		systemPrompt:        config.DefaultSystemPrompt,
		temperature:         llm.DefaultTemperature,
		maxTokens:           llm.DefaultMaxTokens,
		maxIterations:       DefaultMaxIterations,
		streamMaxIterations: DefaultStreamMaxIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.window == nil {
		o.window = contextwindow.NewManager(contextwindow.DefaultConfig(), client, contextwindow.WithLogger(o.logger))
	}
	return o, nil
}

// ConfigOptions translates the conversation and model settings of cfg.
func ConfigOptions(cfg *config.Config) []Option {
	opts := []Option{
		WithModel(cfg.LLM.Provider, cfg.LLM.Model),
		WithSystemPrompt(cfg.Conversation.SystemPrompt),
		WithMaxIterations(cfg.Conversation.MaxIterations, cfg.Conversation.StreamMaxIterations),
	}
	if cfg.LLM.Temperature != nil {
		opts = append(opts, WithSampling(*cfg.LLM.Temperature, cfg.LLM.MaxTokens))
	} else if cfg.LLM.MaxTokens > 0 {
		opts = append(opts, WithSampling(llm.DefaultTemperature, cfg.LLM.MaxTokens))
	}
	if len(cfg.Conversation.TerminalPhrases) > 0 || len(cfg.Conversation.TerminalPrefixes) > 0 {
		opts = append(opts, WithTerminalPhrases(cfg.Conversation.TerminalPhrases, cfg.Conversation.TerminalPrefixes))
	}
	if len(cfg.Conversation.Farewells) > 0 {
		opts = append(opts, WithFarewells(cfg.Conversation.Farewells...))
	}
	return opts
}

// ContextConfig maps the conversation settings onto the window manager.
func ContextConfig(cfg *config.Config) contextwindow.Config {
	cw := contextwindow.DefaultConfig()
	c := cfg.Conversation
	if c.MaxConversationLength > 0 {
		cw.MaxConversationLength = c.MaxConversationLength
	}
	if c.SlidingWindowSize > 0 {
		cw.SlidingWindowSize = c.SlidingWindowSize
	}
	cw.EnableSummarization = c.EnableSummarization
	if c.SummarizationThreshold > 0 {
		cw.SummarizationThreshold = c.SummarizationThreshold
	}
	if c.MaxSummaryLength > 0 {
		cw.MaxSummaryLength = c.MaxSummaryLength
	}
	cw.Provider = cfg.LLM.Provider
	cw.Model = cfg.LLM.Model
	return cw
}

func (o *Orchestrator) Plugins() *plugin.Registry { return o.plugins }

// StartConversation creates an empty conversation. It fails with
// conversation.ErrExists when the id is taken.
func (o *Orchestrator) StartConversation(ctx context.Context, sessionID string) (conversation.State, error) {
	st, err := o.newState(sessionID)
	if err != nil {
		return conversation.State{}, err
	}
	if err := o.store.Create(ctx, st); err != nil {
		return conversation.State{}, err
	}
	o.logger.Info("started new conversation", "session_id", sessionID)
	o.notify(events.KindConversationStarted, sessionID, nil)
	return st, nil
}

// EndConversation discards the conversation. Ending an unknown session is not
// an error.
func (o *Orchestrator) EndConversation(ctx context.Context, sessionID string) error {
	st, err := o.store.Get(ctx, sessionID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return err
	}
	o.logger.Info("conversation ended", "session_id", sessionID)
	o.notify(events.KindConversationEnded, sessionID, map[string]any{"message_count": st.Len()})
	return nil
}

func (o *Orchestrator) Conversation(ctx context.Context, sessionID string) (conversation.State, error) {
	return o.store.Get(ctx, sessionID)
}

func (o *Orchestrator) ListConversations(ctx context.Context) (map[string]conversation.Summary, error) {
	states, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]conversation.Summary, len(states))
	for _, st := range states {
		out[st.SessionID()] = st.Summary()
	}
	return out, nil
}

type Stats struct {
	ActiveConversations   int  `json:"active_conversations"`
	TotalMessages         int  `json:"total_messages"`
	MaxConversationLength int  `json:"max_conversation_length"`
	SlidingWindowSize     int  `json:"sliding_window_size"`
	SummarizationEnabled  bool `json:"summarization_enabled"`
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	states, err := o.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	cw := o.window.Config()
	s := Stats{
		ActiveConversations:   len(states),
		MaxConversationLength: cw.MaxConversationLength,
		SlidingWindowSize:     cw.SlidingWindowSize,
		SummarizationEnabled:  cw.EnableSummarization,
	}
	for _, st := range states {
		s.TotalMessages += st.Len()
	}
	return s, nil
}

func (o *Orchestrator) newState(sessionID string) (conversation.State, error) {
	now := o.now()
	st, err := conversation.New(sessionID, now)
	if err != nil {
		return conversation.State{}, err
	}
	if o.systemPrompt == "" {
		return st, nil
	}
	return st.WithMessage(llm.System(o.systemPrompt), now)
}

// load returns the session's state, creating it on first use.
func (o *Orchestrator) load(ctx context.Context, sessionID string) (conversation.State, error) {
	st, err := o.store.Get(ctx, sessionID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, conversation.ErrNotFound) {
		return conversation.State{}, err
	}
	st, err = o.StartConversation(ctx, sessionID)
	if errors.Is(err, conversation.ErrExists) {
		return o.store.Get(ctx, sessionID)
	}
	return st, err
}

func (o *Orchestrator) notify(kind events.Kind, sessionID string, data map[string]any) {
	o.notifier.Notify(events.New(kind, sessionID, data))
}

func (o *Orchestrator) request(msgs []llm.Message, withTools bool) llm.Request {
	temp, maxTok := o.temperature, o.maxTokens
	req := llm.Request{
		Provider:    o.provider,
		Model:       o.model,
		Messages:    dropOrphanToolResults(o.window.Window(msgs)),
		Temperature: &temp,
		MaxTokens:   &maxTok,
	}
	if withTools && o.plugins.Len() > 0 {
		req.Tools = o.plugins.ToolDefinitions()
		req.ToolChoice = &llm.ToolChoice{Mode: "auto"}
	}
	return req
}

// dropOrphanToolResults removes tool messages whose requesting assistant
// message fell outside the window.
func dropOrphanToolResults(msgs []llm.Message) []llm.Message {
	requested := map[string]bool{}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				requested[tc.ID] = true
			}
		case m.Role == llm.RoleTool && !requested[m.ToolCallID]:
			continue
		}
		out = append(out, m)
	}
	return out
}
