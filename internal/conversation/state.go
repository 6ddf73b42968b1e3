// Package conversation holds the immutable per-session conversation state
// and the stores that keep it between turns.
package conversation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/danshapiro/termgpt/internal/llm"
)

// MaxMessages is the hard cap on one conversation's history.
const MaxMessages = 1000

// MaxSessionIDLen bounds session identifiers.
const MaxSessionIDLen = 100

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrExists          = errors.New("conversation already exists")
	ErrTooManyMessages = fmt.Errorf("conversation too long (>%d messages)", MaxMessages)
)

var sessionIDRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// InvalidSessionIDError reports a session id that fails validation.
type InvalidSessionIDError struct {
	SessionID string
	Reason    string
}

func (e *InvalidSessionIDError) Error() string {
	return fmt.Sprintf("invalid session id %q: %s", e.SessionID, e.Reason)
}

func ValidateSessionID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return &InvalidSessionIDError{SessionID: id, Reason: "session id cannot be empty"}
	case len(id) > MaxSessionIDLen:
		return &InvalidSessionIDError{SessionID: id, Reason: fmt.Sprintf("longer than %d characters", MaxSessionIDLen)}
	case !sessionIDRE.MatchString(id):
		return &InvalidSessionIDError{SessionID: id, Reason: "only letters, digits, '-' and '_' are allowed"}
	}
	return nil
}

// State is one conversation. Every With* method returns a new State and
// leaves the receiver untouched, so a State can be shared between goroutines
// once built.
type State struct {
	sessionID      string
	messages       []llm.Message
	createdAt      time.Time
	updatedAt      time.Time
	toolCycleCount int
	awaitingUser   bool
	activeTask     string
}

// New starts an empty conversation.
func New(sessionID string, now time.Time) (State, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return State{}, err
	}
	now = now.UTC()
	return State{sessionID: sessionID, createdAt: now, updatedAt: now}, nil
}

func (s State) SessionID() string    { return s.sessionID }
func (s State) CreatedAt() time.Time { return s.createdAt }
func (s State) UpdatedAt() time.Time { return s.updatedAt }
func (s State) ToolCycleCount() int  { return s.toolCycleCount }
func (s State) AwaitingUser() bool   { return s.awaitingUser }
func (s State) ActiveTask() string   { return s.activeTask }
func (s State) Len() int             { return len(s.messages) }
func (s State) IsZero() bool         { return s.sessionID == "" }

// Messages returns a copy of the history.
func (s State) Messages() []llm.Message {
	return cloneMessages(s.messages)
}

// Last returns the most recent message.
func (s State) Last() (llm.Message, bool) {
	if len(s.messages) == 0 {
		return llm.Message{}, false
	}
	return s.messages[len(s.messages)-1].Clone(), true
}

// WithMessage appends one validated message.
func (s State) WithMessage(m llm.Message, now time.Time) (State, error) {
	return s.WithMessages(now, m)
}

// WithMessages appends msgs in order. A message stamped earlier than its
// predecessor is re-stamped to the predecessor's time so the history stays
// chronological.
func (s State) WithMessages(now time.Time, msgs ...llm.Message) (State, error) {
	if len(s.messages)+len(msgs) > MaxMessages {
		return s, ErrTooManyMessages
	}
	out := s.clone()
	out.messages = make([]llm.Message, len(s.messages), len(s.messages)+len(msgs))
	copy(out.messages, s.messages)
	for _, m := range msgs {
		next, err := appendChecked(out.messages, m)
		if err != nil {
			return s, err
		}
		out.messages = next
	}
	out.touch(now)
	return out, nil
}

// ReplaceMessages swaps the whole history, as done by context management.
func (s State) ReplaceMessages(msgs []llm.Message, now time.Time) (State, error) {
	if len(msgs) > MaxMessages {
		return s, ErrTooManyMessages
	}
	out := s.clone()
	out.messages = make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		next, err := appendChecked(out.messages, m)
		if err != nil {
			return s, err
		}
		out.messages = next
	}
	out.touch(now)
	return out, nil
}

func (s State) WithToolCycleCount(n int) State {
	out := s.clone()
	out.toolCycleCount = n
	return out
}

func (s State) WithAwaitingUser(v bool) State {
	out := s.clone()
	out.awaitingUser = v
	return out
}

func (s State) WithActiveTask(task string) State {
	out := s.clone()
	out.activeTask = task
	return out
}

// Summary describes a conversation without its messages.
type Summary struct {
	SessionID           string    `json:"session_id"`
	MessageCount        int       `json:"message_count"`
	LastActivity        time.Time `json:"last_activity"`
	CreatedAt           time.Time `json:"created_at"`
	TotalTokensEstimate int       `json:"total_tokens_estimate"`
	ToolCycleCount      int       `json:"tool_cycle_count"`
	AwaitingUser        bool      `json:"awaiting_user"`
}

func (s State) Summary() Summary {
	return Summary{
		SessionID:           s.sessionID,
		MessageCount:        len(s.messages),
		LastActivity:        s.updatedAt,
		CreatedAt:           s.createdAt,
		TotalTokensEstimate: EstimateTokens(s.messages),
		ToolCycleCount:      s.toolCycleCount,
		AwaitingUser:        s.awaitingUser,
	}
}

// EstimateTokens approximates token usage as total content characters / 4.
func EstimateTokens(msgs []llm.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return chars / 4
}

func (s State) clone() State {
	out := s
	out.messages = s.messages[:len(s.messages):len(s.messages)]
	return out
}

func (s *State) touch(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	s.updatedAt = now.UTC()
}

func appendChecked(msgs []llm.Message, m llm.Message) ([]llm.Message, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m = m.Clone()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if n := len(msgs); n > 0 && m.Timestamp.Before(msgs[n-1].Timestamp) {
		m.Timestamp = msgs[n-1].Timestamp
	}
	return append(msgs, m), nil
}

func cloneMessages(in []llm.Message) []llm.Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]llm.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
