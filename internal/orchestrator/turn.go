package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/danshapiro/termgpt/internal/conversation"
	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
)

var errEmptyReply = errors.New("model returned an empty reply")

// turn holds one user turn in flight. base already contains the user
// message; pending holds completed tool cycles. Nothing reaches the store
// until the turn ends.
type turn struct {
	sessionID string
	base      conversation.State
	pending   []llm.Message
	cycles    int
	guard     loopGuard
}

func (t *turn) messages() []llm.Message {
	return append(t.base.Messages(), t.pending...)
}

// ProcessUserMessage runs one blocking turn and returns the reply. The error
// is non-nil only when the input is rejected, in which case the conversation
// is unchanged; every other failure becomes an apology reply.
func (o *Orchestrator) ProcessUserMessage(ctx context.Context, sessionID, text string) (string, error) {
	st, err := o.begin(ctx, sessionID, text)
	if err != nil {
		return "", err
	}
	if o.terminal.Match(text) {
		return o.finishTerminal(ctx, st, text)
	}
	t, err := o.startTurn(st, text)
	if err != nil {
		return "", err
	}

	for iter := 0; iter < o.maxIterations; iter++ {
		resp, err := o.client.Complete(ctx, o.request(t.messages(), true))
		if err != nil {
			return o.abort(ctx, t, "llm", err), nil
		}
		if !resp.HasToolCalls() {
			return o.finish(ctx, t, resp.Content), nil
		}
		if err := o.toolCycle(ctx, t, resp); err != nil {
			return o.abort(ctx, t, "protocol", err), nil
		}
	}
	return o.exhausted(ctx, t, o.maxIterations), nil
}

func (o *Orchestrator) begin(ctx context.Context, sessionID, text string) (conversation.State, error) {
	if err := conversation.ValidateSessionID(sessionID); err != nil {
		return conversation.State{}, err
	}
	if strings.TrimSpace(text) == "" {
		return conversation.State{}, ErrEmptyMessage
	}
	return o.load(ctx, sessionID)
}

func (o *Orchestrator) startTurn(st conversation.State, text string) (*turn, error) {
	base, err := st.WithMessage(llm.User(text), o.now())
	if err != nil {
		return nil, err
	}
	o.notify(events.KindUserMessage, st.SessionID(), map[string]any{"content_length": len(text)})
	return &turn{
		sessionID: st.SessionID(),
		base:      base.WithAwaitingUser(false).WithToolCycleCount(0),
	}, nil
}

func (o *Orchestrator) toolCycle(ctx context.Context, t *turn, resp llm.Response) error {
	if err := checkToolCallIDs(t.sessionID, resp.ToolCalls); err != nil {
		return err
	}
	o.checkLoop(&t.guard, t.sessionID, resp.ToolCalls)
	t.pending = append(t.pending, llm.AssistantToolCalls(resp.Content, resp.ToolCalls))
	t.pending = append(t.pending, o.executeTools(ctx, t.sessionID, resp.ToolCalls)...)
	t.cycles++
	return nil
}

// finish commits the turn with content as the final assistant reply.
func (o *Orchestrator) finish(ctx context.Context, t *turn, content string) string {
	if strings.TrimSpace(content) == "" {
		return o.abort(ctx, t, "llm", errEmptyReply)
	}
	msgs := append(t.pending, llm.Assistant(content))
	st, err := t.base.WithMessages(o.now(), msgs...)
	if err != nil {
		return o.abort(ctx, t, "state", err)
	}
	o.commit(ctx, st.WithToolCycleCount(t.cycles).WithAwaitingUser(true))
	o.notify(events.KindAssistantMessage, t.sessionID, map[string]any{
		"content_length": len(content),
		"tool_cycles":    t.cycles,
	})
	return content
}

func (o *Orchestrator) exhausted(ctx context.Context, t *turn, limit int) string {
	o.logger.Warn("max iterations reached", "session_id", t.sessionID, "max_iterations", limit)
	o.notify(events.KindConversationWarning, t.sessionID, map[string]any{
		"warning":        "max iterations reached",
		"max_iterations": limit,
	})
	return o.finish(ctx, t, TooComplexReply)
}

// abort drops the turn's tool cycles, keeps the user message and returns
// the apology.
func (o *Orchestrator) abort(ctx context.Context, t *turn, stage string, err error) string {
	o.logger.Error("turn failed", "session_id", t.sessionID, "stage", stage, "error", err)
	data := map[string]any{
		"error_type":    stage,
		"error_message": err.Error(),
	}
	if stage == "llm" {
		data["error_kind"] = llm.ErrorKind(err)
	}
	o.notify(events.KindConversationError, t.sessionID, data)
	o.put(ctx, t.base.WithToolCycleCount(0).WithAwaitingUser(true))
	return ApologyReply
}

// cancel drops a turn whose caller went away.
func (o *Orchestrator) cancel(ctx context.Context, t *turn) {
	o.logger.Info("turn cancelled", "session_id", t.sessionID, "tool_cycles", t.cycles)
	o.put(ctx, t.base.WithToolCycleCount(0).WithAwaitingUser(true))
}

func (o *Orchestrator) finishTerminal(ctx context.Context, st conversation.State, text string) (string, error) {
	reply := o.farewell()
	next, err := st.WithMessages(o.now(), llm.User(text), llm.Assistant(reply))
	if err != nil {
		return "", err
	}
	o.notify(events.KindUserMessage, st.SessionID(), map[string]any{"content_length": len(text)})
	o.commit(ctx, next.WithToolCycleCount(0).WithAwaitingUser(true))
	o.notify(events.KindAssistantMessage, st.SessionID(), map[string]any{
		"content_length": len(reply),
		"terminal":       true,
	})
	return reply, nil
}

// commit applies length management and stores st.
func (o *Orchestrator) commit(ctx context.Context, st conversation.State) {
	managed, outcome := o.window.Manage(ctx, st)
	if outcome.Err != nil {
		o.logger.Warn("context management fell back to truncation", "session_id", st.SessionID(), "error", outcome.Err)
	}
	o.put(ctx, managed)
}

func (o *Orchestrator) put(ctx context.Context, st conversation.State) {
	if err := o.store.Put(context.WithoutCancel(ctx), st); err != nil {
		o.logger.Error("store conversation", "session_id", st.SessionID(), "error", err)
		o.notify(events.KindConversationError, st.SessionID(), map[string]any{
			"error_type":    "store",
			"error_message": err.Error(),
		})
	}
}
