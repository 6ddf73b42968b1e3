package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
)

// ErrMissingToolCallID means the model asked for a tool without an id. The
// result could not be linked back to the request, so the turn is abandoned.
var ErrMissingToolCallID = errors.New("tool call is missing an id")

// ProtocolError is fatal for the turn it occurs in.
type ProtocolError struct {
	SessionID string
	ToolName  string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("protocol error in session %s (tool %s): %v", e.SessionID, e.ToolName, e.Err)
	}
	return fmt.Sprintf("protocol error in session %s: %v", e.SessionID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func checkToolCallIDs(sessionID string, calls []llm.ToolCall) error {
	for _, tc := range calls {
		if strings.TrimSpace(tc.ID) == "" {
			return &ProtocolError{SessionID: sessionID, ToolName: tc.Name, Err: ErrMissingToolCallID}
		}
	}
	return nil
}

// executeTools runs calls in order and returns one tool message per call.
// Plugin failures become error payloads the model can read.
func (o *Orchestrator) executeTools(ctx context.Context, sessionID string, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, 0, len(calls))
	for _, tc := range calls {
		out = append(out, llm.ToolResult(tc.ID, tc.Name, o.executeTool(ctx, sessionID, tc)))
	}
	return out
}

func (o *Orchestrator) executeTool(ctx context.Context, sessionID string, tc llm.ToolCall) string {
	start := o.now()
	result, err := o.invoke(ctx, tc)
	dur := o.now().Sub(start)

	data := map[string]any{
		"plugin_name":  tc.Name,
		"tool_call_id": tc.ID,
		"success":      err == nil,
		"duration_ms":  dur.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		o.logger.Error("plugin execution failed", "session_id", sessionID, "plugin_name", tc.Name, "error", err)
		o.notifier.Notify(events.New(events.KindPluginExecuted, sessionID, data))
		return errorBody(tc.Name, err)
	}
	o.logger.Info("plugin executed", "session_id", sessionID, "plugin_name", tc.Name, "duration_ms", dur.Milliseconds())
	o.notifier.Notify(events.New(events.KindPluginExecuted, sessionID, data))

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorBody(tc.Name, fmt.Errorf("encode result: %w", err))
	}
	return string(b)
}

func (o *Orchestrator) invoke(ctx context.Context, tc llm.ToolCall) (map[string]any, error) {
	args, err := tc.ArgumentsMap()
	if err != nil {
		return nil, err
	}
	return o.plugins.Invoke(ctx, tc.Name, args)
}

func errorBody(name string, err error) string {
	b, _ := json.MarshalIndent(map[string]string{
		"error":       err.Error(),
		"plugin_name": name,
	}, "", "  ")
	return string(b)
}

// cycleFingerprint identifies a tool cycle by its (name, arguments) set,
// independent of call order and ids.
func cycleFingerprint(calls []llm.ToolCall) string {
	parts := make([]string, len(calls))
	for i, tc := range calls {
		parts[i] = tc.Name + "\x00" + strings.TrimSpace(tc.Arguments)
	}
	sort.Strings(parts)
	sum := blake3.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:16])
}

// loopGuard flags a tool cycle identical to an earlier one in the same turn.
type loopGuard struct {
	seen map[string]int
}

func (g *loopGuard) repeated(fp string) (int, bool) {
	if g.seen == nil {
		g.seen = map[string]int{}
	}
	g.seen[fp]++
	return g.seen[fp], g.seen[fp] > 1
}

func (o *Orchestrator) checkLoop(g *loopGuard, sessionID string, calls []llm.ToolCall) {
	fp := cycleFingerprint(calls)
	n, dup := g.repeated(fp)
	if !dup {
		return
	}
	o.logger.Warn("repeated tool cycle", "session_id", sessionID, "fingerprint", fp, "repeats", n)
	o.notifier.Notify(events.New(events.KindConversationWarning, sessionID, map[string]any{
		"warning":     "repeated tool cycle",
		"fingerprint": fp,
		"repeats":     n,
	}))
}
