package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/termgpt/internal/llm"
)

// Accumulator rebuilds complete tool calls from streamed fragments. Entries
// are keyed by the fragment index because providers omit the id after the
// first fragment of a call.
type Accumulator struct {
	calls map[int]*partialToolCall
	now   func() time.Time
}

type partialToolCall struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

func NewAccumulator(now func() time.Time) *Accumulator {
	if now == nil {
		now = time.Now
	}
	return &Accumulator{calls: map[int]*partialToolCall{}, now: now}
}

// Add merges one fragment. The name is overwritten; arguments are appended.
func (a *Accumulator) Add(frag streamToolCall) {
	p, ok := a.calls[frag.Index]
	if !ok {
		id := strings.TrimSpace(frag.ID)
		if id == "" {
			id = syntheticCallID(frag.Index, a.now().UnixMilli())
		}
		p = &partialToolCall{id: id, typ: "function"}
		a.calls[frag.Index] = p
	}
	if frag.Function == nil {
		return
	}
	if name := strings.TrimSpace(frag.Function.Name); name != "" {
		p.name = name
	}
	if frag.Function.Arguments != "" {
		p.args.WriteString(frag.Function.Arguments)
	}
}

// Pending reports how many tool calls are buffered.
func (a *Accumulator) Pending() int { return len(a.calls) }

// Flush returns the buffered calls ordered by index and resets the buffer.
func (a *Accumulator) Flush() []llm.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		p := a.calls[i]
		out = append(out, llm.ToolCall{
			ID:        p.id,
			Type:      p.typ,
			Name:      p.name,
			Arguments: p.args.String(),
		})
	}
	a.calls = map[int]*partialToolCall{}
	return out
}

// Reset discards buffered fragments without exposing them.
func (a *Accumulator) Reset() { a.calls = map[int]*partialToolCall{} }

type StreamOptions struct {
	Provider string
	Model    string
	Now      func() time.Time
}

// ParseStream consumes a chat-completions SSE body. Text deltas are emitted
// as soon as they arrive with no tool calls. Tool calls are emitted only on
// the terminal chunk of a finish_reason == "tool_calls" response, complete
// and in index order. Lines that are not JSON are skipped; an in-band error
// object aborts the stream. emit returning false stops parsing.
func ParseStream(ctx context.Context, r io.Reader, opts StreamOptions, emit func(llm.Response) bool) error {
	sc := llm.NewSSEScanner(r)
	acc := NewAccumulator(opts.Now)
	model := opts.Model
	var usage *llm.Usage
	sawDone := false

	for sc.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload := strings.TrimSpace(sc.Event().Data)
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			sawDone = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil && (chunk.Error.Message != "" || chunk.Error.codeString() != "") {
			acc.Reset()
			return llm.ErrorFromCode(opts.Provider, chunk.Error.codeString(), chunk.Error.Message, payload)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage.toLLM()
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if c := choice.Delta.Content; c != nil && *c != "" {
			if !emit(llm.Response{Content: *c, Model: model, Provider: opts.Provider}) {
				return nil
			}
		}
		for _, frag := range choice.Delta.ToolCalls {
			acc.Add(frag)
		}

		if choice.FinishReason == nil || strings.TrimSpace(*choice.FinishReason) == "" {
			continue
		}
		reason := strings.TrimSpace(*choice.FinishReason)
		final := llm.Response{
			Model:        model,
			Provider:     opts.Provider,
			FinishReason: reason,
			Usage:        usage,
		}
		if reason == "tool_calls" {
			final.ToolCalls = acc.Flush()
		} else {
			acc.Reset()
		}
		emit(final)
		return nil
	}
	if err := sc.Err(); err != nil {
		acc.Reset()
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !sawDone && acc.Pending() > 0 {
		acc.Reset()
		return llm.NewStreamError(opts.Provider, "stream ended mid tool call")
	}
	acc.Reset()
	emit(llm.Response{Model: model, Provider: opts.Provider, FinishReason: "stop", Usage: usage})
	return nil
}
