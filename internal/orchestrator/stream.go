package orchestrator

import (
	"context"
	"strings"

	"github.com/danshapiro/termgpt/internal/llm"
)

// ProcessUserMessageStream runs one turn and streams its reply. Text deltas
// arrive as they are generated; a chunk with finish reason "tool_calls"
// reports tools about to run. The channel is closed when the turn ends.
//
// At most one tool cycle runs per streamed turn: once it completes, the next
// model call is made without tools. Cancelling ctx abandons the turn and
// keeps only the user message.
func (o *Orchestrator) ProcessUserMessageStream(ctx context.Context, sessionID, text string) (<-chan llm.Response, error) {
	st, err := o.begin(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Response, 16)
	if o.terminal.Match(text) {
		reply, err := o.finishTerminal(ctx, st, text)
		if err != nil {
			return nil, err
		}
		out <- llm.Response{Content: reply, Model: o.model, FinishReason: "stop"}
		close(out)
		return out, nil
	}
	t, err := o.startTurn(st, text)
	if err != nil {
		return nil, err
	}
	go o.streamTurn(ctx, t, out)
	return out, nil
}

func (o *Orchestrator) streamTurn(ctx context.Context, t *turn, out chan<- llm.Response) {
	defer close(out)
	send := func(r llm.Response) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}
	reply := func(content string) {
		send(llm.Response{Content: content, Model: o.model, FinishReason: "stop"})
	}

	completedCycle := false
	for iter := 0; iter < o.streamMaxIterations; iter++ {
		final, err := o.streamOnce(ctx, o.request(t.messages(), !completedCycle), send)
		if err != nil {
			if ctx.Err() != nil {
				o.cancel(ctx, t)
				return
			}
			reply(o.abort(ctx, t, "llm", err))
			return
		}

		if final.HasToolCalls() && !completedCycle {
			if err := o.toolCycle(ctx, t, final); err != nil {
				reply(o.abort(ctx, t, "protocol", err))
				return
			}
			final.Content = ""
			if !send(final) {
				o.cancel(ctx, t)
				return
			}
			completedCycle = true
			continue
		}

		if final.HasToolCalls() {
			o.logger.Warn("ignoring tool calls after completed tool cycle", "session_id", t.sessionID, "count", len(final.ToolCalls))
			final.ToolCalls = nil
			final.FinishReason = "stop"
		}
		if strings.TrimSpace(final.Content) == "" {
			reply(o.abort(ctx, t, "llm", errEmptyReply))
			return
		}
		if o.finish(ctx, t, final.Content) == ApologyReply {
			// The deltas already went out but the reply was not stored.
			reply(ApologyReply)
			return
		}
		final.Content = ""
		send(final)
		return
	}
	reply(o.exhausted(ctx, t, o.streamMaxIterations))
}

// streamOnce forwards text deltas through send and returns the terminal
// chunk with the full content filled in.
func (o *Orchestrator) streamOnce(ctx context.Context, req llm.Request, send func(llm.Response) bool) (llm.Response, error) {
	st, err := o.openStream(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}
	defer st.Close()

	var content strings.Builder
	var final llm.Response
	for {
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case ev, ok := <-st.Events():
			if !ok {
				if final.FinishReason == "" {
					final.FinishReason = "stop"
				}
				if final.Model == "" {
					final.Model = req.Model
				}
				final.Content = content.String()
				return final, nil
			}
			if ev.Err != nil {
				return llm.Response{}, ev.Err
			}
			if ev.Chunk == nil {
				continue
			}
			c := *ev.Chunk
			if c.Content != "" {
				content.WriteString(c.Content)
				if !send(llm.Response{Content: c.Content, Model: c.Model}) {
					return llm.Response{}, ctx.Err()
				}
			}
			if c.Terminal() {
				final = c
			}
		}
	}
}

func (o *Orchestrator) openStream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if s, ok := o.client.(Streamer); ok {
		return s.Stream(ctx, req)
	}
	resp, err := o.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	cs := llm.NewChanStream(nil)
	if resp.Content != "" {
		cs.Send(llm.StreamEvent{Chunk: &llm.Response{Content: resp.Content, Model: resp.Model}})
	}
	term := resp
	term.Content = ""
	if term.FinishReason == "" {
		term.FinishReason = "stop"
		if resp.HasToolCalls() {
			term.FinishReason = "tool_calls"
		}
	}
	cs.Send(llm.StreamEvent{Chunk: &term})
	cs.CloseSend()
	return cs, nil
}
