package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danshapiro/termgpt/internal/contextwindow"
	"github.com/danshapiro/termgpt/internal/conversation"
	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/plugin"
	"github.com/danshapiro/termgpt/internal/plugin/builtin"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	requests  []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return llm.Response{}, c.errs[i]
	}
	if i >= len(c.responses) {
		return llm.Response{}, errors.New("unexpected model call")
	}
	return c.responses[i], nil
}

func (c *scriptedClient) calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

// streamingClient plays one chunk list per Stream call.
type streamingClient struct {
	scriptedClient
	streams [][]llm.Response
}

func (c *streamingClient) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if i >= len(c.streams) {
		return nil, errors.New("unexpected stream call")
	}
	cs := llm.NewChanStream(nil)
	go func() {
		defer cs.CloseSend()
		for _, ch := range c.streams[i] {
			ch := ch
			if !cs.Send(llm.StreamEvent{Chunk: &ch}) {
				return
			}
		}
	}()
	return cs, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) byKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func toolCall(id, name, args string) llm.Response {
	return llm.Response{
		Model:        "test-model",
		FinishReason: "tool_calls",
		ToolCalls:    []llm.ToolCall{{ID: id, Type: "function", Name: name, Arguments: args}},
	}
}

func text(s string) llm.Response {
	return llm.Response{Model: "test-model", Content: s, FinishReason: "stop"}
}

func newTestOrchestrator(t *testing.T, client Completer, opts ...Option) (*Orchestrator, *recorder) {
	t.Helper()
	reg := plugin.NewRegistry()
	if err := reg.Register(builtin.Calculator()); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec := &recorder{}
	base := []Option{
		WithNotifier(rec),
		WithModel("openrouter", "test-model"),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	o, err := New(client, reg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, rec
}

func TestProcessUserMessage_CalculatorToolCycle(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		toolCall("call_1", "calculator", `{"expression": "12 + 585"}`),
		text("12 + 585 = 597"),
	}}
	o, rec := newTestOrchestrator(t, client)
	ctx := context.Background()

	reply, err := o.ProcessUserMessage(ctx, "s1", "What is 12 + 585?")
	if err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	if reply != "12 + 585 = 597" {
		t.Fatalf("reply: %q", reply)
	}

	reqs := client.calls()
	if len(reqs) != 2 {
		t.Fatalf("model calls: %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "calculator" {
		t.Fatalf("tools: %+v", reqs[0].Tools)
	}
	if *reqs[0].Temperature != 0.7 || *reqs[0].MaxTokens != 4096 {
		t.Fatalf("sampling: %v %v", *reqs[0].Temperature, *reqs[0].MaxTokens)
	}
	second := reqs[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" || !strings.Contains(last.Content, `"result": 597`) {
		t.Fatalf("tool message: %+v", last)
	}

	st, err := o.Conversation(ctx, "s1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	roles := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	msgs := st.Messages()
	if len(msgs) != len(roles) {
		t.Fatalf("messages: %d", len(msgs))
	}
	for i, r := range roles {
		if msgs[i].Role != r {
			t.Fatalf("message %d role %s want %s", i, msgs[i].Role, r)
		}
	}
	if st.ToolCycleCount() != 1 || !st.AwaitingUser() {
		t.Fatalf("state: cycles=%d awaiting=%v", st.ToolCycleCount(), st.AwaitingUser())
	}

	runs := rec.byKind(events.KindPluginExecuted)
	if len(runs) != 1 || runs[0].Data["success"] != true || runs[0].Data["plugin_name"] != "calculator" {
		t.Fatalf("plugin events: %+v", runs)
	}
	for _, k := range []events.Kind{events.KindConversationStarted, events.KindUserMessage, events.KindAssistantMessage} {
		if len(rec.byKind(k)) != 1 {
			t.Fatalf("expected one %s event", k)
		}
	}
}

func TestProcessUserMessage_TerminalIntentSkipsModel(t *testing.T) {
	client := &scriptedClient{}
	o, rec := newTestOrchestrator(t, client, WithFarewells("bye now"))
	ctx := context.Background()

	for _, in := range []string{"thanks", "Thanks!", "thanks anyway", "bye", "  BYE for now. "} {
		reply, err := o.ProcessUserMessage(ctx, "s1", in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if reply != "bye now" {
			t.Fatalf("%q: reply %q", in, reply)
		}
	}
	if n := len(client.calls()); n != 0 {
		t.Fatalf("model called %d times", n)
	}
	st, _ := o.Conversation(ctx, "s1")
	if st.ToolCycleCount() != 0 || !st.AwaitingUser() {
		t.Fatalf("state: %+v", st.Summary())
	}
	if len(rec.byKind(events.KindAssistantMessage)) != 5 {
		t.Fatalf("assistant events: %d", len(rec.byKind(events.KindAssistantMessage)))
	}
}

func TestTerminalMatcher_PrefixAnchoring(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedClient{})
	cases := []struct {
		in   string
		want bool
	}{
		{"thanks", true},
		{"Thanks!", true},
		{"thanks anyway", true},
		{"bye", true},
		{"goodbye and good luck", true},
		{"thanks for the info about calculators", false},
		{"say bye to the user", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := o.IsTerminal(tc.in); got != tc.want {
			t.Fatalf("IsTerminal(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFarewell_UsesInjectedRand(t *testing.T) {
	pool := []string{"a", "b", "c", "d"}
	pick := func() []string {
		o, _ := newTestOrchestrator(t, &scriptedClient{}, WithFarewells(pool...), WithRand(rand.New(rand.NewPCG(7, 7))))
		var out []string
		for i := 0; i < 8; i++ {
			out = append(out, o.farewell())
		}
		return out
	}
	a, b := pick(), pick()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed gave %v and %v", a, b)
		}
	}
}

func TestProcessUserMessage_MissingToolCallIDAbortsTurn(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		toolCall("", "calculator", `{"expression": "1+1"}`),
	}}
	o, rec := newTestOrchestrator(t, client)
	ctx := context.Background()

	reply, err := o.ProcessUserMessage(ctx, "s1", "add one and one")
	if err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	if reply != ApologyReply {
		t.Fatalf("reply: %q", reply)
	}
	st, _ := o.Conversation(ctx, "s1")
	for _, m := range st.Messages() {
		if m.Role == llm.RoleAssistant || m.Role == llm.RoleTool {
			t.Fatalf("failed turn committed %s message", m.Role)
		}
	}
	errs := rec.byKind(events.KindConversationError)
	if len(errs) != 1 || errs[0].Data["error_type"] != "protocol" {
		t.Fatalf("error events: %+v", errs)
	}
	if len(rec.byKind(events.KindPluginExecuted)) != 0 {
		t.Fatalf("plugin ran despite missing id")
	}
}

func TestProcessUserMessage_PluginErrorBecomesToolResult(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		toolCall("call_1", "calculator", `{"expression": "1/0"}`),
		toolCall("call_2", "weather", `{}`),
		toolCall("call_3", "calculator", `not json`),
		text("I could not compute that."),
	}}
	o, rec := newTestOrchestrator(t, client)

	reply, err := o.ProcessUserMessage(context.Background(), "s1", "divide one by zero")
	if err != nil || reply != "I could not compute that." {
		t.Fatalf("reply %q err %v", reply, err)
	}
	reqs := client.calls()
	for i, want := range []string{"division by zero", `"plugin_name": "weather"`, "not a JSON object"} {
		msgs := reqs[i+1].Messages
		body := msgs[len(msgs)-1].Content
		if !strings.Contains(body, `"error"`) || !strings.Contains(body, want) {
			t.Fatalf("tool body %d: %s", i, body)
		}
	}
	runs := rec.byKind(events.KindPluginExecuted)
	if len(runs) != 3 {
		t.Fatalf("plugin events: %d", len(runs))
	}
	for _, ev := range runs {
		if ev.Data["success"] != false {
			t.Fatalf("expected failure: %+v", ev.Data)
		}
	}
}

func TestProcessUserMessage_MaxIterations(t *testing.T) {
	var responses []llm.Response
	for i := 0; i < DefaultMaxIterations; i++ {
		responses = append(responses, toolCall("call_"+string(rune('a'+i)), "calculator", `{"expression": "2*2"}`))
	}
	client := &scriptedClient{responses: responses}
	o, rec := newTestOrchestrator(t, client)

	reply, _ := o.ProcessUserMessage(context.Background(), "s1", "loop forever")
	if reply != TooComplexReply {
		t.Fatalf("reply: %q", reply)
	}
	if n := len(client.calls()); n != DefaultMaxIterations {
		t.Fatalf("model calls: %d", n)
	}
	warnings := rec.byKind(events.KindConversationWarning)
	var repeats, limit int
	for _, w := range warnings {
		switch w.Data["warning"] {
		case "repeated tool cycle":
			repeats++
		case "max iterations reached":
			limit++
		}
	}
	if repeats != DefaultMaxIterations-1 || limit != 1 {
		t.Fatalf("warnings: repeats=%d limit=%d", repeats, limit)
	}
	st, _ := o.Conversation(context.Background(), "s1")
	if st.ToolCycleCount() != DefaultMaxIterations {
		t.Fatalf("tool cycles: %d", st.ToolCycleCount())
	}
}

func TestProcessUserMessage_LLMErrorApologizes(t *testing.T) {
	client := &scriptedClient{errs: []error{llm.ErrorFromHTTPStatus("openrouter", 401, "bad key", nil, nil)}}
	o, rec := newTestOrchestrator(t, client)

	reply, err := o.ProcessUserMessage(context.Background(), "s1", "hello")
	if err != nil || reply != ApologyReply {
		t.Fatalf("reply %q err %v", reply, err)
	}
	errs := rec.byKind(events.KindConversationError)
	if len(errs) != 1 || errs[0].Data["error_kind"] != "authentication" {
		t.Fatalf("error events: %+v", errs)
	}
	st, _ := o.Conversation(context.Background(), "s1")
	last, _ := st.Last()
	if last.Role != llm.RoleUser || !st.AwaitingUser() {
		t.Fatalf("last message: %+v", last)
	}
}

func TestProcessUserMessage_ValidationLeavesStateUnchanged(t *testing.T) {
	client := &scriptedClient{}
	o, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	var idErr *conversation.InvalidSessionIDError
	if _, err := o.ProcessUserMessage(ctx, "bad id!", "hi"); !errors.As(err, &idErr) {
		t.Fatalf("expected invalid session id, got %v", err)
	}
	if _, err := o.ProcessUserMessage(ctx, "s1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	if _, err := o.Conversation(ctx, "s1"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("conversation created by rejected input: %v", err)
	}
}

func TestProcessUserMessage_WindowAndLengthManagement(t *testing.T) {
	var responses []llm.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, text("ok"))
	}
	client := &scriptedClient{responses: responses}
	cw := contextwindow.DefaultConfig()
	cw.MaxConversationLength = 6
	cw.SlidingWindowSize = 4
	cw.EnableSummarization = false
	o, _ := newTestOrchestrator(t, client, WithContextManager(contextwindow.NewManager(cw, nil)))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := o.ProcessUserMessage(ctx, "s1", "message"); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	reqs := client.calls()
	third := reqs[2].Messages
	if len(third) != 5 || third[0].Role != llm.RoleSystem {
		t.Fatalf("windowed request: %d messages, first %s", len(third), third[0].Role)
	}
	// Truncation keeps the most recent messages only, system prompt included.
	last := reqs[len(reqs)-1].Messages
	if len(last) != 4 || last[len(last)-1].Role != llm.RoleUser {
		t.Fatalf("last request: %d messages", len(last))
	}
	st, _ := o.Conversation(ctx, "s1")
	if st.Len() != 6 {
		t.Fatalf("stored messages: %d", st.Len())
	}
}

func TestProcessUserMessage_TruncationKeepsToolLinkage(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		toolCall("call_1", "calculator", `{"expression": "12 + 585"}`),
		text("597"),
	}}
	cw := contextwindow.DefaultConfig()
	cw.MaxConversationLength = 2
	cw.SlidingWindowSize = 2
	o, _ := newTestOrchestrator(t, client,
		WithSystemPrompt(""),
		WithContextManager(contextwindow.NewManager(cw, nil)))
	ctx := context.Background()

	if _, err := o.ProcessUserMessage(ctx, "s1", "What is 12 + 585?"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	st, _ := o.Conversation(ctx, "s1")
	requested := map[string]bool{}
	for i, m := range st.Messages() {
		for _, tc := range m.ToolCalls {
			requested[tc.ID] = true
		}
		if m.Role == llm.RoleTool && !requested[m.ToolCallID] {
			t.Fatalf("tool result %q at %d has no earlier request", m.ToolCallID, i)
		}
	}
	if st.Len() > 2 {
		t.Fatalf("stored messages: %d", st.Len())
	}
}

func TestDropOrphanToolResults(t *testing.T) {
	msgs := []llm.Message{
		llm.System("sys"),
		llm.ToolResult("call_0", "calculator", "{}"),
		llm.User("hi"),
		llm.AssistantToolCalls("", []llm.ToolCall{{ID: "call_1", Name: "calculator"}}),
		llm.ToolResult("call_1", "calculator", "{}"),
	}
	got := dropOrphanToolResults(msgs)
	if len(got) != 4 || got[1].Role != llm.RoleUser {
		t.Fatalf("got %+v", got)
	}
}

func TestStartEndListStats(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{text("hi there")}}
	o, rec := newTestOrchestrator(t, client)
	ctx := context.Background()

	if _, err := o.StartConversation(ctx, "s1"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if _, err := o.StartConversation(ctx, "s1"); !errors.Is(err, conversation.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := o.ProcessUserMessage(ctx, "s2", "hello"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	list, err := o.ListConversations(ctx)
	if err != nil || len(list) != 2 || list["s2"].MessageCount != 3 {
		t.Fatalf("list: %+v err %v", list, err)
	}
	stats, _ := o.Stats(ctx)
	if stats.ActiveConversations != 2 || stats.TotalMessages != 4 || stats.MaxConversationLength != 100 || stats.SlidingWindowSize != 50 {
		t.Fatalf("stats: %+v", stats)
	}
	if err := o.EndConversation(ctx, "s1"); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	if err := o.EndConversation(ctx, "missing"); err != nil {
		t.Fatalf("EndConversation unknown: %v", err)
	}
	if len(rec.byKind(events.KindConversationEnded)) != 1 {
		t.Fatalf("expected one ended event")
	}
	if _, err := o.Conversation(ctx, "s1"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("s1 still present: %v", err)
	}
}

func drain(t *testing.T, ch <-chan llm.Response) []llm.Response {
	t.Helper()
	var out []llm.Response
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("stream did not finish")
		}
	}
}

func TestProcessUserMessageStream_SingleToolCycle(t *testing.T) {
	client := &streamingClient{streams: [][]llm.Response{
		{{Content: "Let me check. "}, toolCall("call_1", "calculator", `{"expression": "12 + 585"}`)},
		{{Content: "The answer "}, {Content: "is 597."}, {FinishReason: "stop", Usage: &llm.Usage{TotalTokens: 9}}},
	}}
	o, _ := newTestOrchestrator(t, client)
	ctx := context.Background()

	ch, err := o.ProcessUserMessageStream(ctx, "s1", "What is 12 + 585?")
	if err != nil {
		t.Fatalf("ProcessUserMessageStream: %v", err)
	}
	chunks := drain(t, ch)

	var content strings.Builder
	withTools := 0
	for _, c := range chunks {
		content.WriteString(c.Content)
		if len(c.ToolCalls) > 0 {
			withTools++
			if c.FinishReason != "tool_calls" || c.ToolCalls[0].ID != "call_1" {
				t.Fatalf("tool chunk: %+v", c)
			}
		}
	}
	if content.String() != "Let me check. The answer is 597." || withTools != 1 {
		t.Fatalf("content %q tool chunks %d", content.String(), withTools)
	}
	end := chunks[len(chunks)-1]
	if end.FinishReason != "stop" || end.Usage == nil || end.Usage.TotalTokens != 9 {
		t.Fatalf("terminal chunk: %+v", end)
	}

	reqs := client.calls()
	if len(reqs) != 2 || len(reqs[0].Tools) == 0 || len(reqs[1].Tools) != 0 {
		t.Fatalf("tool availability per call: %d requests", len(reqs))
	}
	st, _ := o.Conversation(ctx, "s1")
	last, _ := st.Last()
	if last.Content != "The answer is 597." || st.ToolCycleCount() != 1 {
		t.Fatalf("stored reply: %+v cycles %d", last, st.ToolCycleCount())
	}
}

func TestProcessUserMessageStream_IgnoresSecondToolCycle(t *testing.T) {
	client := &streamingClient{streams: [][]llm.Response{
		{toolCall("call_1", "calculator", `{"expression": "1+1"}`)},
		{{Content: "It is 2."}, toolCall("call_2", "calculator", `{"expression": "1+1"}`)},
	}}
	o, rec := newTestOrchestrator(t, client)

	ch, err := o.ProcessUserMessageStream(context.Background(), "s1", "add")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := drain(t, ch)
	end := chunks[len(chunks)-1]
	if end.FinishReason != "stop" || len(end.ToolCalls) != 0 {
		t.Fatalf("terminal chunk: %+v", end)
	}
	if len(rec.byKind(events.KindPluginExecuted)) != 1 {
		t.Fatalf("second tool cycle executed")
	}
}

func TestProcessUserMessageStream_UnstorableReplyEndsWithApology(t *testing.T) {
	client := &streamingClient{streams: [][]llm.Response{
		{{Content: strings.Repeat("a", llm.MaxContentBytes)}, {Content: "b"}, {FinishReason: "stop"}},
	}}
	o, rec := newTestOrchestrator(t, client)
	ctx := context.Background()

	ch, err := o.ProcessUserMessageStream(ctx, "s1", "write a lot")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := drain(t, ch)
	end := chunks[len(chunks)-1]
	if end.Content != ApologyReply || end.FinishReason != "stop" {
		t.Fatalf("terminal chunk: %q %q", end.Content, end.FinishReason)
	}
	if len(rec.byKind(events.KindConversationError)) != 1 {
		t.Fatalf("expected one conversation error event")
	}
	st, _ := o.Conversation(ctx, "s1")
	last, _ := st.Last()
	if last.Role != llm.RoleUser {
		t.Fatalf("last stored message: %+v", last.Role)
	}
}

func TestProcessUserMessageStream_TerminalIntent(t *testing.T) {
	client := &streamingClient{}
	o, _ := newTestOrchestrator(t, client, WithFarewells("see you"))
	ch, err := o.ProcessUserMessageStream(context.Background(), "s1", "Goodbye!")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 1 || chunks[0].Content != "see you" || chunks[0].FinishReason != "stop" {
		t.Fatalf("chunks: %+v", chunks)
	}
	if len(client.calls()) != 0 {
		t.Fatalf("model called")
	}
}

func TestProcessUserMessageStream_FallsBackToComplete(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{text("plain reply")}}
	o, _ := newTestOrchestrator(t, client)
	ch, err := o.ProcessUserMessageStream(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 2 || chunks[0].Content != "plain reply" || chunks[1].FinishReason != "stop" {
		t.Fatalf("chunks: %+v", chunks)
	}
}

func TestProcessUserMessageStream_CancelDiscardsTurn(t *testing.T) {
	client := &blockingStreamer{started: make(chan struct{})}
	o, _ := newTestOrchestrator(t, client)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := o.ProcessUserMessageStream(ctx, "s1", "tell me a long story")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if first := <-ch; first.Content != "Once" {
		t.Fatalf("first chunk: %+v", first)
	}
	<-client.started
	cancel()
	drain(t, ch)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := o.Conversation(context.Background(), "s1")
		if err == nil {
			last, _ := st.Last()
			if last.Role == llm.RoleUser {
				break
			}
			t.Fatalf("last stored message: %+v", last)
		}
		if time.Now().After(deadline) {
			t.Fatalf("conversation not stored: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// blockingStreamer sends one delta and then waits for cancellation.
type blockingStreamer struct {
	scriptedClient
	started chan struct{}
}

func (c *blockingStreamer) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	cs := llm.NewChanStream(nil)
	go func() {
		defer cs.CloseSend()
		cs.Send(llm.StreamEvent{Chunk: &llm.Response{Content: "Once"}})
		close(c.started)
		<-ctx.Done()
	}()
	return cs, nil
}

func TestSessionLocks_SerializesSameSession(t *testing.T) {
	locks := NewSessionLocks()
	unlock := locks.Lock("s1")
	if _, ok := locks.TryLock("s1"); ok {
		t.Fatalf("second lock on same session succeeded")
	}
	other, ok := locks.TryLock("s2")
	if !ok {
		t.Fatalf("unrelated session blocked")
	}
	other()
	unlock()
	unlock()
	u2, ok := locks.TryLock("s1")
	if !ok {
		t.Fatalf("lock not released")
	}
	u2()
	if n := len(locks.locks); n != 0 {
		t.Fatalf("entries left after unlock: %d", n)
	}
}

func TestSessionLocks_WaitersShareEntry(t *testing.T) {
	locks := NewSessionLocks()
	unlock := locks.Lock("s1")
	acquired := make(chan func())
	go func() { acquired <- locks.Lock("s1") }()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if n := len(locks.locks); n != 0 {
		t.Fatalf("entries left: %d", n)
	}
}

func TestCycleFingerprint_OrderIndependent(t *testing.T) {
	a := []llm.ToolCall{{ID: "1", Name: "calculator", Arguments: `{"expression":"1"}`}, {ID: "2", Name: "read_file", Arguments: `{"path":"a"}`}}
	b := []llm.ToolCall{{ID: "9", Name: "read_file", Arguments: `{"path":"a"}`}, {ID: "8", Name: "calculator", Arguments: `{"expression":"1"}`}}
	if cycleFingerprint(a) != cycleFingerprint(b) {
		t.Fatalf("fingerprints differ")
	}
	if cycleFingerprint(a) == cycleFingerprint(a[:1]) {
		t.Fatalf("fingerprints collide")
	}
}
