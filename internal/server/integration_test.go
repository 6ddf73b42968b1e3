package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/orchestrator"
	"github.com/danshapiro/termgpt/internal/plugin"
	"github.com/danshapiro/termgpt/internal/plugin/builtin"
)

// fakeModel answers arithmetic questions with one calculator call and
// everything else with an echo.
type fakeModel struct {
	mu   sync.Mutex
	fail error
	// When block is set, each call signals entered and waits for block.
	block   chan struct{}
	entered chan struct{}
}

func (m *fakeModel) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	fail, block, entered := m.fail, m.block, m.entered
	m.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}
	if fail != nil {
		return llm.Response{}, fail
	}
	last := req.Messages[len(req.Messages)-1]
	switch {
	case last.Role == llm.RoleTool:
		return llm.Response{Model: "fake", Content: "The result is in: " + last.Content, FinishReason: "stop"}, nil
	case strings.HasPrefix(last.Content, "calc "):
		args, _ := json.Marshal(map[string]string{"expression": strings.TrimPrefix(last.Content, "calc ")})
		return llm.Response{Model: "fake", FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Type: "function", Name: "calculator", Arguments: string(args)},
		}}, nil
	}
	return llm.Response{Model: "fake", Content: "echo: " + last.Content, FinishReason: "stop"}, nil
}

type staticUsage struct{ totals events.UsageTotals }

func (u staticUsage) Totals(ctx context.Context) (events.UsageTotals, error) { return u.totals, nil }

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	model *fakeModel
	feeds *SessionFeeds
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	reg := plugin.NewRegistry()
	if err := reg.Register(builtin.Calculator()); err != nil {
		t.Fatalf("register: %v", err)
	}
	feeds := NewSessionFeeds()
	disp := events.NewDispatcher(64, nil, feeds)
	model := &fakeModel{}
	orch, err := orchestrator.New(model, reg, orchestrator.WithNotifier(disp), orchestrator.WithModel("test", "fake"))
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	srv := New(Config{
		Addr:       ":0",
		Version:    "test",
		Feeds:      feeds,
		Dispatcher: disp,
		Usage:      staticUsage{events.UsageTotals{LLMCalls: 3, Tokens: 120}},
	}, orch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = disp.Close(ctx)
	})
	return &testEnv{srv: srv, ts: ts, model: model, feeds: feeds}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestIntegration_HealthEndpoint(t *testing.T) {
	env := newTestServer(t)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[HealthResponse](t, resp)
	if body.Status != "healthy" || body.Version != "test" || body.Services["event_bus"] != "healthy" {
		t.Fatalf("health: %+v", body)
	}
}

func TestIntegration_ChatWithTool(t *testing.T) {
	env := newTestServer(t)
	resp := postJSON(t, env.ts.URL+"/chat", ChatRequest{SessionID: "s1", Message: "calc 12 + 585"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[ChatResponse](t, resp)
	if body.Status != "success" || !strings.Contains(body.Reply, "597") {
		t.Fatalf("chat: %+v", body)
	}
	if len(body.ToolsUsed) != 1 || body.ToolsUsed[0] != "calculator" || body.TokensUsed <= 0 {
		t.Fatalf("usage fields: %+v", body)
	}
}

func TestIntegration_ChatValidation(t *testing.T) {
	env := newTestServer(t)
	for _, tc := range []struct {
		name string
		body string
	}{
		{"bad json", `{"session_id":`},
		{"bad id", `{"session_id":"no spaces allowed","message":"hi"}`},
		{"empty message", `{"session_id":"s1","message":"  "}`},
		{"oversized message", `{"session_id":"s1","message":"` + strings.Repeat("a", llm.MaxContentBytes+1) + `"}`},
	} {
		resp, err := http.Post(env.ts.URL+"/chat", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", tc.name, resp.StatusCode)
		}
		if e := decode[ErrorResponse](t, resp); e.Error == "" {
			t.Fatalf("%s: empty error", tc.name)
		}
	}
}

func TestIntegration_ChatDegradedOnModelFailure(t *testing.T) {
	env := newTestServer(t)
	env.model.mu.Lock()
	env.model.fail = errors.New("upstream down")
	env.model.mu.Unlock()
	body := decode[ChatResponse](t, postJSON(t, env.ts.URL+"/chat", ChatRequest{SessionID: "s1", Message: "hello"}))
	if body.Status != "degraded" || body.Reply != orchestrator.ApologyReply {
		t.Fatalf("chat: %+v", body)
	}
}

func TestIntegration_BusySessionConflict(t *testing.T) {
	env := newTestServer(t)
	env.model.mu.Lock()
	env.model.block = make(chan struct{})
	env.model.entered = make(chan struct{}, 1)
	env.model.mu.Unlock()

	first := make(chan *http.Response, 1)
	go func() {
		b, _ := json.Marshal(ChatRequest{SessionID: "s1", Message: "hello"})
		resp, err := http.Post(env.ts.URL+"/chat", "application/json", strings.NewReader(string(b)))
		if err != nil {
			resp = nil
		}
		first <- resp
	}()
	select {
	case <-env.model.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the model")
	}

	resp := postJSON(t, env.ts.URL+"/chat", ChatRequest{SessionID: "s1", Message: "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy session: status %d", resp.StatusCode)
	}
	if e := decode[ErrorResponse](t, resp); !strings.Contains(e.Error, "busy") {
		t.Fatalf("busy error: %q", e.Error)
	}
	resp = postJSON(t, env.ts.URL+"/chat/stream", ChatRequest{SessionID: "s1", Message: "again"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy stream: status %d", resp.StatusCode)
	}

	close(env.model.block)
	select {
	case r := <-first:
		if r == nil {
			t.Fatal("first request failed")
		}
		if body := decode[ChatResponse](t, r); body.Reply != "echo: hello" {
			t.Fatalf("first reply: %+v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never finished")
	}

	env.model.mu.Lock()
	env.model.block = nil
	env.model.mu.Unlock()
	if resp := postJSON(t, env.ts.URL+"/chat", ChatRequest{SessionID: "s1", Message: "later"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("after release: status %d", resp.StatusCode)
	}
}

func readSSE(t *testing.T, resp *http.Response) <-chan string {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				out <- strings.TrimPrefix(line, "data: ")
			} else if strings.HasPrefix(line, "event: done") {
				out <- "DONE"
			}
		}
	}()
	return out
}

func TestIntegration_ChatStream(t *testing.T) {
	env := newTestServer(t)
	resp := postJSON(t, env.ts.URL+"/chat/stream", ChatRequest{SessionID: "s1", Message: "calc 2 * 21"})
	defer resp.Body.Close()
	frames := readSSE(t, resp)

	var content strings.Builder
	var sawTools, sawDone bool
	var last StreamChunk
	timeout := time.After(5 * time.Second)
	for !sawDone {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed before done")
			}
			if f == "DONE" {
				sawDone = true
				continue
			}
			var c StreamChunk
			if err := json.Unmarshal([]byte(f), &c); err != nil {
				t.Fatalf("frame %q: %v", f, err)
			}
			content.WriteString(c.Content)
			if len(c.ToolCalls) > 0 {
				sawTools = true
			}
			last = c
		case <-timeout:
			t.Fatal("timed out reading stream")
		}
	}
	if !sawTools || !strings.Contains(content.String(), "42") || last.FinishReason != "stop" {
		t.Fatalf("tools=%v content=%q last=%+v", sawTools, content.String(), last)
	}
}

func TestIntegration_SessionLifecycle(t *testing.T) {
	env := newTestServer(t)
	url := env.ts.URL + "/sessions/abc"

	if resp := postJSON(t, url, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	if resp := postJSON(t, url, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: %d", resp.StatusCode)
	}
	if resp := postJSON(t, env.ts.URL+"/sessions/bad!id", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid create: %d", resp.StatusCode)
	}

	resp, err := http.Get(env.ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sessions := decode[map[string]map[string]any](t, resp)
	if _, ok := sessions["abc"]; !ok || len(sessions) != 1 {
		t.Fatalf("sessions: %v", sessions)
	}

	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %v %v", resp, err)
	}
	resp, _ = http.Get(env.ts.URL + "/sessions")
	if sessions := decode[map[string]map[string]any](t, resp); len(sessions) != 0 {
		t.Fatalf("sessions after delete: %v", sessions)
	}
}

func TestIntegration_SessionEventsFeed(t *testing.T) {
	env := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/sessions/s9/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	frames := readSSE(t, resp)

	decode[ChatResponse](t, postJSON(t, env.ts.URL+"/chat", ChatRequest{SessionID: "s9", Message: "hello"}))
	del, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/sessions/s9", nil)
	if _, err := http.DefaultClient.Do(del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var kinds []string
	for f := range frames {
		if f == "DONE" {
			break
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(f), &ev); err != nil {
			t.Fatalf("frame %q: %v", f, err)
		}
		kinds = append(kinds, string(ev.Kind))
	}
	want := "conversation_started,user_message,assistant_message,conversation_ended"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("kinds: %s", got)
	}
}

func TestIntegration_Stats(t *testing.T) {
	env := newTestServer(t)
	decode[ChatResponse](t, postJSON(t, env.ts.URL+"/chat", ChatRequest{SessionID: "s1", Message: "hello"}))

	resp, err := http.Get(env.ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	body := decode[map[string]any](t, resp)
	if body["active_conversations"] != float64(1) || body["total_messages"] != float64(3) {
		t.Fatalf("stats: %v", body)
	}
	usage, _ := body["usage"].(map[string]any)
	if usage["llm_calls"] != float64(3) {
		t.Fatalf("usage: %v", body["usage"])
	}
	if plugins, _ := body["plugins"].([]any); len(plugins) != 1 {
		t.Fatalf("plugins: %v", body["plugins"])
	}
}

func TestIntegration_CrossOriginBlocked(t *testing.T) {
	env := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/sessions/abc", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, env.ts.URL+"/sessions/abc", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("localhost origin: %d", resp.StatusCode)
	}
}
