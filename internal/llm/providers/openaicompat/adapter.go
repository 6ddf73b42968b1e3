package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danshapiro/termgpt/internal/llm"
)

const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultReadTimeout    = 180 * time.Second
	DefaultRequestTimeout = 120 * time.Second
)

type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Path         string
	ExtraHeaders map[string]string

	// ConnectTimeout bounds TCP connect. ReadTimeout is the idle limit
	// between stream reads. RequestTimeout bounds a whole non-streamed call.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

type Adapter struct {
	cfg    Config
	client *http.Client
}

func NewAdapter(cfg Config) *Adapter {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/chat/completions"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		client = &http.Client{Transport: transport}
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() string { return a.cfg.Provider }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	requestCtx, cancel := a.withRequestDeadline(ctx)
	defer cancel()

	httpReq, err := a.newRequest(requestCtx, toChatRequest(req, false))
	if err != nil {
		return llm.Response{}, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.WrapError(a.cfg.Provider, err)
	}
	defer resp.Body.Close()

	return a.parseResponse(req.Model, resp)
}

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	sctx, cancel := context.WithCancel(ctx)

	httpReq, err := a.newRequest(sctx, toChatRequest(req, true))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// The connect phase gets the request timeout; once headers arrive only the
	// idle read limit applies.
	headerTimer := time.AfterFunc(a.cfg.RequestTimeout, cancel)
	resp, err := a.client.Do(httpReq)
	timedOut := !headerTimer.Stop()
	if err != nil {
		cancel()
		if timedOut && ctx.Err() == nil {
			return nil, llm.NewRequestTimeoutError(a.cfg.Provider, "timed out waiting for stream headers")
		}
		return nil, llm.WrapError(a.cfg.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		_, perr := a.parseResponse(req.Model, resp)
		return nil, perr
	}

	s := llm.NewChanStream(cancel)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer s.CloseSend()

		body := newIdleReader(resp.Body, a.cfg.ReadTimeout, cancel)
		defer body.stop()

		err := ParseStream(sctx, body, StreamOptions{
			Provider: a.cfg.Provider,
			Model:    req.Model,
			Now:      a.cfg.Now,
		}, func(chunk llm.Response) bool {
			return s.Send(llm.StreamEvent{Chunk: &chunk})
		})
		switch {
		case err == nil:
		case body.expired():
			s.Send(llm.StreamEvent{Err: llm.NewRequestTimeoutError(a.cfg.Provider, "stream idle timeout")})
		case errors.Is(err, context.Canceled):
		default:
			s.Send(llm.StreamEvent{Err: llm.WrapError(a.cfg.Provider, err)})
		}
	}()
	return s, nil
}

func (a *Adapter) newRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.ConfigurationError{Message: "encode request: " + err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, &llm.ConfigurationError{Message: "build request: " + err.Error()}
	}
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) parseResponse(model string, resp *http.Response) (llm.Response, error) {
	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return llm.Response{}, llm.WrapError(a.cfg.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env struct {
			Error *wireError `json:"error"`
		}
		msg := "chat.completions failed"
		if json.Unmarshal(rawBytes, &env) == nil && env.Error != nil && strings.TrimSpace(env.Error.Message) != "" {
			msg = strings.TrimSpace(env.Error.Message)
		}
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), a.cfg.Now())
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.cfg.Provider, resp.StatusCode, msg, string(rawBytes), ra)
	}
	var raw chatResponse
	if err := json.Unmarshal(rawBytes, &raw); err != nil {
		return llm.Response{}, llm.NewResponseError(a.cfg.Provider, "decode response: "+err.Error())
	}
	return fromChatResponse(a.cfg.Provider, model, raw)
}

func (a *Adapter) withRequestDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= a.cfg.RequestTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.cfg.RequestTimeout)
}

// idleReader cancels the stream when no bytes arrive within timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
	once    sync.Once
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && !ir.fired.Load() {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) expired() bool { return ir.fired.Load() }

func (ir *idleReader) stop() {
	ir.once.Do(func() { ir.timer.Stop() })
}
