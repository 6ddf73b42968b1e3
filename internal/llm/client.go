package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/danshapiro/termgpt/internal/providerspec"
)

type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// UsageEvent is reported once per terminal outcome of a Complete or Stream
// call, after retries.
type UsageEvent struct {
	Provider string
	Model    string
	Tokens   int
	Success  bool
	Duration time.Duration
	Attempts int
	Err      error
}

type UsageReporter func(UsageEvent)

type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware

	retry    RetryPolicy
	sleep    SleepFunc
	reporter UsageReporter
	logger   *slog.Logger
	now      func() time.Time
}

type ClientOption func(*Client)

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

func WithSleep(fn SleepFunc) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

func WithUsageReporter(fn UsageReporter) ClientOption {
	return func(c *Client) { c.reporter = fn }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: map[string]ProviderAdapter{},
		retry:     DefaultRetryPolicy(),
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	name := normalizeProviderName(adapter.Name())
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Logger returns the logger given by WithLogger, or a discarding one.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Use appends middleware to the client. Middleware is applied in registration order
// for the request phase and in reverse order for the response phase.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

func (c *Client) resolve(req *Request) (ProviderAdapter, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return nil, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov
	return adapter, nil
}

// Complete performs one blocking model call with retries.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	adapter, err := c.resolve(&req)
	if err != nil {
		return Response{}, err
	}
	handler := applyMiddlewareComplete(adapter.Complete, c.middleware)

	start := c.now()
	resp, attempts, err := Retry(ctx, c.retry, req.Provider, c.sleep, c.onRetry(req), func() (Response, error) {
		return handler(ctx, req)
	})
	ev := UsageEvent{
		Provider: req.Provider,
		Model:    req.Model,
		Success:  err == nil,
		Duration: c.now().Sub(start),
		Attempts: attempts,
		Err:      err,
	}
	if err != nil {
		c.report(ev)
		return Response{}, err
	}
	if resp.Provider == "" {
		resp.Provider = req.Provider
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Usage != nil {
		ev.Tokens = resp.Usage.Tokens()
	}
	c.report(ev)
	return resp, nil
}

// Stream opens a streamed model call. Retries cover opening the stream; once
// chunks flow, failures are delivered as a terminal StreamEvent. Usage is
// reported when the returned stream ends or is closed.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	adapter, err := c.resolve(&req)
	if err != nil {
		return nil, err
	}
	handler := applyMiddlewareStream(adapter.Stream, c.middleware)

	start := c.now()
	inner, attempts, err := Retry(ctx, c.retry, req.Provider, c.sleep, c.onRetry(req), func() (Stream, error) {
		return handler(ctx, req)
	})
	if err != nil {
		c.report(UsageEvent{
			Provider: req.Provider,
			Model:    req.Model,
			Duration: c.now().Sub(start),
			Attempts: attempts,
			Err:      err,
		})
		return nil, err
	}

	out := NewChanStream(func() { _ = inner.Close() })
	go func() {
		defer out.CloseSend()
		defer inner.Close()
		ev := UsageEvent{Provider: req.Provider, Model: req.Model, Attempts: attempts, Success: true}
		terminal := false
		for item := range inner.Events() {
			if item.Err != nil {
				ev.Success = false
				ev.Err = item.Err
			}
			if item.Chunk != nil {
				if item.Chunk.Provider == "" {
					item.Chunk.Provider = req.Provider
				}
				if item.Chunk.Usage != nil {
					ev.Tokens = item.Chunk.Usage.Tokens()
				}
				if item.Chunk.Terminal() {
					terminal = true
				}
			}
			if !out.Send(item) {
				ev.Success = ev.Err == nil && terminal
				if !terminal && ev.Err == nil {
					ev.Err = context.Canceled
				}
				break
			}
		}
		ev.Duration = c.now().Sub(start)
		c.report(ev)
	}()
	return out, nil
}

func (c *Client) onRetry(req Request) func(RetryNotice) {
	return func(n RetryNotice) {
		c.logger.Warn("llm request failed, retrying",
			"provider", req.Provider,
			"model", req.Model,
			"attempt", n.Attempt,
			"max_attempts", c.retry.MaxRetries+1,
			"delay", n.Delay,
			"error", n.Err,
		)
	}
}

func (c *Client) report(ev UsageEvent) {
	if ev.Err != nil {
		c.logger.Error("llm request failed",
			"provider", ev.Provider,
			"model", ev.Model,
			"attempts", ev.Attempts,
			"error", ev.Err,
		)
	}
	if c.reporter == nil {
		return
	}
	defer func() { _ = recover() }()
	c.reporter(ev)
}

func normalizeProviderName(name string) string {
	return providerspec.CanonicalProviderKey(name)
}
