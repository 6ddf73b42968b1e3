package llm

import (
	"context"
	"log/slog"
	"time"
)

type CompleteFunc func(ctx context.Context, req Request) (Response, error)
type StreamFunc func(ctx context.Context, req Request) (Stream, error)

// Middleware wraps a single provider attempt. It runs inside the retry loop,
// so it observes every attempt, not just the final outcome.
type Middleware interface {
	WrapComplete(next CompleteFunc) CompleteFunc
	WrapStream(next StreamFunc) StreamFunc
}

// MiddlewareFunc adapts plain functions to Middleware. A nil field passes
// through unchanged.
type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
	Stream   func(ctx context.Context, req Request, next StreamFunc) (Stream, error)
}

func (m MiddlewareFunc) WrapComplete(next CompleteFunc) CompleteFunc {
	if m.Complete == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Response, error) {
		return m.Complete(ctx, req, next)
	}
}

func (m MiddlewareFunc) WrapStream(next StreamFunc) StreamFunc {
	if m.Stream == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Stream, error) {
		return m.Stream(ctx, req, next)
	}
}

func applyMiddlewareComplete(base CompleteFunc, mws []Middleware) CompleteFunc {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i].WrapComplete(h)
	}
	return h
}

func applyMiddlewareStream(base StreamFunc, mws []Middleware) StreamFunc {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i].WrapStream(h)
	}
	return h
}

// AttemptLogger logs every provider attempt at debug level, including the
// ones the retry loop later recovers from.
func AttemptLogger(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	log := func(ctx context.Context, op string, req Request, start time.Time, err error) {
		attrs := []any{"op", op, "provider", req.Provider, "model", req.Model, "duration_ms", time.Since(start).Milliseconds()}
		if err != nil {
			attrs = append(attrs, "error", err, "error_kind", ErrorKind(err))
		}
		logger.DebugContext(ctx, "llm attempt", attrs...)
	}
	return MiddlewareFunc{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			log(ctx, "complete", req, start, err)
			return resp, err
		},
		Stream: func(ctx context.Context, req Request, next StreamFunc) (Stream, error) {
			start := time.Now()
			st, err := next(ctx, req)
			log(ctx, "stream_open", req, start, err)
			return st, err
		},
	}
}
