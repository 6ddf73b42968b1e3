package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultBufferSize = 256

// sinkTimeout bounds one sink delivery.
const sinkTimeout = 5 * time.Second

// Sink receives events on the dispatcher goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to sinks from a single goroutine. Notify never
// blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	ch     chan Event
	sinks  []Sink
	logger *slog.Logger

	dropped   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		ch:     make(chan Event, buffer),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	// Close may race with Notify; a send on the closed channel is dropped.
	defer func() { _ = recover() }()
	select {
	case d.ch <- ev:
	default:
		n := d.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			d.logger.Warn("event buffer full, dropping", "kind", ev.Kind, "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.ch {
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("event sink panicked", "sink", s.Name(), "kind", ev.Kind, "panic", fmt.Sprint(rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.Handle(ctx, ev); err != nil {
		d.logger.Warn("event sink failed", "sink", s.Name(), "kind", ev.Kind, "error", err)
	}
}

// Close stops accepting events, drains the buffer and closes sinks that
// implement io.Closer. It returns ctx.Err() if draining outlives ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.ch) })
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
