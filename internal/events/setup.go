package events

import (
	"fmt"
	"log/slog"

	"github.com/danshapiro/termgpt/internal/config"
)

// Setup holds the dispatcher built from config and the optional ledger, which
// callers may query for totals.
type Setup struct {
	Dispatcher *Dispatcher
	Ledger     *Ledger
}

// FromConfig wires the configured sinks plus any extra ones into a running
// dispatcher. The caller owns Dispatcher.Close.
func FromConfig(cfg config.Events, logger *slog.Logger, extra ...Sink) (*Setup, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var sinks []Sink
	if cfg.Log {
		sinks = append(sinks, LogSink{Logger: logger.With("component", "events")})
	}
	out := &Setup{}
	if cfg.RedisURL != "" {
		codec, err := CodecByName(cfg.Codec)
		if err != nil {
			return nil, err
		}
		rs, err := NewRedisSink(cfg.RedisURL, cfg.Channel, codec)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rs)
	}
	if cfg.LedgerPath != "" {
		l, err := OpenLedger(cfg.LedgerPath)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("events ledger: %w", err)
		}
		out.Ledger = l
		sinks = append(sinks, l)
	}
	sinks = append(sinks, extra...)
	out.Dispatcher = NewDispatcher(cfg.BufferSize, logger.With("component", "events"), sinks...)
	return out, nil
}

func closeSinks(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
