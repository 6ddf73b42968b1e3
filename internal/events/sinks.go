package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// LogSink writes each event as one structured log record.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Handle(ctx context.Context, ev Event) error {
	attrs := []any{"id", ev.ID, "kind", string(ev.Kind)}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	for k, v := range ev.Data {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelInfo
	switch ev.Kind {
	case KindConversationError:
		level = slog.LevelError
	case KindConversationWarning:
		level = slog.LevelWarn
	case KindLLMCall, KindPluginExecuted:
		level = slog.LevelDebug
	}
	s.Logger.Log(ctx, level, "event", attrs...)
	return nil
}

// publisher is the part of *redis.Client the Redis sink uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes encoded events on a pub/sub channel.
type RedisSink struct {
	client  publisher
	closer  func() error
	channel string
	codec   Codec
}

const DefaultRedisChannel = "termgpt:events"

// NewRedisSink connects to the server at url (redis://...).
func NewRedisSink(url, channel string, codec Codec) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	s := newRedisSink(client, channel, codec)
	s.closer = client.Close
	return s, nil
}

func newRedisSink(client publisher, channel string, codec Codec) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if codec == nil {
		codec = jsonCodec{}
	}
	return &RedisSink{client: client, channel: channel, codec: codec}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, ev Event) error {
	b, err := s.codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", s.codec.Name(), err)
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}

func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
