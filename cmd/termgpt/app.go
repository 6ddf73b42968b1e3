package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/danshapiro/termgpt/internal/config"
	"github.com/danshapiro/termgpt/internal/contextwindow"
	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/llmclient"
	"github.com/danshapiro/termgpt/internal/logging"
	"github.com/danshapiro/termgpt/internal/orchestrator"
	"github.com/danshapiro/termgpt/internal/plugin"
	"github.com/danshapiro/termgpt/internal/plugin/builtin"
)

const eventsDrainTimeout = 5 * time.Second

// app is the fully wired process: config, logger, plugin registry,
// event pipeline and orchestrator.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	events *events.Setup
	orch   *orchestrator.Orchestrator
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*plugin.Registry, error) {
	reg := plugin.NewRegistry(
		plugin.WithTimeout(cfg.Plugins.Timeout()),
		plugin.WithLogger(logger.With("component", "plugins")),
	)
	if err := builtin.Register(reg, builtin.Workspace{Root: cfg.Plugins.Workspace}, cfg.Plugins.Disabled...); err != nil {
		return nil, err
	}
	return reg, nil
}

// newApp validates the config and wires every component. extra sinks
// receive orchestrator and LLM usage events alongside the configured ones.
func newApp(cfg *config.Config, logger *slog.Logger, extra ...events.Sink) (*app, error) {
	if err := cfg.Validate(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	setup, err := events.FromConfig(cfg.Events, logger, extra...)
	if err != nil {
		return nil, err
	}
	client, err := llmclient.New(cfg, os.LookupEnv,
		llm.WithLogger(logger.With("component", "llm")),
		llm.WithUsageReporter(func(u llm.UsageEvent) {
			setup.Dispatcher.Notify(events.FromUsage(u))
		}),
	)
	if err != nil {
		closeEvents(setup)
		return nil, err
	}
	window := contextwindow.NewManager(orchestrator.ContextConfig(cfg), client,
		contextwindow.WithLogger(logger.With("component", "context")))
	opts := append(orchestrator.ConfigOptions(cfg),
		orchestrator.WithNotifier(setup.Dispatcher),
		orchestrator.WithContextManager(window),
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
	)
	orch, err := orchestrator.New(client, reg, opts...)
	if err != nil {
		closeEvents(setup)
		return nil, err
	}
	logger.Info("termgpt ready",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"plugins", reg.Len(),
		"ledger", cfg.Events.LedgerPath != "",
	)
	return &app{cfg: cfg, logger: logger, events: setup, orch: orch}, nil
}

func (a *app) Close() {
	closeEvents(a.events)
}

func closeEvents(setup *events.Setup) {
	ctx, cancel := context.WithTimeout(context.Background(), eventsDrainTimeout)
	defer cancel()
	_ = setup.Dispatcher.Close(ctx)
}
