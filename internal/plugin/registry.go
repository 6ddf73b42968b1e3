package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/termgpt/internal/llm"
)

const DefaultTimeout = 30 * time.Second

type registered struct {
	plugin Plugin
	def    llm.ToolDefinition
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*registered
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Registry)

// WithTimeout bounds each Invoke. Zero or negative disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		plugins: map[string]*registered{},
		timeout: DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles the plugin's schemas and adds it. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	name := strings.TrimSpace(p.Name())
	if err := llm.ValidateToolName(name); err != nil {
		return err
	}
	in, out := p.Input(), p.Output()
	if err := in.validate(); err != nil {
		return fmt.Errorf("plugin %s input schema: %w", name, err)
	}
	if err := out.validate(); err != nil {
		return fmt.Errorf("plugin %s output schema: %w", name, err)
	}
	inSchema, err := compileSchema(in)
	if err != nil {
		return fmt.Errorf("plugin %s input schema: %w", name, err)
	}
	outSchema, err := compileSchema(out)
	if err != nil {
		return fmt.Errorf("plugin %s output schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return &DuplicateError{PluginName: name}
	}
	r.plugins[name] = &registered{
		plugin: p,
		def: llm.ToolDefinition{
			Name:        name,
			Description: p.Description(),
			Parameters:  in.JSONSchema(),
		},
		input:  inSchema,
		output: outSchema,
	}
	r.logger.Debug("plugin registered", "plugin", name)
	return nil
}

func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[name]
	if !ok {
		return nil, &NotFoundError{PluginName: name}
	}
	return e.plugin, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ToolDefinitions returns one definition per plugin, sorted by name.
func (r *Registry) ToolDefinitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.plugins))
	for _, e := range r.plugins {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates args, runs the plugin under the registry timeout and
// validates its output. Every failure is one of NotFoundError,
// ValidationError, ExecutionError or TimeoutError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.plugins[name]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{PluginName: name}
	}

	merged := make(map[string]any, len(args))
	for k, v := range args {
		merged[k] = v
	}
	applyDefaults(e.plugin.Input().Fields, merged)
	in, err := normalize(merged)
	if err != nil {
		return nil, &ValidationError{PluginName: name, Stage: StageInput, Err: err}
	}
	if err := e.input.Validate(in); err != nil {
		return nil, &ValidationError{PluginName: name, Stage: StageInput, Err: err}
	}

	out, err := r.run(ctx, e.plugin, in, timeout)
	if err != nil {
		return nil, err
	}

	check, err := normalize(out)
	if err != nil {
		return nil, &ValidationError{PluginName: name, Stage: StageOutput, Err: err}
	}
	if err := e.output.Validate(check); err != nil {
		return nil, &ValidationError{PluginName: name, Stage: StageOutput, Err: err}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

type runResult struct {
	out map[string]any
	err error
}

func (r *Registry) run(ctx context.Context, p Plugin, args map[string]any, timeout time.Duration) (map[string]any, error) {
	name := p.Name()
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- runResult{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := p.Invoke(runCtx, args)
		done <- runResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.out, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{PluginName: name, Timeout: timeout}
		}
		var te *TimeoutError
		if errors.As(res.err, &te) {
			return nil, res.err
		}
		return nil, &ExecutionError{PluginName: name, Err: res.err}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, &ExecutionError{PluginName: name, Err: ctx.Err()}
		}
		r.logger.Warn("plugin timed out", "plugin", name, "timeout", timeout)
		return nil, &TimeoutError{PluginName: name, Timeout: timeout}
	}
}
