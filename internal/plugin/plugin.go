package plugin

import "context"

// Plugin is a tool the model may call. Invoke receives arguments that have
// already been validated against Input, with declared defaults filled in.
type Plugin interface {
	Name() string
	Description() string
	Input() Schema
	Output() Schema
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

type InvokeFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

type funcPlugin struct {
	name        string
	description string
	input       Schema
	output      Schema
	fn          InvokeFunc
}

// New wraps a function as a Plugin.
func New(name, description string, input, output Schema, fn InvokeFunc) Plugin {
	return &funcPlugin{name: name, description: description, input: input, output: output, fn: fn}
}

func (p *funcPlugin) Name() string        { return p.name }
func (p *funcPlugin) Description() string { return p.description }
func (p *funcPlugin) Input() Schema       { return p.input }
func (p *funcPlugin) Output() Schema      { return p.output }
func (p *funcPlugin) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	return p.fn(ctx, args)
}
