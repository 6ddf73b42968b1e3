// Package mcpserver exposes the plugin registry as Model Context Protocol
// tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/danshapiro/termgpt/internal/plugin"
)

const serverName = "termgpt"

type Server struct {
	mcp    *server.MCPServer
	reg    *plugin.Registry
	ctx    context.Context
	logger *slog.Logger
}

// New registers every plugin in reg as an MCP tool. Tool invocations run
// under ctx, so cancelling it aborts in-flight plugin calls.
func New(ctx context.Context, reg *plugin.Registry, version string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		mcp: server.NewMCPServer(
			serverName,
			version,
			server.WithToolCapabilities(true),
			server.WithLogging(),
		),
		reg:    reg,
		ctx:    ctx,
		logger: logger.With("component", "mcp"),
	}
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		tool, err := toolFor(p)
		if err != nil {
			return nil, fmt.Errorf("mcp tool %s: %w", name, err)
		}
		s.mcp.AddTool(tool, s.handler(name))
	}
	s.logger.Info("mcp server created", "tools", reg.Len())
	return s, nil
}

// Serve speaks MCP over stdin/stdout until the client disconnects.
func (s *Server) Serve() error {
	s.logger.Info("starting mcp server on stdio")
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func toolFor(p plugin.Plugin) (mcp.Tool, error) {
	schema, err := p.Input().PlainJSONSchema()
	if err != nil {
		return mcp.Tool{}, err
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	if rs, ok := schema["required"].([]any); ok {
		for _, r := range rs {
			if name, ok := r.(string); ok {
				required = append(required, name)
			}
		}
	}
	return mcp.Tool{
		Name:        p.Name(),
		Description: p.Description(),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}, nil
}

func (s *Server) handler(name string) func(map[string]interface{}) (*mcp.CallToolResult, error) {
	return func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return s.call(name, args), nil
	}
}

// call runs one plugin. Plugin failures are reported as a JSON error body
// in the tool result so the client can show them to its model.
func (s *Server) call(name string, args map[string]any) *mcp.CallToolResult {
	if args == nil {
		args = map[string]any{}
	}
	var body any
	out, err := s.reg.Invoke(s.ctx, name, args)
	if err != nil {
		s.logger.Warn("mcp tool failed", "tool", name, "error", err)
		body = map[string]any{"error": err.Error(), "plugin_name": name}
	} else {
		s.logger.Info("mcp tool executed", "tool", name)
		body = out
	}
	text, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		text = []byte(fmt.Sprintf(`{"error": %q, "plugin_name": %q}`, err.Error(), name))
	}
	return &mcp.CallToolResult{
		Content: []interface{}{
			mcp.TextContent{
				Type: "text",
				Text: string(text),
			},
		},
	}
}
