package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/danshapiro/termgpt/internal/config"
	"github.com/danshapiro/termgpt/internal/mcpserver"
)

func toolsCmd(args []string, stdout io.Writer) error {
	var configPath string
	fs := pflag.NewFlagSet("tools", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "config file (.yaml, .yml, .json, .jsonc)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := newRegistry(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	name := lipgloss.NewStyle().Bold(true)
	for _, n := range reg.Names() {
		p, err := reg.Get(n)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s  %s\n", name.Render(n), p.Description())
	}
	return nil
}

// mcpCmd serves the plugin registry over stdio. It needs no model
// credentials.
func mcpCmd(args []string) error {
	var configPath string
	fs := pflag.NewFlagSet("mcp", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "config file (.yaml, .yml, .json, .jsonc)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := mcpserver.New(ctx, reg, version, logger)
	if err != nil {
		return err
	}
	return s.Serve()
}
