package main

import (
	"github.com/spf13/pflag"

	"github.com/danshapiro/termgpt/internal/config"
	"github.com/danshapiro/termgpt/internal/server"
)

func serveCmd(args []string) error {
	var addr, configPath string
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:8080)")
	fs.StringVar(&configPath, "config", "", "config file (.yaml, .yml, .json, .jsonc)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	logger := newLogger(cfg)

	feeds := server.NewSessionFeeds()
	a, err := newApp(cfg, logger, feeds)
	if err != nil {
		return err
	}
	defer a.Close()

	scfg := server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
		Version:         version,
		Logger:          logger,
		Feeds:           feeds,
		Dispatcher:      a.events.Dispatcher,
	}
	if a.events.Ledger != nil {
		scfg.Usage = a.events.Ledger
	}
	return server.New(scfg, a.orch).ListenAndServe()
}
