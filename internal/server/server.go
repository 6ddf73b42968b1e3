// Package server exposes the orchestrator over HTTP: blocking and SSE chat,
// session management, per-session event feeds and stats.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/termgpt/internal/events"
	"github.com/danshapiro/termgpt/internal/orchestrator"
)

// UsageSource reports accumulated usage, typically the events ledger.
type UsageSource interface {
	Totals(ctx context.Context) (events.UsageTotals, error)
}

type Config struct {
	Addr            string // listen address, e.g. ":8080"
	ShutdownTimeout time.Duration
	Version         string
	Logger          *slog.Logger

	// Feeds serves GET /sessions/{id}/events; it must also be registered
	// as a sink on the event dispatcher. Nil disables the endpoint.
	Feeds *SessionFeeds
	// Dispatcher, when set, reports dropped events in /stats.
	Dispatcher *events.Dispatcher
	Usage      UsageSource
}

type Server struct {
	config  Config
	orch    *orchestrator.Orchestrator
	locks   *orchestrator.SessionLocks
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *slog.Logger
}

func New(cfg Config, orch *orchestrator.Orchestrator) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		orch:    orch,
		locks:   orchestrator.NewSessionLocks(),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/{id}", s.handleCreateSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleEndSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("shutting down", "signal", sig.String())
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Info("listening", "addr", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin state-changing requests. Browsers set
// Origin on cross-origin requests; CLI callers omit it.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown ends event feeds, drains HTTP connections and cancels in-flight
// turns.
func (s *Server) Shutdown() {
	if s.config.Feeds != nil {
		s.config.Feeds.CloseAll()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
