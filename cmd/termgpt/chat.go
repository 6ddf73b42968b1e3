package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/danshapiro/termgpt/internal/config"
	"github.com/danshapiro/termgpt/internal/orchestrator"
)

type replStyles struct {
	prompt    lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	dim       lipgloss.Style
	err       lipgloss.Style
}

func defaultStyles() replStyles {
	return replStyles{
		prompt:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		tool:      lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("11")),
		dim:       lipgloss.NewStyle().Faint(true),
		err:       lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

type repl struct {
	orch      *orchestrator.Orchestrator
	locks     *orchestrator.SessionLocks
	sessionID string
	stream    bool
	prompt    bool
	in        io.Reader
	out       io.Writer
	styles    replStyles
}

func chatCmd(args []string, stdin io.Reader, stdout io.Writer) error {
	var sessionID, configPath string
	var noStream bool
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	fs.StringVar(&sessionID, "session", "", "session id to resume (default: a new ULID)")
	fs.StringVar(&configPath, "config", "", "config file (.yaml, .yml, .json, .jsonc)")
	fs.BoolVar(&noStream, "no-stream", false, "wait for complete replies instead of streaming")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	interactive := isTTY(stdin)
	if interactive && cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	a, err := newApp(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &repl{
		orch:      a.orch,
		locks:     orchestrator.NewSessionLocks(),
		sessionID: sessionID,
		stream:    !noStream,
		prompt:    interactive,
		in:        stdin,
		out:       stdout,
		styles:    defaultStyles(),
	}
	if interactive {
		fmt.Fprintln(stdout, r.styles.dim.Render(fmt.Sprintf("termgpt %s | model %s | session %s", version, cfg.LLM.Model, sessionID)))
		fmt.Fprintln(stdout, r.styles.dim.Render("type exit or quit, or press Ctrl-D, to leave"))
	}
	return r.run(ctx)
}

func isTTY(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func isQuit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit", "/exit", "/quit":
		return true
	}
	return false
}

// run reads one message per line until EOF, a quit command or ctx ends.
func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		if r.prompt {
			fmt.Fprint(r.out, r.styles.prompt.Render("you> "))
		}
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return r.end()
		case line, ok = <-lines:
		}
		if !ok {
			if r.prompt {
				fmt.Fprintln(r.out)
			}
			if err := r.end(); err != nil {
				return err
			}
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isQuit(line) {
			return r.end()
		}
		if err := r.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return r.end()
			}
			fmt.Fprintln(r.out, r.styles.err.Render("error: "+err.Error()))
		}
	}
}

func (r *repl) turn(ctx context.Context, text string) error {
	unlock := r.locks.Lock(r.sessionID)
	defer unlock()
	if !r.stream {
		reply, err := r.orch.ProcessUserMessage(ctx, r.sessionID, text)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, r.styles.assistant.Render(reply))
		return nil
	}
	chunks, err := r.orch.ProcessUserMessageStream(ctx, r.sessionID, text)
	if err != nil {
		return err
	}
	for c := range chunks {
		for _, tc := range c.ToolCalls {
			fmt.Fprintln(r.out, r.styles.tool.Render("[tool] "+tc.Name))
		}
		fmt.Fprint(r.out, c.Content)
	}
	fmt.Fprintln(r.out)
	return ctx.Err()
}

func (r *repl) end() error {
	return r.orch.EndConversation(context.Background(), r.sessionID)
}
