package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// MaxValueLen bounds string attribute values in log output.
const MaxValueLen = 2000

type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json; empty picks text on a terminal, json otherwise
	Output io.Writer
}

// New builds the process logger. When Output is stderr and stderr is a
// terminal the text handler is used; piped output gets JSON.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: redact,
	}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		handler = slog.NewJSONHandler(out, hopts)
	case "text":
		handler = slog.NewTextHandler(out, hopts)
	default:
		if isTerminal(out) {
			handler = slog.NewTextHandler(out, hopts)
		} else {
			handler = slog.NewJSONHandler(out, hopts)
		}
	}
	return slog.New(handler)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var sensitiveSuffixes = []string{"api_key", "apikey", "authorization", "token", "secret", "password"}

// isSensitive matches whole keys or "_"-joined suffixes, so "access_token"
// is hidden while "tokens_used" is not.
func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveSuffixes {
		if key == s || strings.HasSuffix(key, "_"+s) || strings.HasSuffix(key, "-"+s) {
			return true
		}
	}
	return false
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); len(v) > MaxValueLen {
			return slog.String(a.Key, v[:MaxValueLen]+"...(truncated)")
		}
	}
	return a
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }
