package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  termgpt chat [--session <id>] [--config <file>] [--no-stream]")
	fmt.Fprintln(w, "  termgpt serve [--addr <host:port>] [--config <file>]")
	fmt.Fprintln(w, "  termgpt mcp [--config <file>]")
	fmt.Fprintln(w, "  termgpt tools [--config <file>]")
	fmt.Fprintln(w, "  termgpt version")
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case "chat":
		return chatCmd(args[1:], stdin, stdout)
	case "serve":
		return serveCmd(args[1:])
	case "mcp":
		return mcpCmd(args[1:])
	case "tools":
		return toolsCmd(args[1:], stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "termgpt %s\n", version)
		return nil
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		return errUsage
	}
}

// parseFlags parses args into fs and rejects stray positional arguments.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected argument %q", fs.Name(), fs.Arg(0))
	}
	return nil
}
