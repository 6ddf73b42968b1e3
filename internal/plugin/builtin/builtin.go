// Package builtin provides the plugins every termgpt instance ships with.
package builtin

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danshapiro/termgpt/internal/plugin"
)

// Workspace resolves plugin paths. Relative paths are joined to Root;
// absolute paths are used as given.
type Workspace struct {
	Root string
}

func (w Workspace) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if hasParentRef(p) {
		return "", fmt.Errorf("path traversal not allowed: %s", p)
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	root := w.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(root, p), nil
}

func hasParentRef(p string) bool {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// All returns the built-in plugins rooted at ws.
func All(ws Workspace) []plugin.Plugin {
	return []plugin.Plugin{
		ReadFile(ws),
		WriteFile(ws),
		ListDirectory(ws),
		FindFiles(ws),
		Calculator(),
	}
}

// Register adds every built-in plugin to reg except those named in disabled.
func Register(reg *plugin.Registry, ws Workspace, disabled ...string) error {
	skip := map[string]bool{}
	for _, name := range disabled {
		skip[strings.TrimSpace(name)] = true
	}
	for _, p := range All(ws) {
		if skip[p.Name()] {
			continue
		}
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register builtin %s: %w", p.Name(), err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
