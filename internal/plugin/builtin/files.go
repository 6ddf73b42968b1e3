package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/termgpt/internal/plugin"
)

// MaxReadBytes caps read_file.
const MaxReadBytes = 1 << 20

// MaxFindResults caps find_files output.
const MaxFindResults = 500

func ReadFile(ws Workspace) plugin.Plugin {
	return plugin.New("read_file", "Read the contents of a text file",
		plugin.Object(
			plugin.Field{Name: "path", Type: plugin.TypeString, Description: "Path to the file to read", Required: true},
		),
		plugin.Object(
			plugin.Field{Name: "content", Type: plugin.TypeString, Required: true},
			plugin.Field{Name: "encoding", Type: plugin.TypeString, Required: true},
		),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			raw := stringArg(args, "path")
			path, err := ws.resolve(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid or non-existent file path: %s", raw)
			}
			info, err := os.Stat(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, fmt.Errorf("invalid or non-existent file path: %s", raw)
				}
				return nil, permissionOr(err, "permission denied reading file: %s", raw)
			}
			if !info.Mode().IsRegular() {
				return nil, fmt.Errorf("path is not a file: %s", raw)
			}
			if info.Size() > MaxReadBytes {
				return nil, fmt.Errorf("file too large (>1MB): %d bytes", info.Size())
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, permissionOr(err, "permission denied reading file: %s", raw)
			}
			content := string(b)
			if !utf8.ValidString(content) {
				content = strings.ToValidUTF8(content, "�")
			}
			return map[string]any{"content": content, "encoding": "utf-8"}, nil
		})
}

func WriteFile(ws Workspace) plugin.Plugin {
	return plugin.New("write_file", "Write content to a file",
		plugin.Object(
			plugin.Field{Name: "path", Type: plugin.TypeString, Description: "Path to the file to write", Required: true},
			plugin.Field{Name: "content", Type: plugin.TypeString, Description: "Content to write", Required: true},
			plugin.Field{Name: "create_directories", Type: plugin.TypeBoolean, Description: "Create parent directories if missing", Default: false},
		),
		plugin.Object(
			plugin.Field{Name: "success", Type: plugin.TypeBoolean, Required: true},
			plugin.Field{Name: "bytes_written", Type: plugin.TypeInteger, Required: true},
		),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			raw := stringArg(args, "path")
			path, err := ws.resolve(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid file path: %s", raw)
			}
			if boolArg(args, "create_directories") {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, permissionOr(err, "permission denied writing to file: %s", raw)
				}
			}
			content := stringArg(args, "content")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, permissionOr(err, "permission denied writing to file: %s", raw)
			}
			return map[string]any{"success": true, "bytes_written": len(content)}, nil
		})
}

var entryField = plugin.Field{
	Name: "entry",
	Type: plugin.TypeObject,
	Properties: []plugin.Field{
		{Name: "name", Type: plugin.TypeString, Required: true},
		{Name: "type", Type: plugin.TypeString, Required: true, Enum: []any{"file", "directory"}},
		{Name: "size", Type: plugin.TypeInteger},
	},
}

func ListDirectory(ws Workspace) plugin.Plugin {
	return plugin.New("list_directory", "List the contents of a directory",
		plugin.Object(
			plugin.Field{Name: "path", Type: plugin.TypeString, Description: "Directory to list", Default: "."},
			plugin.Field{Name: "show_hidden", Type: plugin.TypeBoolean, Description: "Include entries starting with a dot", Default: false},
			plugin.Field{Name: "pattern", Type: plugin.TypeString, Description: "Optional glob filter on entry names, e.g. *.go"},
		),
		plugin.Object(
			plugin.Field{Name: "entries", Type: plugin.TypeArray, Required: true, Items: &entryField},
			plugin.Field{Name: "total_count", Type: plugin.TypeInteger, Required: true},
		),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			raw := stringArg(args, "path")
			path, err := ws.resolve(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid or non-existent directory: %s", raw)
			}
			pattern := strings.TrimSpace(stringArg(args, "pattern"))
			if pattern != "" && !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid pattern: %s", pattern)
			}
			info, err := os.Stat(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, fmt.Errorf("invalid or non-existent directory: %s", raw)
				}
				return nil, permissionOr(err, "permission denied accessing directory: %s", raw)
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("path is not a directory: %s", raw)
			}
			dirents, err := os.ReadDir(path)
			if err != nil {
				return nil, permissionOr(err, "permission denied accessing directory: %s", raw)
			}
			showHidden := boolArg(args, "show_hidden")
			sort.Slice(dirents, func(i, j int) bool {
				return strings.ToLower(dirents[i].Name()) < strings.ToLower(dirents[j].Name())
			})
			entries := make([]any, 0, len(dirents))
			for _, d := range dirents {
				name := d.Name()
				if !showHidden && strings.HasPrefix(name, ".") {
					continue
				}
				if pattern != "" {
					if ok, _ := doublestar.Match(pattern, name); !ok {
						continue
					}
				}
				entry := map[string]any{"name": name, "type": "file"}
				if d.IsDir() {
					entry["type"] = "directory"
				} else if fi, err := d.Info(); err == nil {
					entry["size"] = fi.Size()
				}
				entries = append(entries, entry)
			}
			return map[string]any{"entries": entries, "total_count": len(entries)}, nil
		})
}

func FindFiles(ws Workspace) plugin.Plugin {
	return plugin.New("find_files", "Find files below a directory matching a glob such as **/*.go",
		plugin.Object(
			plugin.Field{Name: "root", Type: plugin.TypeString, Description: "Directory to search from", Default: "."},
			plugin.Field{Name: "pattern", Type: plugin.TypeString, Description: "Glob pattern; ** matches any number of directories", Required: true},
		),
		plugin.Object(
			plugin.Field{Name: "matches", Type: plugin.TypeArray, Required: true, Items: &plugin.Field{Name: "match", Type: plugin.TypeString}},
			plugin.Field{Name: "total_count", Type: plugin.TypeInteger, Required: true},
			plugin.Field{Name: "truncated", Type: plugin.TypeBoolean},
		),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			raw := stringArg(args, "root")
			root, err := ws.resolve(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid or non-existent directory: %s", raw)
			}
			pattern := strings.TrimPrefix(strings.TrimSpace(stringArg(args, "pattern")), "./")
			if pattern == "" || !doublestar.ValidatePattern(pattern) || hasParentRef(pattern) {
				return nil, fmt.Errorf("invalid pattern: %s", pattern)
			}
			info, err := os.Stat(root)
			if err != nil || !info.IsDir() {
				return nil, fmt.Errorf("invalid or non-existent directory: %s", raw)
			}
			found, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("search %s: %w", raw, err)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sort.Strings(found)
			out := map[string]any{"total_count": len(found)}
			if len(found) > MaxFindResults {
				found = found[:MaxFindResults]
				out["truncated"] = true
			}
			matches := make([]any, len(found))
			for i, m := range found {
				matches[i] = m
			}
			out["matches"] = matches
			return out, nil
		})
}

func permissionOr(err error, format, path string) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf(format, path)
	}
	return err
}
