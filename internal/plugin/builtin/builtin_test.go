package builtin

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/termgpt/internal/plugin"
)

func newRegistry(t *testing.T, root string) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	if err := Register(reg, Workspace{Root: root}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRegister_AllBuiltinsSortedAndDisabledSkipped(t *testing.T) {
	reg := newRegistry(t, t.TempDir())
	got := strings.Join(reg.Names(), ",")
	if got != "calculator,find_files,list_directory,read_file,write_file" {
		t.Fatalf("names: %s", got)
	}

	reg = plugin.NewRegistry()
	if err := Register(reg, Workspace{Root: "."}, "write_file", "find_files"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Get("write_file"); err == nil {
		t.Fatalf("write_file should be disabled")
	}
	if reg.Len() != 3 {
		t.Fatalf("len: %d", reg.Len())
	}
}

func TestReadWriteFile_RoundTripWithDirectories(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, dir)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "write_file", map[string]any{
		"path":               "notes/today.md",
		"content":            "hello",
		"create_directories": true,
	})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if out["success"] != true || out["bytes_written"] != 5 {
		t.Fatalf("write out: %v", out)
	}

	out, err = reg.Invoke(ctx, "read_file", map[string]any{"path": "notes/today.md"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if out["content"] != "hello" || out["encoding"] != "utf-8" {
		t.Fatalf("read out: %v", out)
	}
}

func TestWriteFile_MissingParentWithoutCreateFails(t *testing.T) {
	reg := newRegistry(t, t.TempDir())
	_, err := reg.Invoke(context.Background(), "write_file", map[string]any{"path": "a/b.txt", "content": "x"})
	var ee *plugin.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %T %v", err, err)
	}
}

func TestReadFile_Rejections(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	big := make([]byte, MaxReadBytes+1)
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), big, 0o644); err != nil {
		t.Fatal(err)
	}
	reg := newRegistry(t, dir)

	cases := []struct {
		path string
		want string
	}{
		{"../etc/passwd", "invalid or non-existent file path"},
		{"missing.txt", "invalid or non-existent file path"},
		{"sub", "path is not a file"},
		{"big.bin", "file too large (>1MB)"},
	}
	for _, tc := range cases {
		_, err := reg.Invoke(context.Background(), "read_file", map[string]any{"path": tc.path})
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: got %v want %q", tc.path, err, tc.want)
		}
	}
}

func TestReadFile_InvalidUTF8Replaced(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte{'a', 0xff, 'b'}, 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := newRegistry(t, dir).Invoke(context.Background(), "read_file", map[string]any{"path": "x.txt"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if out["content"] != "a�b" {
		t.Fatalf("content: %q", out["content"])
	}
}

func TestListDirectory_SortsHidesAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.go", "A.txt", ".hidden", "c.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("12"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	reg := newRegistry(t, dir)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "list_directory", map[string]any{})
	if err != nil {
		t.Fatalf("list_directory: %v", err)
	}
	entries := out["entries"].([]any)
	var names []string
	for _, e := range entries {
		names = append(names, e.(map[string]any)["name"].(string))
	}
	if strings.Join(names, ",") != "A.txt,b.go,c.go,pkg" || out["total_count"] != 4 {
		t.Fatalf("entries: %v count %v", names, out["total_count"])
	}
	pkg := entries[3].(map[string]any)
	if pkg["type"] != "directory" {
		t.Fatalf("pkg entry: %v", pkg)
	}
	if _, ok := pkg["size"]; ok {
		t.Fatalf("directories carry no size: %v", pkg)
	}
	if entries[0].(map[string]any)["size"] != int64(2) {
		t.Fatalf("file size: %v", entries[0])
	}

	out, err = reg.Invoke(ctx, "list_directory", map[string]any{"show_hidden": true, "pattern": "*.go"})
	if err != nil {
		t.Fatalf("list_directory: %v", err)
	}
	if out["total_count"] != 2 {
		t.Fatalf("filtered: %v", out)
	}

	if _, err := reg.Invoke(ctx, "list_directory", map[string]any{"path": "b.go"}); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("expected not a directory, got %v", err)
	}
}

func TestFindFiles_RecursiveGlob(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"main.go", "internal/a/a.go", "internal/a/a_test.go", "internal/b/README.md"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := newRegistry(t, dir)
	out, err := reg.Invoke(context.Background(), "find_files", map[string]any{"pattern": "**/*.go"})
	if err != nil {
		t.Fatalf("find_files: %v", err)
	}
	matches := out["matches"].([]any)
	want := []string{"internal/a/a.go", "internal/a/a_test.go", "main.go"}
	if len(matches) != len(want) {
		t.Fatalf("matches: %v", matches)
	}
	for i := range want {
		if matches[i] != want[i] {
			t.Fatalf("match %d: %v want %s", i, matches[i], want[i])
		}
	}

	out, err = reg.Invoke(context.Background(), "find_files", map[string]any{"root": "internal", "pattern": "**/*.md"})
	if err != nil || out["total_count"] != 1 {
		t.Fatalf("rooted search: %v %v", out, err)
	}
	if _, err := reg.Invoke(context.Background(), "find_files", map[string]any{"pattern": "../**"}); err == nil {
		t.Fatalf("expected traversal rejection")
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"12 + 585", 597},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"7 // 2", 3},
		{"-7 // 2", -4},
		{"2 ** 3 ** 2", 512},
		{"-2 ** 2", -4},
		{".5 + 1.", 1.5},
		{"--3", 3},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: got %v want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvaluate_Errors(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"import os", "invalid characters"},
		{"2 ^ 3", "invalid characters"},
		{"1 / 0", "division by zero"},
		{"1 // (2 - 2)", "division by zero"},
		{"(1 + 2", "invalid mathematical expression"},
		{"1 +", "invalid mathematical expression"},
		{"1..2", "invalid mathematical expression"},
		{"", "invalid mathematical expression"},
	}
	for _, tc := range cases {
		_, err := Evaluate(tc.expr)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%q: got %v want %q", tc.expr, err, tc.want)
		}
	}
}

func TestCalculatorPlugin_ErrorIsExecutionError(t *testing.T) {
	reg := newRegistry(t, t.TempDir())
	out, err := reg.Invoke(context.Background(), "calculator", map[string]any{"expression": "12 + 585"})
	if err != nil || out["result"] != 597.0 || out["expression"] != "12 + 585" {
		t.Fatalf("out=%v err=%v", out, err)
	}
	_, err = reg.Invoke(context.Background(), "calculator", map[string]any{"expression": "1/0"})
	var ee *plugin.ExecutionError
	if !errors.As(err, &ee) || ee.PluginName != "calculator" {
		t.Fatalf("expected ExecutionError, got %T %v", err, err)
	}
}
