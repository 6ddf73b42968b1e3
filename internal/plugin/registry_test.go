package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func echoPlugin(name string) Plugin {
	return New(name, "echoes text",
		Object(
			Field{Name: "text", Type: TypeString, Description: "text to echo", Required: true},
			Field{Name: "times", Type: TypeInteger, Default: 1},
		),
		Object(Field{Name: "echo", Type: TypeString, Required: true}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			s, _ := args["text"].(string)
			n, _ := args["times"].(float64)
			out := ""
			for i := 0; i < int(n); i++ {
				out += s
			}
			return map[string]any{"echo": out}, nil
		})
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoPlugin("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(echoPlugin("echo"))
	var de *DuplicateError
	if !errors.As(err, &de) || de.PluginName != "echo" {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	bad := New("bad", "", Object(Field{Name: "x", Type: Type("date")}), Object(), nil)
	if err := r.Register(bad); err == nil {
		t.Fatalf("expected schema error")
	}
	dup := New("dup", "", Object(Field{Name: "x", Type: TypeString}, Field{Name: "x", Type: TypeString}), Object(), nil)
	if err := r.Register(dup); err == nil {
		t.Fatalf("expected duplicate field error")
	}
	if err := r.Register(New("bad name!", "", Object(), Object(), nil)); err == nil {
		t.Fatalf("expected name error")
	}
}

func TestRegistry_InvokeAppliesDefaultsAndValidates(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoPlugin("echo"))
	out, err := r.Invoke(context.Background(), "echo", map[string]any{"text": "ab"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["echo"] != "ab" {
		t.Fatalf("out: %v", out)
	}
	out, err = r.Invoke(context.Background(), "echo", map[string]any{"text": "ab", "times": 3})
	if err != nil || out["echo"] != "ababab" {
		t.Fatalf("out: %v err: %v", out, err)
	}
}

func TestRegistry_InvokeInputValidationError(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoPlugin("echo"))
	cases := []map[string]any{
		{},
		{"text": 5},
		{"text": "a", "extra": true},
	}
	for _, args := range cases {
		_, err := r.Invoke(context.Background(), "echo", args)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Stage != StageInput || ve.PluginName != "echo" {
			t.Fatalf("args %v: expected input ValidationError, got %v", args, err)
		}
	}
}

func TestRegistry_InvokeOutputValidationError(t *testing.T) {
	r := NewRegistry()
	p := New("liar", "", Object(), Object(Field{Name: "n", Type: TypeNumber, Required: true}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"n": "not a number"}, nil
		})
	_ = r.Register(p)
	_, err := r.Invoke(context.Background(), "liar", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Stage != StageOutput {
		t.Fatalf("expected output ValidationError, got %v", err)
	}
}

func TestRegistry_InvokeNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", nil)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := r.Get("nope"); !errors.As(err, &nf) {
		t.Fatalf("Get: expected NotFoundError, got %v", err)
	}
}

func TestRegistry_InvokeExecutionError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	_ = r.Register(New("fail", "", Object(), Object(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, boom
	}))
	_, err := r.Invoke(context.Background(), "fail", nil)
	var ee *ExecutionError
	if !errors.As(err, &ee) || !errors.Is(err, boom) {
		t.Fatalf("expected ExecutionError wrapping boom, got %v", err)
	}
}

func TestRegistry_InvokePanicIsExecutionError(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(New("panics", "", Object(), Object(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		panic("kaboom")
	}))
	_, err := r.Invoke(context.Background(), "panics", nil)
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	_ = r.Register(New("slow", "", Object(), Object(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return map[string]any{}, nil
	}))
	_, err := r.Invoke(context.Background(), "slow", nil)
	var te *TimeoutError
	if !errors.As(err, &te) || te.PluginName != "slow" {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestRegistry_ToolDefinitionsDeterministic(t *testing.T) {
	build := func() []byte {
		r := NewRegistry()
		_ = r.Register(echoPlugin("zeta"))
		_ = r.Register(echoPlugin("alpha"))
		b, err := json.Marshal(r.ToolDefinitions())
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return b
	}
	a, b := build(), build()
	if string(a) != string(b) {
		t.Fatalf("definitions differ:\n%s\n%s", a, b)
	}
	r := NewRegistry()
	_ = r.Register(echoPlugin("zeta"))
	_ = r.Register(echoPlugin("alpha"))
	defs := r.ToolDefinitions()
	if defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("order: %v", defs)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "alpha" {
		t.Fatalf("names: %v", names)
	}
}
