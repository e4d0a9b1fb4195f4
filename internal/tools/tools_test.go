package tools

import (
	"context"
	"slices"
	"strings"
	"testing"
)

type stubTool struct{ name string }

func (t *stubTool) Name() string                    { return t.name }
func (t *stubTool) Description() string             { return "stub" }
func (t *stubTool) InputSchema() map[string]any     { return map[string]any{"type": "object"} }
func (t *stubTool) Validate(_ map[string]any) error { return nil }
func (t *stubTool) Execute(_ context.Context, _ map[string]any) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{name: "a"})
	reg.Register(&stubTool{name: "b"})

	if got := reg.Get("a"); got == nil || got.Name() != "a" {
		t.Errorf("Get(a) = %v", got)
	}
	if got := reg.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}

	names := reg.List()
	slices.Sort(names)
	if !slices.Equal(names, []string{"a", "b"}) {
		t.Errorf("List() = %v", names)
	}
	if len(reg.All()) != 2 {
		t.Errorf("All() returned %d tools", len(reg.All()))
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg := NewRegistry()
	reg.Register(&stubTool{name: "a"})
	reg.Register(&stubTool{name: "a"})
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	got := TruncateOutput(long, 100)
	if len(got) > 100 {
		t.Errorf("got %d bytes, want <= 100", len(got))
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("missing truncation notice: %q", got)
	}
}
