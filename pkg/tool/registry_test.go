package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/clawbox/clawbox/pkg/domain"
)

type fakeTool struct {
	name string
	out  *Output
	err  error

	gotConversation string
	gotInput        map[string]any
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "a fake tool" }

func (f *fakeTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
		},
		"required": []string{"text"},
	}
}

func (f *fakeTool) Execute(ctx context.Context, conversationID string, input map[string]any) (*Output, error) {
	f.gotConversation = conversationID
	f.gotInput = input
	return f.out, f.err
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&fakeTool{name: "a"}); err == nil {
		t.Fatal("duplicate Register must fail")
	}
	if err := r.Register(nil); err == nil {
		t.Fatal("nil Register must fail")
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("List len = %d", got)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Dispatch(context.Background(), "conv", &domain.ToolCall{ID: "c1", Name: "nope"})
	if res.ToolCallID != "c1" {
		t.Errorf("result must carry the call id, got %q", res.ToolCallID)
	}
	if !res.IsError || res.ErrorKind != "UnknownTool" {
		t.Errorf("got IsError=%v kind=%q", res.IsError, res.ErrorKind)
	}
}

func TestDispatchBadArguments(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "fake", out: &Output{Content: "ok"}}
	r.Register(ft)

	// Missing required field.
	res := r.Dispatch(context.Background(), "conv", &domain.ToolCall{ID: "c2", Name: "fake", Input: map[string]any{}})
	if !res.IsError || res.ErrorKind != "BadArguments" {
		t.Errorf("missing field: IsError=%v kind=%q", res.IsError, res.ErrorKind)
	}

	// Wrong type.
	res = r.Dispatch(context.Background(), "conv", &domain.ToolCall{ID: "c3", Name: "fake", Input: map[string]any{"text": 42}})
	if !res.IsError || res.ErrorKind != "BadArguments" {
		t.Errorf("wrong type: IsError=%v kind=%q", res.IsError, res.ErrorKind)
	}

	// JSON numbers arrive as float64; integral values pass integer checks.
	res = r.Dispatch(context.Background(), "conv", &domain.ToolCall{ID: "c4", Name: "fake", Input: map[string]any{"text": "hi", "count": float64(3)}})
	if res.IsError {
		t.Errorf("integral float: unexpected error %q", res.Content)
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := NewRegistry()
	exit := 0
	ft := &fakeTool{name: "fake", out: &Output{Content: "done", ExitCode: &exit}}
	r.Register(ft)

	res := r.Dispatch(context.Background(), "conv-1", &domain.ToolCall{ID: "c5", Name: "fake", Input: map[string]any{"text": "hi"}})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if res.ToolCallID != "c5" || res.Content != "done" {
		t.Errorf("got %+v", res)
	}
	if ft.gotConversation != "conv-1" {
		t.Errorf("conversation id = %q", ft.gotConversation)
	}
}

func TestDispatchCapturesToolError(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "fake", err: &Error{Kind: "ForbiddenPattern", Err: errors.New("nope")}}
	r.Register(ft)

	res := r.Dispatch(context.Background(), "conv", &domain.ToolCall{ID: "c6", Name: "fake", Input: map[string]any{"text": "x"}})
	if !res.IsError || res.ErrorKind != "ForbiddenPattern" {
		t.Errorf("got IsError=%v kind=%q", res.IsError, res.ErrorKind)
	}
	if res.ToolCallID != "c6" {
		t.Errorf("call id = %q", res.ToolCallID)
	}
}

func TestDispatchPlainErrorKind(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "fake", err: errors.New("boom")}
	r.Register(ft)

	res := r.Dispatch(context.Background(), "conv", &domain.ToolCall{ID: "c7", Name: "fake", Input: map[string]any{"text": "x"}})
	if res.ErrorKind != "ToolError" {
		t.Errorf("kind = %q", res.ErrorKind)
	}
}
