package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clawbox/clawbox/pkg/domain"
	"github.com/clawbox/clawbox/pkg/model"
	"github.com/clawbox/clawbox/pkg/tool"
)

// scriptedProvider replays a fixed sequence of assistant messages.
type scriptedProvider struct {
	messages []model.Message
	err      error
	calls    int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, modelName, instructions string, messages []model.Message, tools []model.ToolSchema) (model.ModelStream, error) {
	if p.err != nil {
		return nil, p.err
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.messages) {
		idx = len(p.messages) - 1
	}
	return &scriptedStream{msg: p.messages[idx]}, nil
}

type scriptedStream struct {
	msg model.Message
}

func (s *scriptedStream) FullMessage() (model.Message, error) { return s.msg, nil }
func (s *scriptedStream) Close() error                        { return nil }

// countingTool succeeds or fails on demand.
type countingTool struct {
	name  string
	fail  bool
	calls int
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return "a test tool" }
func (t *countingTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *countingTool) Execute(ctx context.Context, conversationID string, input map[string]any) (*tool.Output, error) {
	t.calls++
	if t.fail {
		return nil, &tool.Error{Kind: "ToolError", Err: errors.New("mock failure")}
	}
	return &tool.Output{Content: "mock output"}, nil
}

func textMsg(text string) model.Message {
	return model.Message{
		Role:    domain.RoleAssistant,
		Content: []model.Content{{Type: domain.ContentTypeText, Text: text}},
	}
}

func callMsg(id, name string, input map[string]any) model.Message {
	return model.Message{
		Role: domain.RoleAssistant,
		Content: []model.Content{{
			Type:     domain.ContentTypeToolCall,
			ToolCall: &domain.ToolCall{ID: id, Name: name, Input: input},
		}},
	}
}

func testConfig() Config {
	return Config{Model: "test-model", MaxTurns: 10, MaxRepeated: 2, MaxConsecutiveErrors: 3}
}

func newRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	for _, tl := range tools {
		if err := r.Register(tl); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return r
}

func TestRunSimpleResponse(t *testing.T) {
	provider := &scriptedProvider{messages: []model.Message{textMsg("Hello!")}}
	loop := New(provider, newRegistry(t, &countingTool{name: "mock"}), testConfig())

	res, history := loop.Run(context.Background(), "conv", nil, "Hi")

	if res.StopReason != domain.StopCompleted {
		t.Errorf("stop = %s", res.StopReason)
	}
	if res.FinalText != "Hello!" || res.Turns != 1 {
		t.Errorf("got text=%q turns=%d", res.FinalText, res.Turns)
	}
	// user + assistant.
	if len(history) != 2 {
		t.Errorf("history len = %d", len(history))
	}
}

func TestRunToolExecution(t *testing.T) {
	ct := &countingTool{name: "mock"}
	provider := &scriptedProvider{messages: []model.Message{
		callMsg("1", "mock", map[string]any{}),
		textMsg("Done!"),
	}}
	loop := New(provider, newRegistry(t, ct), testConfig())

	res, history := loop.Run(context.Background(), "conv", nil, "Do something")

	if res.StopReason != domain.StopCompleted || res.FinalText != "Done!" {
		t.Errorf("got %+v", res)
	}
	if res.Turns != 2 {
		t.Errorf("turns = %d", res.Turns)
	}
	if ct.calls != 1 {
		t.Errorf("tool calls = %d", ct.calls)
	}
	// user + assistant(call) + tool + assistant(text).
	if len(history) != 4 {
		t.Errorf("history len = %d", len(history))
	}
	// The tool result carries the originating call id.
	tr := history[2].Content[0].ToolResult
	if tr == nil || tr.ToolCallID != "1" {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestRunMaxTurns(t *testing.T) {
	// Every turn issues a fresh, distinct tool call: no other breaker trips.
	var msgs []model.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, callMsg(fmt.Sprint(i), "mock", map[string]any{"n": i}))
	}
	provider := &scriptedProvider{messages: msgs}
	cfg := testConfig()
	cfg.MaxTurns = 3
	cfg.MaxRepeated = 10
	loop := New(provider, newRegistry(t, &countingTool{name: "mock"}), cfg)

	res, _ := loop.Run(context.Background(), "conv", nil, "Loop forever")

	if res.StopReason != domain.StopMaxTurns {
		t.Errorf("stop = %s", res.StopReason)
	}
	if res.Turns != 3 {
		t.Errorf("turns = %d", res.Turns)
	}
	if provider.calls != 3 {
		t.Errorf("LLM calls = %d; the cap must prevent further THINK steps", provider.calls)
	}
}

func TestRunRepeatedCall(t *testing.T) {
	// The same call signature in two consecutive turns.
	provider := &scriptedProvider{messages: []model.Message{
		callMsg("1", "mock", map[string]any{"x": float64(1)}),
		callMsg("2", "mock", map[string]any{"x": float64(1)}),
	}}
	loop := New(provider, newRegistry(t, &countingTool{name: "mock"}), testConfig())

	res, _ := loop.Run(context.Background(), "conv", nil, "Repeat")

	if res.StopReason != domain.StopRepeatedCall {
		t.Errorf("stop = %s", res.StopReason)
	}
	if res.Turns != 2 {
		t.Errorf("turns = %d", res.Turns)
	}
}

func TestRunRepeatedCallNotConsecutive(t *testing.T) {
	// The duplicate reappears only after a different turn in between:
	// the streak resets and the loop keeps going to the final answer.
	provider := &scriptedProvider{messages: []model.Message{
		callMsg("1", "mock", map[string]any{"x": float64(1)}),
		callMsg("2", "mock", map[string]any{"x": float64(2)}),
		callMsg("3", "mock", map[string]any{"x": float64(1)}),
		textMsg("done"),
	}}
	loop := New(provider, newRegistry(t, &countingTool{name: "mock"}), testConfig())

	res, _ := loop.Run(context.Background(), "conv", nil, "Alternate")

	if res.StopReason != domain.StopCompleted {
		t.Errorf("stop = %s", res.StopReason)
	}
}

func TestRunConsecutiveErrors(t *testing.T) {
	var msgs []model.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, callMsg(fmt.Sprint(i), "mock", map[string]any{"n": i}))
	}
	provider := &scriptedProvider{messages: msgs}
	loop := New(provider, newRegistry(t, &countingTool{name: "mock", fail: true}), testConfig())

	res, _ := loop.Run(context.Background(), "conv", nil, "Fail")

	if res.StopReason != domain.StopConsecutiveErrors {
		t.Errorf("stop = %s", res.StopReason)
	}
	if res.Turns != 3 {
		t.Errorf("turns = %d", res.Turns)
	}
}

func TestRunErrorCounterResetsOnSuccess(t *testing.T) {
	failing := &countingTool{name: "bad", fail: true}
	working := &countingTool{name: "good"}
	provider := &scriptedProvider{messages: []model.Message{
		callMsg("1", "bad", map[string]any{"n": 1}),
		callMsg("2", "bad", map[string]any{"n": 2}),
		callMsg("3", "good", map[string]any{}),
		callMsg("4", "bad", map[string]any{"n": 3}),
		callMsg("5", "bad", map[string]any{"n": 4}),
		textMsg("recovered"),
	}}
	loop := New(provider, newRegistry(t, failing, working), testConfig())

	res, _ := loop.Run(context.Background(), "conv", nil, "Mixed")

	if res.StopReason != domain.StopCompleted {
		t.Errorf("stop = %s; a success must reset the error counter", res.StopReason)
	}
}

func TestRunLLMError(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("transport down")}
	loop := New(provider, newRegistry(t, &countingTool{name: "mock"}), testConfig())

	res, _ := loop.Run(context.Background(), "conv", nil, "Hi")

	if res.StopReason != domain.StopLLMError {
		t.Errorf("stop = %s", res.StopReason)
	}
	if res.Turns != 0 {
		t.Errorf("turns = %d", res.Turns)
	}
}

func TestRunTrace(t *testing.T) {
	provider := &scriptedProvider{messages: []model.Message{
		callMsg("1", "mock", map[string]any{}),
		textMsg("ok"),
	}}
	loop := New(provider, newRegistry(t, &countingTool{name: "mock"}), testConfig())

	res, _ := loop.Run(context.Background(), "conv", nil, "trace me")

	if len(res.Trace) != 1 {
		t.Fatalf("trace len = %d", len(res.Trace))
	}
	call := res.Trace[0].Calls[0]
	if call.Tool != "mock" || call.CallID != "1" || !call.Success {
		t.Errorf("trace call = %+v", call)
	}
}

func TestCallSignatureCanonicalisation(t *testing.T) {
	a := &domain.ToolCall{Name: "shell_exec", Input: map[string]any{"command": "ls   /workspace ", "b": float64(1)}}
	b := &domain.ToolCall{Name: "shell_exec", Input: map[string]any{"b": float64(1), "command": "ls /workspace"}}
	if callSignature(a) != callSignature(b) {
		t.Errorf("signatures differ:\n%s\n%s", callSignature(a), callSignature(b))
	}

	c := &domain.ToolCall{Name: "shell_exec", Input: map[string]any{"command": "ls /etc"}}
	if callSignature(a) == callSignature(c) {
		t.Error("distinct commands must have distinct signatures")
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a  b", "a b"},
		{"a\t\nb", "a b"},
		{"a b  ", "a b"},
		{"  a", "a"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeWhitespace(tc.in); got != tc.want {
			t.Errorf("normalizeWhitespace(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
