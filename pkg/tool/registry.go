package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawbox/clawbox/pkg/domain"
)

// Registry keeps the mapping between tool names and implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register inserts a tool when its name is not in use.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// List returns the registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Dispatch executes the call and always returns a result carrying the
// originating call id. Tool failures are captured, never propagated.
func (r *Registry) Dispatch(ctx context.Context, conversationID string, call *domain.ToolCall) *domain.ToolResult {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		return failure(call.ID, "UnknownTool", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}

	if err := validateInput(call.Input, t.InputSchema()); err != nil {
		return failure(call.ID, "BadArguments", err)
	}

	start := time.Now()
	out, err := t.Execute(ctx, conversationID, call.Input)
	duration := time.Since(start)

	if err != nil {
		res := failure(call.ID, kindOf(err), err)
		res.DurationMS = duration.Milliseconds()
		slog.Info("Tool call failed", "conversationID", conversationID, "tool", call.Name, "errorKind", res.ErrorKind, "durationMS", res.DurationMS)
		return res
	}
	if out == nil {
		out = &Output{}
	}

	res := &domain.ToolResult{
		ToolCallID: call.ID,
		Content:    out.Content,
		ExitCode:   out.ExitCode,
		DurationMS: duration.Milliseconds(),
		Truncated:  out.Truncated,
	}
	if out.DurationMS > 0 {
		res.DurationMS = out.DurationMS
	}
	return res
}

func failure(callID, kind string, err error) *domain.ToolResult {
	return &domain.ToolResult{
		ToolCallID: callID,
		Content:    fmt.Sprintf("Error: %v", err),
		IsError:    true,
		ErrorKind:  kind,
	}
}

func kindOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return "ToolError"
}

// validateInput checks required fields and primitive types against the
// JSON-schema parameter shape.
func validateInput(input map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, exists := input[field]; !exists {
				return &BadArgumentsError{Field: field, Reason: "required field missing"}
			}
		}
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for key, value := range input {
		def, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		want, _ := def["type"].(string)
		if want == "" {
			continue
		}
		if err := checkType(value, want); err != nil {
			return &BadArgumentsError{Field: key, Reason: err.Error()}
		}
	}
	return nil
}

func checkType(value any, want string) error {
	ok := false
	switch want {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			ok = true
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("expected %s, got %T", want, value)
	}
	return nil
}
