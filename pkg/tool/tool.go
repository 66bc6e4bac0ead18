// Package tool presents a uniform dispatch surface over the tools the model
// may invoke. The registry validates arguments against each tool's schema
// and wraps every outcome, success or failure, into a result that carries
// the originating call identifier.
package tool

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors produced by dispatch.
var (
	// ErrUnknownTool indicates a call to a name with no registered handler.
	ErrUnknownTool = errors.New("tool: unknown tool")

	// ErrBadArguments indicates an argument map that fails the tool's schema.
	ErrBadArguments = errors.New("tool: bad arguments")
)

// BadArgumentsError reports which field failed schema validation.
// It wraps ErrBadArguments.
type BadArgumentsError struct {
	Field  string
	Reason string
}

func (e *BadArgumentsError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", ErrBadArguments.Error(), e.Field, e.Reason)
}

func (e *BadArgumentsError) Unwrap() error {
	return ErrBadArguments
}

// Error attaches a taxonomy kind to a tool failure so dispatch can record
// it on the result without knowing every tool's error set.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Output is a tool's successful payload before it is bound to a call id.
type Output struct {
	// Content is the textual payload delivered to the model. Always bounded.
	Content string

	// ExitCode is set by tools that run processes.
	ExitCode *int

	// DurationMS is the execution wall time.
	DurationMS int64

	// Truncated is set when the payload was cut at a cap.
	Truncated bool
}

// Tool is a single capability advertised to the model.
type Tool interface {
	// Name returns the tool's identifier, as advertised in the schema list.
	Name() string

	// Description returns the human/model-readable summary.
	Description() string

	// InputSchema returns the JSON-schema parameter shape.
	InputSchema() map[string]any

	// Execute runs the tool for the given conversation. Failures are
	// returned as errors; dispatch captures them into the result rather
	// than propagating.
	Execute(ctx context.Context, conversationID string, input map[string]any) (*Output, error)
}
