package model

import (
	"context"

	"github.com/clawbox/clawbox/pkg/domain"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, tool, system).
	Role domain.Role

	// Content holds the message parts.
	Content []Content
}

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "tool_call", "tool_result"

	// Text content (when Type == "text").
	Text string `json:"text,omitempty"`

	// Tool call (when Type == "tool_call").
	ToolCall *domain.ToolCall `json:"tool_call,omitempty"`

	// Tool result (when Type == "tool_result").
	ToolResult *domain.ToolResult `json:"tool_result,omitempty"`
}

// ToolSchema is the machine-readable description of one tool, advertised to
// the model alongside the conversation.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Provider represents a service that provides LLMs.
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// Stream sends a conversation context and the tool schema list to the
	// LLM and returns a stream of responses.
	Stream(ctx context.Context, modelName, instructions string, messages []Message, tools []ToolSchema) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the complete response is available and
	// returns it.
	FullMessage() (Message, error)

	// Close releases resources associated with this stream.
	Close() error
}
