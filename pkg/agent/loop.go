// Package agent drives the Think→Act→Observe cycle against an LLM, with
// circuit breakers bounding iteration, oscillation, and failure cascades.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/clawbox/clawbox/pkg/domain"
	"github.com/clawbox/clawbox/pkg/model"
	"github.com/clawbox/clawbox/pkg/tool"
)

// traceExcerptLen bounds the payload excerpt recorded per tool result.
const traceExcerptLen = 200

// Config holds the loop's limits.
type Config struct {
	// Model is the model name passed to the provider.
	Model string

	// MaxTurns caps LLM iterations per request.
	MaxTurns int

	// MaxRepeated is the number of consecutive turns an identical call
	// signature may appear before the loop stops.
	MaxRepeated int

	// MaxConsecutiveErrors is the number of successive failed tool results
	// that stops the loop.
	MaxConsecutiveErrors int
}

// CallTrace summarises one tool call attempt.
type CallTrace struct {
	Tool       string         `json:"tool"`
	CallID     string         `json:"call_id"`
	Input      map[string]any `json:"input,omitempty"`
	Success    bool           `json:"success"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	Excerpt    string         `json:"excerpt,omitempty"`
}

// TurnTrace records the tool calls of one loop iteration.
type TurnTrace struct {
	Turn  int         `json:"turn"`
	Calls []CallTrace `json:"calls,omitempty"`
}

// Result is the terminal output of one agent request.
type Result struct {
	// FinalText is the model's last textual output, if any.
	FinalText string

	// StopReason explains termination.
	StopReason domain.StopReason

	// Turns is the number of completed LLM iterations.
	Turns int

	// Trace records per-turn tool activity.
	Trace []TurnTrace
}

// ResponseText returns the user-visible reply: the model's last textual
// output when there is one, otherwise a short sentence naming the stop
// reason.
func (r *Result) ResponseText() string {
	if r.FinalText != "" {
		return r.FinalText
	}
	switch r.StopReason {
	case domain.StopMaxTurns:
		return "I stopped after reaching the turn limit without finishing."
	case domain.StopRepeatedCall:
		return "I stopped because I was repeating the same action without progress."
	case domain.StopConsecutiveErrors:
		return "I stopped after several tool failures in a row."
	case domain.StopLLMError:
		return "I could not reach the language model. Please try again."
	default:
		return ""
	}
}

// Loop runs agent requests against a provider and a tool registry.
type Loop struct {
	provider model.Provider
	registry *tool.Registry
	cfg      Config
}

// New creates an agent loop.
func New(provider model.Provider, registry *tool.Registry, cfg Config) *Loop {
	return &Loop{provider: provider, registry: registry, cfg: cfg}
}

// Run processes one user message for the conversation. It appends the
// message and everything the exchange produces to history and returns the
// updated history alongside the result. Breakers are surfaced in the
// result's stop reason; they are never fed back to the model.
func (l *Loop) Run(ctx context.Context, conversationID string, history []model.Message, userText string) (*Result, []model.Message) {
	history = append(history, model.Message{
		Role:    domain.RoleUser,
		Content: []model.Content{{Type: domain.ContentTypeText, Text: userText}},
	})

	instructions := buildInstructions(l.registry)
	schemas := toolSchemas(l.registry)

	res := &Result{}
	consecutiveErrors := 0
	streaks := make(map[string]int) // call signature -> consecutive turns seen

	for turn := 1; turn <= l.cfg.MaxTurns; turn++ {
		// Consecutive-errors breaker, checked at the top of the iteration.
		if consecutiveErrors >= l.cfg.MaxConsecutiveErrors {
			res.StopReason = domain.StopConsecutiveErrors
			return res, history
		}

		msg, err := l.callModel(ctx, instructions, history, schemas)
		if err != nil {
			slog.Error("Model call failed", "conversationID", conversationID, "turn", turn, "error", err)
			res.StopReason = domain.StopLLMError
			return res, history
		}

		res.Turns = turn
		history = append(history, msg)

		if text := textOf(msg); text != "" {
			res.FinalText = text
		}

		toolCalls := extractToolCalls(msg)
		if len(toolCalls) == 0 {
			res.StopReason = domain.StopCompleted
			return res, history
		}

		// Repeated-call breaker: an identical signature reissued in enough
		// consecutive turns means the model is oscillating.
		seen := make(map[string]bool, len(toolCalls))
		repeated := false
		for _, tc := range toolCalls {
			sig := callSignature(tc)
			seen[sig] = true
			if streaks[sig]+1 >= l.cfg.MaxRepeated {
				repeated = true
			}
		}
		if repeated {
			res.StopReason = domain.StopRepeatedCall
			return res, history
		}
		next := make(map[string]int, len(seen))
		for sig := range seen {
			next[sig] = streaks[sig] + 1
		}
		streaks = next

		turnTrace := TurnTrace{Turn: turn}
		for _, tc := range toolCalls {
			result := l.registry.Dispatch(ctx, conversationID, tc)

			if result.IsError {
				consecutiveErrors++
			} else {
				consecutiveErrors = 0
			}

			turnTrace.Calls = append(turnTrace.Calls, CallTrace{
				Tool:       tc.Name,
				CallID:     tc.ID,
				Input:      tc.Input,
				Success:    !result.IsError,
				ErrorKind:  result.ErrorKind,
				ExitCode:   result.ExitCode,
				DurationMS: result.DurationMS,
				Truncated:  result.Truncated,
				Excerpt:    excerpt(result.Content),
			})

			history = append(history, model.Message{
				Role: domain.RoleTool,
				Content: []model.Content{{
					Type:       domain.ContentTypeToolResult,
					ToolResult: result,
				}},
			})

			// A cancelled request unwinds immediately; the tool result
			// above preserves whatever was captured.
			if ctx.Err() != nil {
				res.StopReason = domain.StopLLMError
				res.Trace = append(res.Trace, turnTrace)
				return res, history
			}
		}
		res.Trace = append(res.Trace, turnTrace)
	}

	res.StopReason = domain.StopMaxTurns
	return res, history
}

func (l *Loop) callModel(ctx context.Context, instructions string, history []model.Message, schemas []model.ToolSchema) (model.Message, error) {
	stream, err := l.provider.Stream(ctx, l.cfg.Model, instructions, history, schemas)
	if err != nil {
		return model.Message{}, fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	msg, err := stream.FullMessage()
	if err != nil {
		return model.Message{}, fmt.Errorf("reading model response: %w", err)
	}
	return msg, nil
}

func toolSchemas(registry *tool.Registry) []model.ToolSchema {
	tools := registry.List()
	schemas := make([]model.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, model.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return schemas
}

func extractToolCalls(msg model.Message) []*domain.ToolCall {
	var calls []*domain.ToolCall
	for _, c := range msg.Content {
		if c.Type == domain.ContentTypeToolCall && c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	return calls
}

func textOf(msg model.Message) string {
	var parts []string
	for _, c := range msg.Content {
		if c.Type == domain.ContentTypeText && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// callSignature canonicalises a tool call for repeat detection: argument
// keys in byte order, string values whitespace-normalised. Two calls are
// the same iff their canonical forms are byte-equal.
func callSignature(tc *domain.ToolCall) string {
	var b strings.Builder
	b.WriteString(tc.Name)
	b.WriteByte('(')
	writeCanonical(&b, tc.Input)
	b.WriteByte(')')
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "%q", normalizeWhitespace(val))
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

// normalizeWhitespace collapses inner runs of ASCII whitespace to a single
// space and trims leading and trailing whitespace.
func normalizeWhitespace(s string) string {
	var b strings.Builder
	inRun := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			inRun = true
		default:
			if inRun && b.Len() > 0 {
				b.WriteByte(' ')
			}
			inRun = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func excerpt(s string) string {
	if len(s) <= traceExcerptLen {
		return s
	}
	return s[:traceExcerptLen] + "..."
}
