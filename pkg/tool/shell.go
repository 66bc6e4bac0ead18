package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawbox/clawbox/pkg/command"
	"github.com/clawbox/clawbox/pkg/sandbox"
)

// ShellExecName is the name the shell tool is advertised under.
const ShellExecName = "shell_exec"

// ShellTool validates a command and runs it in the conversation's sandbox.
type ShellTool struct {
	manager sandbox.Manager
	timeout time.Duration
}

// Verify interface compliance.
var _ Tool = (*ShellTool)(nil)

// NewShellTool creates the shell tool backed by the given sandbox manager.
func NewShellTool(manager sandbox.Manager, timeout time.Duration) *ShellTool {
	return &ShellTool{manager: manager, timeout: timeout}
}

func (t *ShellTool) Name() string { return ShellExecName }

func (t *ShellTool) Description() string {
	return "Run a single command in an isolated sandbox container. " +
		"Only simple allowlisted commands are accepted: no pipes, redirection, or substitution. " +
		"The working directory is /workspace; files there persist for the session."
}

func (t *ShellTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to run, e.g. \"ls /workspace\".",
			},
		},
		"required": []string{"command"},
	}
}

// Execute parses and validates the command, then runs the accepted argv in
// the sandbox. The argv is executed exactly as validated, token for token.
func (t *ShellTool) Execute(ctx context.Context, conversationID string, input map[string]any) (*Output, error) {
	raw, _ := input["command"].(string)

	argv, err := command.Validate(raw)
	if err != nil {
		return nil, &Error{Kind: command.Kind(err), Err: err}
	}

	slog.Info("Executing command", "conversationID", conversationID, "argv", argv)

	res, err := t.manager.Exec(ctx, conversationID, argv, t.timeout)
	if err != nil {
		return nil, &Error{Kind: sandboxKind(err), Err: err}
	}

	if res.TimedOut {
		return nil, &Error{
			Kind: "ExecTimeout",
			Err: fmt.Errorf("%w after %s; partial output:\n%s",
				sandbox.ErrExecTimeout, t.timeout, res.Output),
		}
	}

	content := string(res.Output)
	if content == "" {
		content = "(no output)"
	}
	if res.ExitCode != nil && *res.ExitCode != 0 {
		content = fmt.Sprintf("%s\n(exit code %d)", strings.TrimRight(content, "\n"), *res.ExitCode)
	}

	return &Output{
		Content:    content,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
	}, nil
}

func sandboxKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sandbox.ErrStartFailed):
		return "ContainerStartFailed"
	case errors.Is(err, sandbox.ErrUnavailable):
		return "SandboxUnavailable"
	default:
		return "SandboxError"
	}
}
