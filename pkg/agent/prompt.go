package agent

import (
	"fmt"
	"strings"

	"github.com/clawbox/clawbox/pkg/tool"
)

const systemPrompt = `You are clawbox, a helpful assistant that can execute commands safely in a sandboxed environment.

You have access to the following tools:
%s

When you need to use a tool, respond with a tool call. Always explain what you're doing before executing commands.

Important:
- Commands run in an isolated container with no network access
- Only simple allowlisted commands are accepted: no pipes, redirection, or substitution
- Files persist in /workspace during the session
- Use web_fetch for anything that requires the network

If you cannot complete a task with the available tools, explain why.`

// buildInstructions renders the system prompt with the registered tools.
func buildInstructions(registry *tool.Registry) string {
	tools := registry.List()
	if len(tools) == 0 {
		return fmt.Sprintf(systemPrompt, "No tools available.")
	}

	var lines []string
	for _, t := range tools {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
	}
	return fmt.Sprintf(systemPrompt, strings.Join(lines, "\n"))
}
