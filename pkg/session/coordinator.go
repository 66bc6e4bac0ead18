// Package session serialises requests per conversation and holds each
// conversation's in-memory history. Containers are owned by the sandbox
// manager; a session only knows its conversation id.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawbox/clawbox/pkg/agent"
	"github.com/clawbox/clawbox/pkg/command"
	"github.com/clawbox/clawbox/pkg/model"
	"github.com/clawbox/clawbox/pkg/sandbox"
	"github.com/clawbox/clawbox/pkg/store"
	"github.com/clawbox/clawbox/pkg/tool"
)

// session is one conversation's state. The mutex is held for the entire
// duration of one request's agent loop.
type session struct {
	mu        sync.Mutex
	history   []model.Message
	createdAt time.Time
}

// Coordinator owns the session map and fans requests into the agent loop,
// one at a time per conversation id.
type Coordinator struct {
	loop    *agent.Loop
	sandbox sandbox.Manager
	audit   store.AuditStore // may be nil

	mu       sync.Mutex // guards sessions; never held across a request
	sessions map[string]*session
}

// New creates a Coordinator. audit may be nil to disable persistence of
// audit records.
func New(loop *agent.Loop, sandboxManager sandbox.Manager, audit store.AuditStore) *Coordinator {
	return &Coordinator{
		loop:     loop,
		sandbox:  sandboxManager,
		audit:    audit,
		sessions: make(map[string]*session),
	}
}

// getOrCreate performs the race-free lookup-or-insert under the meta-mutex.
func (c *Coordinator) getOrCreate(conversationID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[conversationID]
	if !ok {
		s = &session{createdAt: time.Now()}
		c.sessions[conversationID] = s
	}
	return s
}

// HandleMessage runs one user request through the agent loop. Requests for
// the same conversation id are strictly serialised; requests for different
// ids proceed in parallel.
func (c *Coordinator) HandleMessage(ctx context.Context, conversationID, text string) *agent.Result {
	s := c.getOrCreate(conversationID)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, history := c.loop.Run(ctx, conversationID, s.history, text)
	s.history = history

	c.record(conversationID, res)
	return res
}

// History returns a snapshot of the conversation's turns.
func (c *Coordinator) History(conversationID string) []model.Message {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Reset drops the conversation's history and removes its container.
// Resetting an unknown conversation is not an error.
func (c *Coordinator) Reset(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	if ok {
		delete(c.sessions, conversationID)
	}
	c.mu.Unlock()

	if ok {
		// Wait out any in-flight request before tearing the container down.
		s.mu.Lock()
		s.mu.Unlock()
		slog.Info("Session reset", "conversationID", conversationID, "age", time.Since(s.createdAt))
	}
	return c.sandbox.Reset(ctx, conversationID)
}

// Shutdown removes every container and forgets all sessions.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.sessions = make(map[string]*session)
	c.mu.Unlock()
	return c.sandbox.CleanupAll(ctx)
}

// record emits the structured log lines and audit rows for one finished
// request: one record per tool invocation, one per termination. Bodies and
// credentials never appear here.
func (c *Coordinator) record(conversationID string, res *agent.Result) {
	containerID := c.sandbox.ContainerID(conversationID)
	now := time.Now().UTC()

	// Audit writes are best-effort; a full disk must not fail the request.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, turn := range res.Trace {
		for _, call := range turn.Calls {
			argv := argvFor(call)
			slog.Info("Tool invocation",
				"conversationID", conversationID,
				"containerID", containerID,
				"tool", call.Tool,
				"argv", argv,
				"exitCode", call.ExitCode,
				"durationMS", call.DurationMS,
				"truncated", call.Truncated,
				"success", call.Success,
				"errorKind", call.ErrorKind,
			)
			if c.audit != nil {
				if err := c.audit.RecordToolCall(ctx, &store.ToolCallRecord{
					ID:             uuid.New().String(),
					ConversationID: conversationID,
					ContainerID:    containerID,
					Tool:           call.Tool,
					Argv:           argv,
					Success:        call.Success,
					ErrorKind:      call.ErrorKind,
					ExitCode:       call.ExitCode,
					DurationMS:     call.DurationMS,
					Truncated:      call.Truncated,
					Timestamp:      now,
				}); err != nil {
					slog.Warn("Audit write failed", "error", err)
				}
			}
		}
	}

	slog.Info("Agent loop terminated",
		"conversationID", conversationID,
		"containerID", containerID,
		"stopReason", res.StopReason,
		"turns", res.Turns,
	)
	if c.audit != nil {
		if err := c.audit.RecordTermination(ctx, &store.TerminationRecord{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			ContainerID:    containerID,
			StopReason:     string(res.StopReason),
			Turns:          res.Turns,
			Timestamp:      now,
		}); err != nil {
			slog.Warn("Audit write failed", "error", err)
		}
	}
}

// argvFor renders the argv recorded for a shell invocation. Validation is
// pure, so re-running it on the traced command yields the executed argv.
func argvFor(call agent.CallTrace) string {
	if call.Tool != tool.ShellExecName {
		return ""
	}
	raw, _ := call.Input["command"].(string)
	if raw == "" {
		return ""
	}
	argv, err := command.Validate(raw)
	if err != nil {
		// The command never reached the sandbox; record the raw string.
		return raw
	}
	b, _ := json.Marshal(argv)
	return string(b)
}
