//go:build integration

package docker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clawbox/clawbox/pkg/sandbox/docker"
)

// Requires a running Docker daemon and the sandbox image built locally.
func TestManagerExecLifecycle(t *testing.T) {
	mgr, err := docker.New(docker.Options{
		Image:           "clawbox-sandbox:latest",
		WorkspaceRoot:   t.TempDir(),
		MemMiB:          512,
		CPUs:            1.0,
		Pids:            128,
		OutputCapBytes:  64 * 1024,
		ScratchCapBytes: 64 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := mgr.Ping(ctx); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	conversationID := uuid.New().String()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Reset(cleanupCtx, conversationID)
	}()

	// First exec triggers the cold start.
	res, err := mgr.Exec(ctx, conversationID, []string{"echo", "hello"}, 30*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if string(res.Output) != "hello\n" {
		t.Errorf("output = %q", res.Output)
	}

	// Nonzero exit is a result, not an error.
	res, err = mgr.Exec(ctx, conversationID, []string{"grep", "nomatch", "/workspace"}, 30*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode == 0 {
		t.Errorf("exit code = %v, want nonzero", res.ExitCode)
	}

	// Timeout: the process is killed and the result carries TimedOut.
	res, err = mgr.Exec(ctx, conversationID, []string{"sh", "-c", "sleep 60"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.ExitCode != nil {
		t.Error("exit code must be absent on timeout")
	}

	// Reset twice in a row: idempotent.
	if err := mgr.Reset(ctx, conversationID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := mgr.Reset(ctx, conversationID); err != nil {
		t.Fatalf("Reset again: %v", err)
	}
}
