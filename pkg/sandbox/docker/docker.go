// Package docker implements sandbox.Manager on a Docker-compatible engine.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/clawbox/clawbox/pkg/sandbox"
)

const (
	// ContainerNamePrefix is prepended to the conversation id to form the
	// container name. CleanupAll sweeps everything under this prefix.
	ContainerNamePrefix = "runner-"

	// WorkspaceMountPath is where the per-conversation workspace directory
	// is bind-mounted inside the container.
	WorkspaceMountPath = "/workspace"

	// LabelManager identifies containers owned by this manager.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "clawbox"
)

// Options configures the Docker sandbox manager.
type Options struct {
	// Image is the sandbox container image. It must carry coreutils,
	// findutils, grep, sed, and awk, and no network clients.
	Image string

	// WorkspaceRoot is the host directory under which per-conversation
	// workspace directories are created.
	WorkspaceRoot string

	// MemMiB caps container memory.
	MemMiB int64

	// CPUs caps container CPU.
	CPUs float64

	// Pids caps the container process count.
	Pids int64

	// OutputCapBytes caps captured exec output.
	OutputCapBytes int

	// ScratchCapBytes caps the in-memory /tmp mount.
	ScratchCapBytes int64
}

// Manager implements sandbox.Manager using per-conversation Docker
// containers kept alive on an idle foreground command.
type Manager struct {
	cli  *client.Client
	opts Options

	mu      sync.Mutex
	handles map[string]string // conversation id -> container id
}

// Verify interface compliance.
var _ sandbox.Manager = (*Manager)(nil)

// New creates a Docker sandbox manager.
func New(opts Options) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", sandbox.ErrUnavailable, err)
	}
	return &Manager{
		cli:     cli,
		opts:    opts,
		handles: make(map[string]string),
	}, nil
}

// Ping verifies the engine is reachable. Called once at start-up.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	return nil
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// ContainerID returns the engine id recorded for the conversation, or "".
func (m *Manager) ContainerID(conversationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[conversationID]
}

// Exec runs argv inside the conversation's container. See sandbox.Manager.
func (m *Manager) Exec(ctx context.Context, conversationID string, argv []string, timeout time.Duration) (*sandbox.ExecResult, error) {
	containerID, err := m.ensureRunning(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	res, err := m.runExec(ctx, conversationID, containerID, argv, timeout)
	if err != nil && !isEngineFatal(err) {
		// The container may have disappeared between execs. Forget the
		// handle, recreate, and retry once.
		slog.Warn("Exec failed, recreating sandbox", "conversationID", conversationID, "error", err)
		m.forget(conversationID)
		containerID, err = m.ensureRunning(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		res, err = m.runExec(ctx, conversationID, containerID, argv, timeout)
	}
	return res, err
}

// Reset removes the conversation's container and forgets its handle.
// Resetting twice in a row is not an error.
func (m *Manager) Reset(ctx context.Context, conversationID string) error {
	m.forget(conversationID)
	name := containerName(conversationID)
	err := m.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// CleanupAll removes every container whose name carries the runner prefix.
// Invoked at process start and shutdown to reap orphans.
func (m *Manager) CleanupAll(ctx context.Context) error {
	containers, err := m.cli.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", ContainerNamePrefix),
		),
	})
	if err != nil {
		return fmt.Errorf("%w: listing containers: %v", sandbox.ErrUnavailable, err)
	}

	for _, c := range containers {
		if !hasRunnerName(c.Names) {
			continue
		}
		if err := m.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", c.ID, "error", err)
			continue
		}
		slog.Info("Removed sandbox container", "id", c.ID)
	}

	m.mu.Lock()
	m.handles = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// --- internal helpers ---

func containerName(conversationID string) string {
	return ContainerNamePrefix + conversationID
}

// hasRunnerName guards against the engine's substring name filter matching
// containers that merely contain the prefix somewhere in their name.
func hasRunnerName(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), ContainerNamePrefix) {
			return true
		}
	}
	return false
}

func (m *Manager) forget(conversationID string) {
	m.mu.Lock()
	delete(m.handles, conversationID)
	m.mu.Unlock()
}

func (m *Manager) remember(conversationID, containerID string) {
	m.mu.Lock()
	m.handles[conversationID] = containerID
	m.mu.Unlock()
}

// ensureRunning returns the id of a running container for the conversation,
// creating or recreating it as needed.
func (m *Manager) ensureRunning(ctx context.Context, conversationID string) (string, error) {
	name := containerName(conversationID)

	c, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return m.createAndStart(ctx, conversationID)
		}
		return "", fmt.Errorf("%w: inspecting container: %v", sandbox.ErrUnavailable, err)
	}

	if c.State != nil && c.State.Running {
		m.remember(conversationID, c.ID)
		return c.ID, nil
	}

	// Exists but stopped or unhealthy. Remove and recreate rather than
	// restart: the isolation controls are re-applied from scratch.
	if err := m.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return "", fmt.Errorf("%w: removing stale container: %v", sandbox.ErrStartFailed, err)
	}
	return m.createAndStart(ctx, conversationID)
}

// createAndStart builds the container with the full isolation set and starts
// it on an idle foreground command. A failure to apply any control is fatal.
func (m *Manager) createAndStart(ctx context.Context, conversationID string) (string, error) {
	workspace, err := m.ensureWorkspace(conversationID)
	if err != nil {
		return "", err
	}

	if _, _, err := m.cli.ImageInspectWithRaw(ctx, m.opts.Image); err != nil {
		return "", fmt.Errorf("%w: sandbox image %q not found: %v", sandbox.ErrStartFailed, m.opts.Image, err)
	}

	pids := m.opts.Pids
	cfg := &container.Config{
		Image:      m.opts.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: WorkspaceMountPath,
		User:       "1000:1000",
		Labels: map[string]string{
			LabelManager: LabelManagerValue,
		},
	}
	hostCfg := &container.HostConfig{
		Binds:          []string{workspace + ":" + WorkspaceMountPath},
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%d", m.opts.ScratchCapBytes),
		},
		Resources: container.Resources{
			Memory:    m.opts.MemMiB * 1024 * 1024,
			NanoCPUs:  int64(m.opts.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}

	name := containerName(conversationID)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: creating container: %v", sandbox.ErrStartFailed, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Leave no half-started container behind.
		m.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("%w: starting container: %v", sandbox.ErrStartFailed, err)
	}

	m.remember(conversationID, resp.ID)
	slog.Info("Sandbox started", "conversationID", conversationID, "containerID", resp.ID)
	return resp.ID, nil
}

// ensureWorkspace creates the per-conversation host workspace directory.
func (m *Manager) ensureWorkspace(conversationID string) (string, error) {
	dir := filepath.Join(m.opts.WorkspaceRoot, conversationID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: creating workspace dir: %v", sandbox.ErrStartFailed, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: resolving workspace dir: %v", sandbox.ErrStartFailed, err)
	}
	return abs, nil
}

// runExec invokes argv in the running container and captures combined
// output. On timeout the container is killed (terminating the in-container
// process) and a timed-out result is returned with whatever was captured.
func (m *Manager) runExec(ctx context.Context, conversationID, containerID string, argv []string, timeout time.Duration) (*sandbox.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := m.cli.ContainerExecCreate(execCtx, containerID, types.ExecConfig{
		Cmd:          argv,
		WorkingDir:   WorkspaceMountPath,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	// Attach before Start so the stream exists when the process runs.
	attach, err := m.cli.ContainerExecAttach(execCtx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	start := time.Now()

	out := &cappedBuffer{cap: m.opts.OutputCapBytes}
	copyDone := make(chan error, 1)
	go func() {
		// Both streams demux into the same buffer: combined output.
		_, err := stdcopy.StdCopy(out, out, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-execCtx.Done():
		duration := time.Since(start)
		// Kill the container to terminate the stuck process, and forget
		// the handle so the next exec recreates.
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		if err := m.cli.ContainerKill(killCtx, containerID, "KILL"); err != nil && !client.IsErrNotFound(err) {
			slog.Warn("Failed to kill timed-out sandbox", "conversationID", conversationID, "error", err)
		}
		m.forget(conversationID)

		if ctx.Err() != nil && execCtx.Err() != context.DeadlineExceeded {
			// The enclosing request was cancelled rather than the exec
			// deadline expiring.
			return nil, ctx.Err()
		}
		return &sandbox.ExecResult{
			Output:    out.Bytes(),
			Duration:  duration,
			Truncated: out.truncated,
			TimedOut:  true,
		}, nil

	case err := <-copyDone:
		duration := time.Since(start)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}

		inspect, err := m.cli.ContainerExecInspect(execCtx, created.ID)
		if err != nil {
			return nil, fmt.Errorf("inspecting exec: %w", err)
		}
		exitCode := inspect.ExitCode
		return &sandbox.ExecResult{
			ExitCode:  &exitCode,
			Output:    out.Bytes(),
			Duration:  duration,
			Truncated: out.truncated,
		}, nil
	}
}

// isEngineFatal reports whether the error means the engine itself is gone,
// in which case a recreate-and-retry would only fail again.
func isEngineFatal(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		client.IsErrConnectionFailed(err)
}

// cappedBuffer keeps at most cap bytes and records whether anything past the
// cap was discarded.
type cappedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.cap - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
