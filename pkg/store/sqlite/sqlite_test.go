package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clawbox/clawbox/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListToolCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exit := 0
	rec := &store.ToolCallRecord{
		ID:             uuid.New().String(),
		ConversationID: "conv-1",
		ContainerID:    "abc123",
		Tool:           "shell_exec",
		Argv:           `["ls","/workspace"]`,
		Success:        true,
		ExitCode:       &exit,
		DurationMS:     42,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.RecordToolCall(ctx, rec); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	recs, err := s.RecentToolCalls(ctx, 10)
	if err != nil {
		t.Fatalf("RecentToolCalls: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	got := recs[0]
	if got.Tool != "shell_exec" || got.ConversationID != "conv-1" || !got.Success {
		t.Errorf("got %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v", got.ExitCode)
	}
}

func TestRecordToolCallNilExitCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &store.ToolCallRecord{
		ID:             uuid.New().String(),
		ConversationID: "conv-1",
		Tool:           "shell_exec",
		Success:        false,
		ErrorKind:      "ExecTimeout",
		Timestamp:      time.Now().UTC(),
	}
	if err := s.RecordToolCall(ctx, rec); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	recs, err := s.RecentToolCalls(ctx, 1)
	if err != nil {
		t.Fatalf("RecentToolCalls: %v", err)
	}
	if recs[0].ExitCode != nil {
		t.Errorf("exit code = %v, want nil", recs[0].ExitCode)
	}
	if recs[0].ErrorKind != "ExecTimeout" {
		t.Errorf("error kind = %q", recs[0].ErrorKind)
	}
}

func TestRecordAndListTerminations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, reason := range []string{"completed", "max-turns"} {
		rec := &store.TerminationRecord{
			ID:             uuid.New().String(),
			ConversationID: "conv-1",
			StopReason:     reason,
			Turns:          i + 1,
			Timestamp:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordTermination(ctx, rec); err != nil {
			t.Fatalf("RecordTermination: %v", err)
		}
	}

	recs, err := s.RecentTerminations(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTerminations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].StopReason != "max-turns" {
		t.Errorf("newest first: got %q", recs[0].StopReason)
	}
}
