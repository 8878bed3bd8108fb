package toolregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/kazimuth/mandrel/internal/delta"
	"github.com/kazimuth/mandrel/internal/engine"
	"github.com/kazimuth/mandrel/internal/shell"
)

func newTestTracker(t *testing.T) *delta.Tracker {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return delta.New(db)
}

func TestShellExecutorRunsCommandAndReturnsOutput(t *testing.T) {
	dir := t.TempDir()
	sh := shell.New(dir, nil)
	exec := NewShellExecutor(sh, nil)

	args, _ := json.Marshal(ShellArgs{Command: "echo hello", Description: "greet"})
	out, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("expected command stdout in output, got %q", out)
	}
}

func TestShellExecutorMissingCommandErrors(t *testing.T) {
	sh := shell.New(t.TempDir(), nil)
	exec := NewShellExecutor(sh, nil)
	args, _ := json.Marshal(ShellArgs{})
	if _, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args); err == nil {
		t.Fatal("expected an error for a missing command")
	}
}

func TestShellExecutorNonZeroExitReportedNotAsGoError(t *testing.T) {
	sh := shell.New(t.TempDir(), nil)
	exec := NewShellExecutor(sh, nil)
	args, _ := json.Marshal(ShellArgs{Command: "exit 3", Description: "fail"})
	out, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args)
	if err != nil {
		t.Fatalf("Execute returned a Go error for a non-zero exit: %v", err)
	}
	if !strings.Contains(out, "exit code: 3") {
		t.Fatalf("expected exit code embedded in output, got %q", out)
	}
}

func TestShellExecutorEmptyOutputGetsPlaceholder(t *testing.T) {
	sh := shell.New(t.TempDir(), nil)
	exec := NewShellExecutor(sh, nil)
	args, _ := json.Marshal(ShellArgs{Command: "true", Description: "noop"})
	out, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "(no output)\n" {
		t.Errorf("out = %q, want placeholder for empty output", out)
	}
}

func TestShellExecutorRecordsDeltasWhenTurnActive(t *testing.T) {
	dir := t.TempDir()
	sh := shell.New(dir, nil)
	dt := newTestTracker(t)
	dt.SetSession("sess-1")
	dt.BeginTurn(1)

	exec := NewShellExecutor(sh, dt)
	args, _ := json.Marshal(ShellArgs{Command: "echo created > new.txt", Description: "create a file"})
	if _, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	undone, err := dt.Undo("sess-1", 1)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(undone) != 1 {
		t.Fatalf("expected one undone path, got %v", undone)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Error("expected new.txt to be removed by undo")
	}
}

func TestShellExecutorSkipsSnapshotWithoutActiveTurn(t *testing.T) {
	dir := t.TempDir()
	sh := shell.New(dir, nil)
	dt := newTestTracker(t)
	// No BeginTurn call: TurnID() is 0, so delta tracking must be skipped.
	exec := NewShellExecutor(sh, dt)

	args, _ := json.Marshal(ShellArgs{Command: "echo created > untracked.txt", Description: "create a file"})
	if _, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "untracked.txt")); err != nil {
		t.Fatalf("expected the file to still be created: %v", err)
	}
}

func TestShellExecutorStreamsOutputChunks(t *testing.T) {
	sh := shell.New(t.TempDir(), nil)
	exec := NewShellExecutor(sh, nil)
	var chunks []string
	exec.OnOutput = func(chunk string) { chunks = append(chunks, chunk) }

	args, _ := json.Marshal(ShellArgs{Command: "echo streamed", Description: "stream test"})
	if _, err := exec.Execute(context.Background(), engine.ToolDefinition{}, args); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected OnOutput to be called with at least one chunk")
	}
}

func TestTruncateMiddlePreservesHeadAndTail(t *testing.T) {
	s := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := truncateMiddle(s, 20)
	if !strings.HasPrefix(out, strings.Repeat("a", 10)) {
		t.Errorf("expected head preserved, got %q", out)
	}
	if !strings.HasSuffix(out, strings.Repeat("b", 10)) {
		t.Errorf("expected tail preserved, got %q", out)
	}
	if !strings.Contains(out, "truncated") {
		t.Errorf("expected truncation marker, got %q", out)
	}
}

func TestFormatShellOutputIncludesTimeoutMarker(t *testing.T) {
	out := formatShellOutput("", "", 0, context.DeadlineExceeded)
	if !strings.Contains(out, "timed out") {
		t.Errorf("expected timeout marker, got %q", out)
	}
}
