package delta

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordModifyThenUndoRestoresContent(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("s1")
	tr.BeginTurn(1)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("new content"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tr.RecordModify(path, []byte("original content"))

	affected, err := tr.Undo("s1", 1)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(affected) != 1 || affected[0] != path {
		t.Fatalf("affected = %v, want [%s]", affected, path)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "original content" {
		t.Errorf("content = %q, want %q", got, "original content")
	}
}

func TestRecordCreateThenUndoRemovesFile(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("s1")
	tr.BeginTurn(1)

	dir := t.TempDir()
	path := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tr.RecordCreate(path)

	if _, err := tr.Undo("s1", 1); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected created file to be removed, stat err = %v", err)
	}
}

func TestRecordModifyOnlyKeepsFirstSnapshotPerTurn(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("s1")
	tr.BeginTurn(1)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("v2"), 0600)

	tr.RecordModify(path, []byte("v0"))
	tr.RecordModify(path, []byte("v1")) // should be a no-op, v0 already recorded

	os.WriteFile(path, []byte("v2-final"), 0600)
	if _, err := tr.Undo("s1", 1); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "v0" {
		t.Errorf("content after undo = %q, want the original %q preserved", got, "v0")
	}
}

func TestRecordWithoutActiveTurnIsNoop(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("s1")
	// No BeginTurn call: turnID stays 0.

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("v"), 0600)
	tr.RecordModify(path, []byte("orig"))

	affected, err := tr.Undo("s1", 0)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(affected) != 0 {
		t.Fatalf("expected no deltas recorded without an active turn, got %v", affected)
	}
}

func TestDeleteTurnClearsDeltas(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("s1")
	tr.BeginTurn(1)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("v"), 0600)
	tr.RecordModify(path, []byte("orig"))

	tr.DeleteTurn("s1", 1)

	affected, err := tr.Undo("s1", 1)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(affected) != 0 {
		t.Fatalf("expected no deltas after DeleteTurn, got %v", affected)
	}
}

func TestTurnIDReflectsBeginTurn(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.BeginTurn(42)
	if tr.TurnID() != 42 {
		t.Errorf("TurnID() = %d, want 42", tr.TurnID())
	}
}

func TestRecordDeltasDetectsCreateModifyAndDelete(t *testing.T) {
	db := openTestDB(t)
	tr := New(db)
	tr.SetSession("s1")
	tr.BeginTurn(1)

	dir := t.TempDir()
	pre := map[string]FileSnapshot{
		"modified.txt": {Size: 3, Content: []byte("old")},
		"deleted.txt":  {Size: 3, Content: []byte("gone")},
	}
	post := map[string]FileSnapshot{
		"modified.txt": {Size: 5},
		"created.txt":  {Size: 1},
	}

	modPath := filepath.Join(dir, "modified.txt")
	os.WriteFile(modPath, []byte("newer"), 0600)
	createPath := filepath.Join(dir, "created.txt")
	os.WriteFile(createPath, []byte("x"), 0600)

	RecordDeltas(tr, dir, pre, post)

	affected, err := tr.Undo("s1", 1)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(affected) != 3 {
		t.Fatalf("expected 3 deltas recorded (modify, delete-as-modify, create), got %v", affected)
	}
}
