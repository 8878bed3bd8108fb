package toolregistry

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/kazimuth/mandrel/internal/cache"
	"github.com/kazimuth/mandrel/internal/engine"
)

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	if err != nil {
		t.Fatalf("open test cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRegistersCoreToolsWithoutCache(t *testing.T) {
	r := New(Options{})
	for _, name := range []string{"Read", "Edit", "Grep", "GitStatus", "GitDiff", "TodoWrite", "Shell"} {
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("expected %s to be registered", name)
		}
	}
	if _, ok := r.Resolve("WebFetch"); ok {
		t.Error("expected WebFetch to be absent without a cache configured")
	}
}

func TestNewRegistersWebToolsWithCache(t *testing.T) {
	r := New(Options{Cache: testCache(t)})
	for _, name := range []string{"WebFetch", "WebSearch"} {
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("expected %s to be registered when a cache is configured", name)
		}
	}
}

func TestShellIsPublishedAsCommandKindSerialized(t *testing.T) {
	r := New(Options{})
	def, ok := r.Resolve("Shell")
	if !ok {
		t.Fatal("expected Shell to be registered")
	}
	if def.Kind != engine.KindCommand {
		t.Errorf("Shell.Kind = %v, want KindCommand", def.Kind)
	}
	if !def.Serialize {
		t.Error("expected Shell to be marked Serialize")
	}
}

func TestAutoApprovedOptionMarksMatchingTools(t *testing.T) {
	r := New(Options{AutoApproved: map[string]bool{"Read": true}})
	def, _ := r.Resolve("Read")
	if !def.AutoApproved {
		t.Error("expected Read to be auto-approved")
	}
	other, _ := r.Resolve("Edit")
	if other.AutoApproved {
		t.Error("expected Edit to remain non-auto-approved")
	}
	// Definitions() must reflect the same mutation, not a stale copy.
	for _, d := range r.Definitions() {
		if d.Name == "Read" && !d.AutoApproved {
			t.Error("Definitions() returned a stale, non-auto-approved Read")
		}
	}
}

func TestRegisterExternalAddsToDefinitionsAndResolve(t *testing.T) {
	r := New(Options{})
	before := len(r.Definitions())
	r.RegisterExternal(engine.ToolDefinition{Name: "ExternalTool", Kind: engine.KindJSONRPC})
	if len(r.Definitions()) != before+1 {
		t.Fatalf("expected one more definition after RegisterExternal, got %d -> %d", before, len(r.Definitions()))
	}
	if _, ok := r.Resolve("ExternalTool"); !ok {
		t.Fatal("expected ExternalTool to resolve after RegisterExternal")
	}
}

func TestInvokeInternalUnknownToolErrors(t *testing.T) {
	r := New(Options{})
	if _, err := r.InvokeInternal("NoSuchTool", nil); err == nil {
		t.Fatal("expected an error for an unregistered internal tool")
	}
}

func TestInvokeInternalDispatchesToHandler(t *testing.T) {
	path, cleanup := setupTestFile(t, "hello\n")
	defer cleanup()

	r := New(Options{})
	args, _ := json.Marshal(map[string]string{"file": path})
	out, err := r.InvokeInternal("Read", args)
	if err != nil {
		t.Fatalf("InvokeInternal(Read): %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty Read output")
	}
}
