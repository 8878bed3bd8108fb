package toolregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/kazimuth/mandrel/internal/delta"
	"github.com/kazimuth/mandrel/internal/hashline"
)

// EditArgs are the arguments to the Edit tool. Exactly one of the operation
// fields (Replace, Insert, Delete, Create) must be set.
type EditArgs struct {
	File    string     `json:"file"`
	Replace *ReplaceOp `json:"replace,omitempty"`
	Insert  *InsertOp  `json:"insert,omitempty"`
	Delete  *DeleteOp  `json:"delete,omitempty"`
	Create  *CreateOp  `json:"create,omitempty"`
}

// ReplaceOp replaces lines between start and end (inclusive) with new content.
type ReplaceOp struct {
	Start   hashline.Anchor `json:"start"`
	End     hashline.Anchor `json:"end"`
	Content string          `json:"content"`
}

// InsertOp inserts new lines after the anchored line.
type InsertOp struct {
	After   hashline.Anchor `json:"after"`
	Content string          `json:"content"`
}

// DeleteOp deletes lines between start and end (inclusive).
type DeleteOp struct {
	Start hashline.Anchor `json:"start"`
	End   hashline.Anchor `json:"end"`
}

// CreateOp creates a new file with the given content.
type CreateOp struct {
	Content string `json:"content"`
}

const anchorSchema = `{"type": "object", "properties": {"line": {"type": "integer", "description": "1-indexed line number"}, "hash": {"type": "string", "description": "2-char hex hash from Read output"}}, "required": ["line", "hash"]}`

const editToolDescription = `Edit a file using hash-anchored operations. You MUST Read the file first to get line hashes.
Each line from Read is tagged as "linenum:hash|content". Use the line number and hash as anchors.
Exactly one operation per call: replace, insert, delete, or create.
If a hash does not match, the file changed since you read it — re-Read and retry.
After each edit you receive fresh hashes — use those for subsequent edits, not the old ones.`

const editToolSchema = `{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "Path to the file to edit"},
		"replace": {
			"type": "object",
			"description": "Replace lines from start to end (inclusive) with new content",
			"properties": {
				"start":   ` + anchorSchema + `,
				"end":     ` + anchorSchema + `,
				"content": {"type": "string", "description": "Replacement text (may be multiple lines)"}
			},
			"required": ["start", "end", "content"]
		},
		"insert": {
			"type": "object",
			"description": "Insert new lines after the anchored line",
			"properties": {
				"after":   ` + anchorSchema + `,
				"content": {"type": "string", "description": "Text to insert (may be multiple lines)"}
			},
			"required": ["after", "content"]
		},
		"delete": {
			"type": "object",
			"description": "Delete lines from start to end (inclusive)",
			"properties": {
				"start": ` + anchorSchema + `,
				"end":   ` + anchorSchema + `
			},
			"required": ["start", "end"]
		},
		"create": {
			"type": "object",
			"description": "Create a new file (fails if file already exists)",
			"properties": {
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["content"]
		}
	},
	"required": ["file"]
}`

// editWindowLines is the line count threshold beyond which Edit's response
// shows only a window around the touched region instead of the whole file.
const editWindowLines = 50

// editWindowRadius is how many lines of context to show on each side of the
// touched line when windowing kicks in.
const editWindowRadius = 20

// EditHandler serves the Edit tool: hash-anchored line-level edits gated on
// a prior Read, with filesystem change tracking for undo.
type EditHandler struct {
	tracker      *FileReadTracker
	deltaTracker *delta.Tracker
}

// NewEditHandler creates a handler for the Edit tool.
func NewEditHandler(tracker *FileReadTracker, dt *delta.Tracker) *EditHandler {
	return &EditHandler{tracker: tracker, deltaTracker: dt}
}

// Handle applies exactly one hash-anchored edit operation to a file.
func (h *EditHandler) Handle(argumentsJSON json.RawMessage) (string, error) {
	var args EditArgs
	if err := json.Unmarshal(argumentsJSON, &args); err != nil {
		if hint := createFieldHint(argumentsJSON); hint != "" {
			return "", fmt.Errorf("%s", hint)
		}
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.File == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if err := validateEditOps(args); err != nil {
		return "", err
	}

	absPath, err := validatePath(args.File)
	if err != nil {
		return "", err
	}

	if args.Create != nil {
		return h.handleCreate(absPath, args.File, args.Create)
	}

	if !h.tracker.WasRead(absPath) {
		return "", fmt.Errorf("you must Read the file before editing it. Use Read on %s first — you need the line hashes", args.File)
	}

	return h.applyEdit(absPath, args)
}

// createFieldHint detects the common mistake of passing "create" as a raw
// string instead of the {"content": "..."} object the schema requires.
func createFieldHint(argumentsJSON json.RawMessage) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(argumentsJSON, &probe); err != nil {
		return ""
	}
	raw, ok := probe["create"]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	file := "FILE"
	if f, ok := probe["file"]; ok {
		var s string
		if json.Unmarshal(f, &s) == nil && s != "" {
			file = s
		}
	}
	return fmt.Sprintf(`invalid "create" field: expected an object like {"content": "..."}, got a string. Example: {"file":%q,"create":{"content":"..."}}`, file)
}

// validateEditOps ensures exactly one operation is specified.
func validateEditOps(args EditArgs) error {
	ops := 0
	if args.Replace != nil {
		ops++
	}
	if args.Insert != nil {
		ops++
	}
	if args.Delete != nil {
		ops++
	}
	if args.Create != nil {
		ops++
	}
	if ops != 1 {
		return fmt.Errorf("exactly one operation (replace, insert, delete, or create) must be specified")
	}
	return nil
}

// applyEdit reads the file, applies the edit operation, writes it back, and
// returns fresh hashes for the touched region.
func (h *EditHandler) applyEdit(absPath string, args EditArgs) (string, error) {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	lines := strings.Split(string(content), "\n")

	var result string
	var center int
	switch {
	case args.Replace != nil:
		result, err = applyReplace(lines, args.Replace)
		center = args.Replace.Start.Num
	case args.Insert != nil:
		result, err = applyInsert(lines, args.Insert)
		center = args.Insert.After.Num + 1
	case args.Delete != nil:
		result, err = applyDelete(lines, args.Delete)
		center = args.Delete.Start.Num
	}
	if err != nil {
		return "", err
	}

	if h.deltaTracker != nil {
		h.deltaTracker.RecordModify(absPath, content)
	}

	if err := os.WriteFile(absPath, []byte(result), 0600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	diff := unifiedDiff(args.File, string(content), result)
	tagged := hashline.TagLines(result, 1)
	return diff + formatEditResult("Edited", args.File, tagged, center), nil
}

// unifiedDiff renders a unified diff of an edit for the tool result, grounded
// on the teacher's editor-vs-on-disk diff in internal/tui/messages.go. Empty
// when before and after are identical (e.g. a no-op replace).
func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	uri := span.URIFromPath(path)
	edits := myers.ComputeEdits(uri, before, after)
	unified := gotextdiff.ToUnified(path, path, before, edits)
	return fmt.Sprintf("%s\n", unified)
}

func (h *EditHandler) handleCreate(absPath, displayPath string, op *CreateOp) (string, error) {
	if _, err := os.Stat(absPath); err == nil {
		return "", fmt.Errorf("file already exists: %s (use replace/insert/delete to modify)", displayPath)
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}

	if h.deltaTracker != nil {
		h.deltaTracker.RecordCreate(absPath)
	}

	if err := os.WriteFile(absPath, []byte(op.Content), 0600); err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	tagged := hashline.TagLines(op.Content, 1)
	return formatEditResult("Created", displayPath, tagged, 1), nil
}

// formatEditResult renders the tagged output, windowing around center when
// the file is large enough that showing it in full would be wasteful.
func formatEditResult(action, path string, tagged []hashline.TaggedLine, center int) string {
	total := len(tagged)
	if total <= editWindowLines {
		return fmt.Sprintf("%s %s (%d lines):\n\n%s", action, path, total, hashline.FormatTagged(tagged))
	}

	if center < 1 {
		center = 1
	}
	lo := center - editWindowRadius
	if lo < 1 {
		lo = 1
	}
	hi := center + editWindowRadius
	if hi > total {
		hi = total
	}
	window := tagged[lo-1 : hi]
	return fmt.Sprintf("%s %s (%d lines total, showing lines %d-%d):\n\n%s",
		action, path, total, lo, hi, hashline.FormatTagged(window))
}

func applyReplace(lines []string, op *ReplaceOp) (string, error) {
	if err := hashline.ValidateRange(op.Start, op.End, lines); err != nil {
		return "", fmt.Errorf("replace: %w", err)
	}

	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:op.Start.Num-1]...)
	newLines = append(newLines, strings.Split(op.Content, "\n")...)
	newLines = append(newLines, lines[op.End.Num:]...)

	return strings.Join(newLines, "\n"), nil
}

func applyInsert(lines []string, op *InsertOp) (string, error) {
	if err := op.After.Validate(lines); err != nil {
		return "", fmt.Errorf("insert: after anchor: %w", err)
	}

	newLines := make([]string, 0, len(lines)+1)
	newLines = append(newLines, lines[:op.After.Num]...)
	newLines = append(newLines, strings.Split(op.Content, "\n")...)
	newLines = append(newLines, lines[op.After.Num:]...)

	return strings.Join(newLines, "\n"), nil
}

func applyDelete(lines []string, op *DeleteOp) (string, error) {
	if err := hashline.ValidateRange(op.Start, op.End, lines); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}

	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:op.Start.Num-1]...)
	newLines = append(newLines, lines[op.End.Num:]...)

	return strings.Join(newLines, "\n"), nil
}
