package toolregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kazimuth/mandrel/internal/hashline"
)

// ReadArgs are the arguments to the Read tool.
type ReadArgs struct {
	File  string `json:"file"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

const readToolDescription = `Reads a file and returns hashline-tagged content. Each line is returned as "linenum:hash|content". You MUST Read a file before editing it with Edit. Use start/end for line ranges.`

const readToolSchema = `{
	"type": "object",
	"properties": {
		"file":  {"type": "string", "description": "Path to the file to read"},
		"start": {"type": "integer", "description": "Optional: starting line number (1-indexed, inclusive)"},
		"end":   {"type": "integer", "description": "Optional: ending line number (1-indexed, inclusive)"}
	},
	"required": ["file"]
}`

// ReadHandler serves the Read tool, tagging file contents with hashline
// anchors and marking the file as read for the Edit tool's read-before-write
// gate.
type ReadHandler struct {
	tracker *FileReadTracker
}

// NewReadHandler creates a handler for the Read tool.
func NewReadHandler(tracker *FileReadTracker) *ReadHandler {
	return &ReadHandler{tracker: tracker}
}

// Handle reads a file and returns its hashline-tagged content.
func (h *ReadHandler) Handle(argumentsJSON json.RawMessage) (string, error) {
	var args ReadArgs
	if err := json.Unmarshal(argumentsJSON, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.File == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}

	absPath, err := validatePath(args.File)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	h.tracker.MarkRead(absPath)

	lines := strings.Split(string(content), "\n")
	selectedContent, startLine, err := extractRange(lines, string(content), args.Start, args.End)
	if err != nil {
		return "", err
	}

	tagged := hashline.TagLines(selectedContent, startLine)
	taggedOutput := hashline.FormatTagged(tagged)

	rangeInfo := ""
	if args.Start > 0 || args.End > 0 {
		end := args.End
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		rangeInfo = fmt.Sprintf(" (lines %d-%d)", startLine, end)
	}

	return fmt.Sprintf("Read %s%s (%d lines):\n\n%s", args.File, rangeInfo, len(tagged), taggedOutput), nil
}

// extractRange returns the selected content and start line number for a line range.
func extractRange(lines []string, full string, start, end int) (string, int, error) {
	if start <= 0 && end <= 0 {
		return full, 1, nil
	}
	if start <= 0 {
		start = 1
	}
	if start < 1 || start > len(lines) {
		return "", 0, fmt.Errorf("start line %d out of range (file has %d lines)", start, len(lines))
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", 0, fmt.Errorf("invalid range: start (%d) > end (%d)", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), start, nil
}
