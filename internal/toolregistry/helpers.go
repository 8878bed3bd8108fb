// Package toolregistry implements the internal tool collaborator: the
// built-in kind=internal tools (Read, Edit, Grep, WebFetch, WebSearch,
// TodoWrite, GitStatus, GitDiff) plus the Registry that satisfies
// engine.ToolRegistry, and the Shell kind=command executor.
package toolregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// validatePath resolves a file path, ensuring it stays within the working
// directory. Absolute paths and ".." escapes are rejected.
func validatePath(file string) (string, error) {
	workingDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return validatePathWithRoot(file, workingDir)
}

func validatePathWithRoot(file, root string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	var absPath string
	if filepath.IsAbs(file) {
		absPath = file
	} else {
		absPath = filepath.Join(rootAbs, file)
	}
	absPath, err = filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}
	relPath, err := filepath.Rel(rootAbs, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("access denied: path outside working directory")
	}
	return absPath, nil
}

// FileReadTracker records which files have been read this session, gating
// Edit calls that haven't Read their target first.
type FileReadTracker struct {
	mu   sync.RWMutex
	read map[string]struct{}
}

// NewFileReadTracker creates an empty tracker.
func NewFileReadTracker() *FileReadTracker {
	return &FileReadTracker{read: make(map[string]struct{})}
}

// MarkRead records absPath as having been read.
func (t *FileReadTracker) MarkRead(absPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read[absPath] = struct{}{}
}

// WasRead reports whether absPath has been read.
func (t *FileReadTracker) WasRead(absPath string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.read[absPath]
	return ok
}
