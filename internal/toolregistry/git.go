package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// GitStatusArgs are the arguments to the GitStatus tool.
type GitStatusArgs struct {
	Long bool `json:"long,omitempty"`
}

// GitDiffArgs are the arguments to the GitDiff tool.
type GitDiffArgs struct {
	File   string `json:"file,omitempty"`
	Staged bool   `json:"staged,omitempty"`
}

const gitStatusToolDescription = "Show the working tree status. Returns modified, staged, and untracked files."

const gitStatusToolSchema = `{
	"type": "object",
	"properties": {
		"long": {"type": "boolean", "description": "Use long format output. Default: false (short format)"}
	}
}`

const gitDiffToolDescription = "Show changes between working tree and index (unstaged), or between index and HEAD (staged). Returns unified diff output."

const gitDiffToolSchema = `{
	"type": "object",
	"properties": {
		"file":   {"type": "string", "description": "Optional: specific file path to diff. If omitted, diffs all changed files."},
		"staged": {"type": "boolean", "description": "If true, show staged (cached) changes. Default: false (unstaged changes)"}
	}
}`

// runGit executes a git command and returns stdout.
func runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// git diff returns exit code 1 when there are differences — not an error.
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 && stderr.Len() == 0 {
			return stdout.String(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git error: %s", msg)
	}
	return stdout.String(), nil
}

// GitStatusHandler serves the GitStatus tool.
func GitStatusHandler(argumentsJSON json.RawMessage) (string, error) {
	var args GitStatusArgs
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	gitArgs := []string{"status"}
	if !args.Long {
		gitArgs = append(gitArgs, "--short")
	}

	out, err := runGit(context.Background(), gitArgs...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		out = "nothing to commit, working tree clean"
	}
	return out, nil
}

// GitDiffHandler serves the GitDiff tool.
func GitDiffHandler(argumentsJSON json.RawMessage) (string, error) {
	var args GitDiffArgs
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	gitArgs := []string{"diff"}
	if args.Staged {
		gitArgs = append(gitArgs, "--cached")
	}
	if args.File != "" {
		gitArgs = append(gitArgs, "--", args.File)
	}

	out, err := runGit(context.Background(), gitArgs...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		label := "unstaged"
		if args.Staged {
			label = "staged"
		}
		out = fmt.Sprintf("no %s changes", label)
	}
	return out, nil
}
