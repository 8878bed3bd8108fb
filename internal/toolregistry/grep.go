package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kazimuth/mandrel/internal/filesearch"
)

// GrepArgs are the arguments to the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	ContentSearch bool   `json:"content_search,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

const grepToolDescription = `Search file names or file contents by regex pattern, respecting .gitignore. Set content_search to search inside files (returns path:line:content); otherwise matches are by file path.`

const grepToolSchema = `{
	"type": "object",
	"properties": {
		"pattern":        {"type": "string", "description": "Regex pattern to search for"},
		"content_search": {"type": "boolean", "description": "If true, search file contents. Default: false (filename search)"},
		"max_results":    {"type": "integer", "description": "Maximum results to return. Default: 100"},
		"case_sensitive": {"type": "boolean", "description": "Case-sensitive matching. Default: false"}
	},
	"required": ["pattern"]
}`

const defaultGrepMaxResults = 100

// GrepHandler serves the Grep tool.
type GrepHandler struct{}

// NewGrepHandler creates a handler for the Grep tool.
func NewGrepHandler() *GrepHandler { return &GrepHandler{} }

// Handle performs a filename or content search rooted at the working directory.
func (h *GrepHandler) Handle(argumentsJSON json.RawMessage) (string, error) {
	var args GrepArgs
	if err := json.Unmarshal(argumentsJSON, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	if args.MaxResults <= 0 {
		args.MaxResults = defaultGrepMaxResults
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	searcher, err := filesearch.NewSearcher(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to build searcher: %w", err)
	}

	results, err := searcher.Search(context.Background(), filesearch.Options{
		Pattern:       args.Pattern,
		ContentSearch: args.ContentSearch,
		MaxResults:    args.MaxResults,
		CaseSensitive: args.CaseSensitive,
		RootDir:       cwd,
	})
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}

	return formatGrepResults(results, args.ContentSearch, args.MaxResults), nil
}

func formatGrepResults(results []filesearch.Result, contentSearch bool, maxResults int) string {
	if len(results) == 0 {
		return "No matches found."
	}

	var b strings.Builder
	for _, r := range results {
		if contentSearch {
			fmt.Fprintf(&b, "%s:%d:%s\n", r.Path, r.Line, r.Content)
		} else {
			fmt.Fprintf(&b, "%s\n", r.Path)
		}
	}

	if len(results) >= maxResults {
		fmt.Fprintf(&b, "\n(Limited to %d results; refine your pattern for more.)\n", maxResults)
	}

	return b.String()
}
