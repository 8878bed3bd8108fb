package toolregistry

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Scratchpad holds the agent's current plan/notes. It is safe for concurrent
// access. The engine's TurnController reads it for recitation, which appends
// it to the tail of the history only when its RecitationInterval is > 0.
type Scratchpad struct {
	mu      sync.RWMutex
	content string
}

// Content returns the current scratchpad text.
func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// TodoWriteArgs are the arguments to the TodoWrite tool.
type TodoWriteArgs struct {
	Content string `json:"content"`
}

const todoWriteToolDescription = `Write or update your working plan/scratchpad. The content replaces any previous plan and is kept visible at the end of your context window. Use this to track goals, progress, and next steps for tasks with 3+ steps. Rewrite it as you complete steps to stay focused. Skip for simple single-step tasks.`

const todoWriteToolSchema = `{
	"type": "object",
	"properties": {
		"content": {"type": "string", "description": "Your current plan, todo list, or working notes. This replaces the previous content entirely."}
	},
	"required": ["content"]
}`

// TodoWriteHandler serves the TodoWrite tool, storing content in a Scratchpad.
type TodoWriteHandler struct {
	pad *Scratchpad
}

// NewTodoWriteHandler creates a handler that writes into pad.
func NewTodoWriteHandler(pad *Scratchpad) *TodoWriteHandler {
	return &TodoWriteHandler{pad: pad}
}

// Handle replaces the scratchpad's content.
func (h *TodoWriteHandler) Handle(argumentsJSON json.RawMessage) (string, error) {
	var args TodoWriteArgs
	if err := json.Unmarshal(argumentsJSON, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Content == "" {
		return "", fmt.Errorf("content cannot be empty")
	}

	h.pad.mu.Lock()
	h.pad.content = args.Content
	h.pad.mu.Unlock()

	return "Plan updated.", nil
}
