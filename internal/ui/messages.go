package ui

import "encoding/json"

// These are the ELM messages the Model reacts to, sent from the UISink
// methods (called on the TurnController's goroutine) across updateChan into
// the bubbletea event loop, grounded on the teacher's llmContentDeltaMsg /
// llmErrorMsg / waitForLLMUpdate channel-bridge pattern in
// internal/tui/tui.go and internal/tui/messages.go.

type streamChunkMsg struct{ text string }

type noticeMsg struct{ kind, text string }

type approvalRequestMsg struct {
	toolName      string
	argumentsJSON json.RawMessage
	respond       func(decision int)
}

type beforeUserPromptMsg struct{}
type beforeAIPromptMsg struct{}
