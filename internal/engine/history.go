package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// HistoryStore is the collaborator interface the engine drives to persist
// and query conversation history (spec.md §4.8/§6). Concrete
// implementation lives in internal/history; engine.History below is an
// in-memory reference implementation used directly by tests and by any
// caller that does not need cross-restart persistence.
type HistoryStore interface {
	AppendSystem(text string)
	AppendUser(msg Message)
	AppendAssistant(msg Message)
	AppendTool(toolCallID, content string)
	Snapshot() []Message
	Reset()
}

// History is the in-memory reference HistoryStore, enforcing spec.md §3's
// well-formedness invariants on every append.
type History struct {
	messages []Message
}

// NewHistory returns an empty History.
func NewHistory() *History { return &History{} }

// AppendSystem appends the single system message. Panics if index 0 is
// already occupied — callers must only ever call this once, at init.
func (h *History) AppendSystem(text string) {
	if len(h.messages) != 0 {
		panic("engine: AppendSystem called after history already has messages")
	}
	h.messages = append(h.messages, Message{Role: RoleSystem, Text: text, CreatedAt: time.Now()})
}

// AppendUser appends a user message.
func (h *History) AppendUser(msg Message) {
	msg.Role = RoleUser
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	h.messages = append(h.messages, msg)
}

// AppendAssistant appends an assistant message, sealing it.
func (h *History) AppendAssistant(msg Message) {
	msg.Role = RoleAssistant
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	sealMessage(&msg)
	h.messages = append(h.messages, msg)
}

// AppendTool appends a tool-result message answering toolCallID. Panics if
// toolCallID is not an outstanding (issued by an earlier assistant message
// and not yet answered) call — this is the "no orphaned tool
// message" invariant from spec.md §3, enforced eagerly rather than only at
// snapshot time.
func (h *History) AppendTool(toolCallID, content string) {
	if !h.hasOutstandingCall(toolCallID) {
		panic(fmt.Sprintf("engine: AppendTool(%q) has no matching outstanding tool call", toolCallID))
	}
	h.messages = append(h.messages, Message{
		Role:       RoleTool,
		Text:       content,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now(),
	})
}

// hasOutstandingCall reports whether id was issued by an assistant message
// and not yet answered by a later tool message.
func (h *History) hasOutstandingCall(id string) bool {
	issued := false
	for _, m := range h.messages {
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				if tc.ID == id {
					issued = true
				}
			}
		}
		if m.Role == RoleTool && m.ToolCallID == id {
			issued = false
		}
	}
	return issued
}

// Snapshot returns a copy of the current ordered message list.
func (h *History) Snapshot() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Reset clears all history.
func (h *History) Reset() {
	h.messages = nil
}

// CheckWellFormed validates the invariants of spec.md §8 against an
// arbitrary message slice (e.g. one loaded from a persisted snapshot).
// Returns a descriptive error on the first violation found.
func CheckWellFormed(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("history is empty, expected a system message at index 0")
	}
	if msgs[0].Role != RoleSystem {
		return fmt.Errorf("index 0 must be a system message, got %s", msgs[0].Role)
	}
	for i, m := range msgs[1:] {
		if m.Role == RoleSystem {
			return fmt.Errorf("unexpected system message at index %d", i+1)
		}
	}

	outstanding := map[string]bool{}
	for i, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				if outstanding[tc.ID] {
					return fmt.Errorf("tool call %q reissued before being answered (message %d)", tc.ID, i)
				}
				outstanding[tc.ID] = true
			}
		case RoleTool:
			if !outstanding[m.ToolCallID] {
				return fmt.Errorf("orphaned tool message for %q at index %d", m.ToolCallID, i)
			}
			delete(outstanding, m.ToolCallID)
		case RoleUser:
			if len(outstanding) > 0 {
				return fmt.Errorf("user message at index %d precedes %d unanswered tool call(s)", i, len(outstanding))
			}
		}
	}
	return nil
}

// MarshalSnapshot serializes a message slice to the JSON array format
// spec.md §6 requires for the persisted history file.
func MarshalSnapshot(msgs []Message) ([]byte, error) {
	return json.MarshalIndent(msgs, "", "  ")
}

// UnmarshalSnapshot parses the JSON array format back into messages.
func UnmarshalSnapshot(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parsing history snapshot: %w", err)
	}
	return msgs, nil
}
