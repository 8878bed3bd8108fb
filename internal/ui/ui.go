// Package ui implements the terminal UISink collaborator the engine drives
// for streamed output, notices, and interactive tool approval (spec.md §6's
// UISink interface). It is a thin bubbletea v2 program: the engine calls
// its methods synchronously from the TurnController's own goroutine, and
// each method forwards to the bubbletea event loop over a channel,
// grounded on the teacher's updateChan bridge in internal/tui/tui.go.
package ui

import (
	"encoding/json"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/kazimuth/mandrel/internal/engine"
)

// UI is the terminal implementation of engine.UISink.
type UI struct {
	prog       *tea.Program
	updateChan chan tea.Msg
	inputCh    chan string
	cancel     *engine.CancelSignal
}

var _ engine.UISink = (*UI)(nil)

// New constructs a UI. cancel, if non-nil, is polled every 100ms while
// waiting on an approval answer so a raised CancelSignal aborts the prompt
// (spec.md §4.6 step 4 / §5).
func New(cancel *engine.CancelSignal) *UI {
	updateChan := make(chan tea.Msg, 64)
	inputCh := make(chan string)

	u := &UI{updateChan: updateChan, inputCh: inputCh, cancel: cancel}
	m := newModel(updateChan, func(line string) { inputCh <- line }, func() { close(inputCh) })
	u.prog = tea.NewProgram(m)
	return u
}

// Run starts the bubbletea event loop; it blocks until the program quits
// (ctrl+c) or Close is called.
func (u *UI) Run() error {
	_, err := u.prog.Run()
	return err
}

// NextInput blocks until the user submits a line, returning ok=false when
// the program has quit and no further input will arrive.
func (u *UI) NextInput() (string, bool) {
	line, ok := <-u.inputCh
	return line, ok
}

// Close stops the bubbletea program.
func (u *UI) Close() { u.prog.Quit() }

// StreamChunk implements engine.UISink.
func (u *UI) StreamChunk(text string) {
	u.prog.Send(streamChunkMsg{text: text})
}

// Notice implements engine.UISink.
func (u *UI) Notice(kind, text string) {
	u.prog.Send(noticeMsg{kind: kind, text: text})
}

// BeforeUserPrompt implements engine.UISink.
func (u *UI) BeforeUserPrompt() {
	u.prog.Send(beforeUserPromptMsg{})
}

// BeforeAIPrompt implements engine.UISink.
func (u *UI) BeforeAIPrompt() {
	u.prog.Send(beforeAIPromptMsg{})
}

// AskApproval implements engine.UISink, blocking until the user answers or
// the cancel signal is raised, polling at most every 100ms per spec.md §5.
func (u *UI) AskApproval(toolName string, argumentsJSON json.RawMessage) (engine.ApprovalDecision, error) {
	respCh := make(chan int, 1)
	u.prog.Send(approvalRequestMsg{
		toolName:      toolName,
		argumentsJSON: argumentsJSON,
		respond:       func(decision int) { respCh <- decision },
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case d := <-respCh:
			return engine.ApprovalDecision(d), nil
		case <-ticker.C:
			if u.cancel != nil && (u.cancel.ToolCallRequested() || u.cancel.TurnRequested()) {
				return engine.ApprovalDeny, engine.ErrCancelled
			}
		}
	}
}
