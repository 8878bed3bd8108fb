package ui

import (
	"encoding/json"
	"fmt"
	"strings"

	tea "charm.land/bubbletea/v2"
	"charm.land/bubbles/v2/spinner"
	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/x/ansi"
)

var (
	colorUser      = lipgloss.Color("39")
	colorAssistant = lipgloss.Color("252")
	colorTool      = lipgloss.Color("244")
	colorNotice    = lipgloss.Color("214")
	colorError     = lipgloss.Color("203")
	colorDim       = lipgloss.Color("240")
	colorPrompt    = lipgloss.Color("42")

	userStyle      = lipgloss.NewStyle().Foreground(colorUser).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(colorAssistant)
	toolStyle      = lipgloss.NewStyle().Foreground(colorTool)
	noticeStyle    = lipgloss.NewStyle().Foreground(colorNotice)
	errorStyle     = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(colorDim)
	promptStyle    = lipgloss.NewStyle().Foreground(colorPrompt).Bold(true)
)

// model is the bubbletea program driven by UI; it renders the conversation
// log and a single input line, grounded on the teacher's internal/tui.Model
// but trimmed to the engine's four UISink entry points (no split-pane code
// editor, no mouse selection, no modal component — see DESIGN.md).
type model struct {
	width, height int

	lines []string // rendered conversation/notice log, oldest first

	streamBuf strings.Builder // in-progress assistant line, flushed on next event
	streaming bool

	input       []rune
	cursor      int
	waitingOnAI bool
	spin        spinner.Model

	pendingApproval *approvalRequestMsg

	updateChan chan tea.Msg
	submit     func(string)
	quit       func()
}

func newModel(updateChan chan tea.Msg, submit func(string), quit func()) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return model{
		spin:       s,
		updateChan: updateChan,
		submit:     submit,
		quit:       quit,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForUpdate())
}

func (m model) waitForUpdate() tea.Cmd {
	return func() tea.Msg { return <-m.updateChan }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case streamChunkMsg:
		m.streaming = true
		m.streamBuf.WriteString(msg.text)
		return m, m.waitForUpdate()

	case noticeMsg:
		m.flushStream()
		m.lines = append(m.lines, renderNotice(msg.kind, msg.text))
		return m, m.waitForUpdate()

	case approvalRequestMsg:
		m.flushStream()
		cp := msg
		m.pendingApproval = &cp
		return m, m.waitForUpdate()

	case beforeUserPromptMsg:
		m.waitingOnAI = false
		return m, m.waitForUpdate()

	case beforeAIPromptMsg:
		m.flushStream()
		m.waitingOnAI = true
		return m, m.waitForUpdate()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	default:
		return m, m.waitForUpdate()
	}
}

func (m *model) flushStream() {
	if !m.streaming {
		return
	}
	text := m.streamBuf.String()
	m.streamBuf.Reset()
	m.streaming = false
	if text == "" {
		return
	}
	m.lines = append(m.lines, assistantStyle.Render(text))
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pendingApproval != nil {
		return m.handleApprovalKey(msg)
	}

	switch msg.String() {
	case "ctrl+c":
		if m.quit != nil {
			m.quit()
		}
		return m, tea.Quit
	case "enter":
		line := string(m.input)
		m.input = nil
		m.cursor = 0
		if strings.TrimSpace(line) == "" {
			return m, nil
		}
		m.lines = append(m.lines, userStyle.Render("> "+line))
		if m.submit != nil {
			m.submit(line)
		}
		return m, nil
	case "backspace":
		if m.cursor > 0 {
			m.input = append(m.input[:m.cursor-1], m.input[m.cursor:]...)
			m.cursor--
		}
		return m, nil
	case "left":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	}

	if len(msg.Text) > 0 {
		r := []rune(msg.Text)
		m.input = append(m.input[:m.cursor], append(r, m.input[m.cursor:]...)...)
		m.cursor += len(r)
	}
	return m, nil
}

// handleApprovalKey interprets y/s/n (allow-once / allow-session / deny)
// while a tool approval prompt is pending, per spec.md §4.6 step 4.
func (m model) handleApprovalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	req := m.pendingApproval
	switch msg.String() {
	case "y":
		m.pendingApproval = nil
		req.respond(1) // ApprovalAllowOnce
	case "s":
		m.pendingApproval = nil
		req.respond(2) // ApprovalAllowSession
	case "n", "esc", "ctrl+c":
		m.pendingApproval = nil
		req.respond(0) // ApprovalDeny
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if m.streaming {
		b.WriteString(assistantStyle.Render(m.streamBuf.String()))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	if m.pendingApproval != nil {
		b.WriteString(renderApprovalPrompt(*m.pendingApproval))
	} else if m.waitingOnAI {
		fmt.Fprintf(&b, "%s thinking...\n", m.spin.View())
	} else {
		line := string(m.input)
		b.WriteString(promptStyle.Render("> ") + line)
	}
	return b.String()
}

func renderNotice(kind, text string) string {
	switch kind {
	case "error", "cancelled":
		return errorStyle.Render(fmt.Sprintf("[%s] %s", kind, text))
	case "warn":
		return noticeStyle.Render(fmt.Sprintf("[%s] %s", kind, text))
	default:
		return dimStyle.Render(fmt.Sprintf("[%s] %s", kind, text))
	}
}

func renderApprovalPrompt(req approvalRequestMsg) string {
	args := string(req.argumentsJSON)
	if len(args) > 200 {
		args = args[:200] + "..."
	}
	return toolStyle.Render(fmt.Sprintf(
		"Allow tool %q with args %s? [y]es-once / [s]ession / [n]o",
		req.toolName, args,
	))
}

// stripANSI is used by tests that assert on rendered plain text.
func stripANSI(s string) string { return ansi.Strip(s) }
