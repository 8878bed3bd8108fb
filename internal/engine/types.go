// Package engine implements the conversation engine: message history, the
// request/response cycle with a remote chat-completions provider, tool-call
// dispatch through a pluggable registry, and the turn loop that drives them
// to completion.
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one part of a multipart message. Only user and assistant
// messages may be multipart.
type ContentPart struct {
	Type  string `json:"type"` // "text" or "image"
	Text  string `json:"text,omitempty"`
	Mime  string `json:"mime,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// Message is a single entry in the conversation history.
type Message struct {
	Role  Role   `json:"role"`
	Text  string `json:"content,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`

	// Assistant-only.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool-only.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Usage attached to this specific exchange, if any (assistant messages).
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	sealed bool
}

// Content returns the message's flat text, joining parts if multipart.
func (m Message) Content() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ToolCall is a request, emitted inside an assistant message, to invoke a
// named tool with JSON arguments.
type ToolCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ArgumentsJSON json.RawMessage `json:"arguments"`
}

// NewSyntheticToolCallID produces a stable-within-message synthetic ID for
// providers that omit one. index is the tool call's position in the
// assistant message; seq is a monotonic counter scoped to the decode call.
func NewSyntheticToolCallID(index, seq int) string {
	return "tool_call_" + uuid.NewString()[:8] + "_" + itoa(index) + "_" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ToolResult is what a dispatched tool call produces.
type ToolResult struct {
	ToolCallID string
	Content    string
	Hidden     bool
	Guidance   string
}

// ToolKind identifies how a tool is executed.
type ToolKind string

const (
	KindInternal ToolKind = "internal"
	KindCommand  ToolKind = "command"
	KindJSONRPC  ToolKind = "jsonrpc"
	KindMCPStdio ToolKind = "mcp-stdio"
)

// ApprovalKeyFunc derives the part of an approval fingerprint that depends
// on a specific call's arguments.
type ApprovalKeyFunc func(argumentsJSON json.RawMessage) string

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name                 string
	Kind                 ToolKind
	Description          string
	JSONSchema           json.RawMessage
	AutoApproved         bool
	ApprovalKey          ApprovalKeyFunc
	HideResults          bool
	AvailableInPlanModeSet bool // whether AvailableInPlanMode was explicitly declared
	AvailableInPlanMode  bool

	// MCPServerID identifies the upstream mcp-stdio server this tool belongs
	// to, for per-server call serialization. Empty for other kinds.
	MCPServerID string

	// CommandArgv is the argv template for kind=command tools; each element
	// may reference "{{name}}" placeholders substituted from arguments.
	CommandArgv []string

	// JSONRPCEndpoint is the HTTP/stdio endpoint for kind=jsonrpc tools.
	JSONRPCEndpoint string

	// Serialize forces this tool to never run in parallel with others.
	Serialize bool
}

// ApprovalEntry is a remembered per-session approval, keyed by fingerprint.
type ApprovalEntry struct {
	ToolName    string
	Fingerprint string
}

// UsageSnapshot is attached to every successful turn.
type UsageSnapshot struct {
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
	WallTime         time.Duration
}

// ApprovalDecision is the user's answer to an approval prompt.
type ApprovalDecision int

const (
	ApprovalDeny ApprovalDecision = iota
	ApprovalAllowOnce
	ApprovalAllowSession
)

// UISink is the collaborator interface the engine drives for user-visible
// output and interactive approval. The terminal implementation lives in
// internal/ui; the engine only depends on this interface.
type UISink interface {
	StreamChunk(text string)
	Notice(kind, text string)
	AskApproval(toolName string, argumentsJSON json.RawMessage) (ApprovalDecision, error)
	BeforeUserPrompt()
	BeforeAIPrompt()
}

// ToolRegistry is the collaborator interface for resolving and invoking
// tools. Concrete implementation lives in internal/toolregistry.
type ToolRegistry interface {
	Definitions() []ToolDefinition
	Resolve(name string) (ToolDefinition, bool)
	InvokeInternal(name string, argumentsJSON json.RawMessage) (string, error)
}

// sealMessage marks a message immutable after streaming completes.
func sealMessage(m *Message) {
	m.sealed = true
}
