package engine

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// wireMessage is one entry of the request body's "messages" array, shaped
// the way the teacher's toOpenAIMessages produces it.
type wireMessage struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// wireRequest is the request body shape, mirroring the teacher's OpenAI
// chat-completions payload (openai_common.go's toOpenAIMessages/
// toOpenAITools) generalized per spec.md §4.3's config table.
type wireRequest struct {
	Model             string             `json:"model"`
	Messages          []wireMessage      `json:"messages"`
	Temperature       *float64           `json:"temperature,omitempty"`
	TopP              *float64           `json:"top_p,omitempty"`
	TopK              *int               `json:"top_k,omitempty"`
	RepetitionPenalty *float64           `json:"repetition_penalty,omitempty"`
	MaxTokens         *int               `json:"max_tokens,omitempty"`
	Stream            bool               `json:"stream,omitempty"`
	StreamOptions     *wireStreamOptions `json:"stream_options,omitempty"`
	Tools             []wireTool         `json:"tools,omitempty"`
	ToolChoice        string             `json:"tool_choice,omitempty"`
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// BuildRequestOptions controls how BuildRequest assembles the body.
type BuildRequestOptions struct {
	Streaming    bool
	DisableTools bool
	// ActiveTools, when non-nil, restricts the tools list to this set of
	// names (plan-mode gating, spec.md §4.3's "activeTools" row).
	ActiveTools map[string]bool
}

// BuildRequest assembles a chat-completions request body from history,
// config and the tool registry, per spec.md §4.3's config table.
func BuildRequest(cfg Config, history []Message, reg ToolRegistry, opts BuildRequestOptions, ui UISink) []byte {
	req := wireRequest{
		Model:       cfg.Model,
		Messages:    toWireMessages(history),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if cfg.TopP != nil && *cfg.TopP != 1.0 {
		req.TopP = cfg.TopP
	}
	if cfg.TopK != nil && *cfg.TopK != 0 {
		req.TopK = cfg.TopK
	}
	if cfg.RepetitionPenalty != nil && *cfg.RepetitionPenalty != 1.0 {
		req.RepetitionPenalty = cfg.RepetitionPenalty
	}
	if opts.Streaming {
		req.Stream = true
		req.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}

	if !opts.DisableTools && reg != nil {
		defs := reg.Definitions()
		if len(defs) > 0 {
			req.Tools = toWireTools(defs, opts.ActiveTools, ui)
			req.ToolChoice = "auto"
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		// Marshalling a closed struct of strings/numbers cannot fail in
		// practice; guard anyway since BuildRequest has no error return.
		log.Error().Err(err).Msg("failed to marshal request body")
		return nil
	}
	return body
}

func toWireMessages(history []Message) []wireMessage {
	out := make([]wireMessage, len(history))
	for i, m := range history {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content(),
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			wm.ToolCalls = make([]wireToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				wm.ToolCalls[j] = wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireToolFunction{
						Name:      tc.Name,
						Arguments: string(tc.ArgumentsJSON),
					},
				}
			}
		}
		out[i] = wm
	}
	return out
}

// toWireTools converts tool definitions to wire format, restricting to
// active (plan mode) tools when activeTools is non-nil, and replacing any
// tool definition whose JSONSchema fails to serialize with the empty
// object schema plus a diagnostic, never a hard failure (spec.md §4.3).
func toWireTools(defs []ToolDefinition, activeTools map[string]bool, ui UISink) []wireTool {
	out := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		if activeTools != nil && !activeTools[d.Name] {
			continue
		}
		schema := d.JSONSchema
		if len(schema) == 0 || !json.Valid(schema) {
			if ui != nil {
				ui.Notice("warn", "tool "+d.Name+" has malformed parameters; using empty schema")
			}
			log.Warn().Str("tool", d.Name).Msg("malformed tool schema, substituting empty object")
			schema = emptySchema
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}
