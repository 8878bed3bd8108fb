package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ScratchpadReader exposes the current planning/memory scratchpad content
// for recitation injection (SPEC_FULL.md §5), grounded on the teacher's
// mcptools.Scratchpad. Returning "" disables scratchpad-based recitation
// and the TurnController falls back to reciting the user's original
// request instead.
type ScratchpadReader interface {
	Content() string
}

// TurnControllerOptions configures one TurnController instance. Zero
// values fall back to the defaults named in SPEC_FULL.md §5 and spec.md §6.
type TurnControllerOptions struct {
	MaxToolRounds int // default 60

	// RecitationInterval, if > 0, re-injects a system-reminder into the
	// last tool message every N tool-calling rounds (0 disables it).
	RecitationInterval int
	Scratchpad         ScratchpadReader

	// RepetitionGuardWindow is how many identical trailing calls trigger
	// the repeated-tool-call nudge (SPEC_FULL.md §5, default 3; 0 selects
	// the default, so the guard is always on).
	RepetitionGuardWindow int
}

func (o TurnControllerOptions) withDefaults() TurnControllerOptions {
	if o.MaxToolRounds == 0 {
		o.MaxToolRounds = 60
	}
	if o.RepetitionGuardWindow == 0 {
		o.RepetitionGuardWindow = 3
	}
	return o
}

// TurnController drives the request -> tools -> request loop to
// completion, grounded on the teacher's internal/llm/loop.go ProcessTurn
// almost line-for-line in control flow.
type TurnController struct {
	Config    Config
	History   HistoryStore
	Transport *TransportClient
	Dispatch  *ToolDispatcher
	Mode      *ModeGate
	Stats     *Stats
	UI        UISink
	Cancel    *CancelSignal
	Tokens    *TokenEstimator

	Opts TurnControllerOptions

	recentCalls []string // fingerprint-ish "name(args)" trail for the repetition guard
}

// NewTurnController wires a controller from its collaborators.
func NewTurnController(cfg Config, history HistoryStore, transport *TransportClient, dispatch *ToolDispatcher, mode *ModeGate, stats *Stats, ui UISink, cancel *CancelSignal, opts TurnControllerOptions) *TurnController {
	if mode == nil {
		mode = NewModeGate()
	}
	if cancel == nil {
		cancel = &CancelSignal{}
	}
	return &TurnController{
		Config:    cfg,
		History:   history,
		Transport: transport,
		Dispatch:  dispatch,
		Mode:      mode,
		Stats:     stats,
		UI:        ui,
		Cancel:    cancel,
		Tokens:    NewTokenEstimator(),
		Opts:      opts.withDefaults(),
	}
}

// Turn runs one full turn for userInput: appends it to history, then loops
// request -> decode -> tools -> request until the model yields a response
// with no tool calls, the round budget is exhausted, or cancellation is
// observed.
func (t *TurnController) Turn(ctx context.Context, userInput string) error {
	if t.UI != nil {
		t.UI.BeforeUserPrompt()
	}

	if reminder := t.Mode.ConsumeReminder(); reminder != "" {
		userInput = userInput + "\n\n" + reminder
	}
	t.History.AppendUser(Message{Text: userInput, CreatedAt: time.Now()})

	t.Cancel.Reset()
	round := 0
	reg := t.registryOrNil()

	for {
		if t.Cancel.TurnRequested() {
			if t.UI != nil {
				t.UI.Notice("cancelled", "cancelled by user")
			}
			return nil
		}

		disableTools := false
		if round >= t.Opts.MaxToolRounds {
			disableTools = true
		}

		if t.UI != nil {
			t.UI.BeforeAIPrompt()
		}

		assistantMsg, usage, err := t.sendAndDecode(ctx, reg, disableTools)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				if t.UI != nil {
					t.UI.Notice("cancelled", "cancelled by user")
				}
				return nil
			}
			t.History.AppendAssistant(Message{
				Text:      fmt.Sprintf("Error: %v", err),
				CreatedAt: time.Now(),
			})
			if t.UI != nil {
				t.UI.Notice("error", err.Error())
			}
			return nil
		}

		t.History.AppendAssistant(assistantMsg)
		if t.Stats != nil && usage != nil {
			t.Stats.RecordSuccess(0, *usage)
			t.Stats.UpdateCurrentPromptSize(usage.PromptTokens, !t.Config.TrustUsageInfoPromptTokens)
		} else if t.Stats != nil {
			estimate := t.Tokens.EstimateMessages(t.History.Snapshot()) + t.Tokens.EstimateToolDefinitions(definitionsOf(reg))
			t.Stats.UpdateCurrentPromptSize(estimate, true)
		}

		if len(assistantMsg.ToolCalls) == 0 {
			return nil
		}
		if disableTools {
			// Forced finalizer round already ran with tools disabled; the
			// model should not have emitted tool calls, but if it did,
			// there is nothing left to execute against.
			return nil
		}

		t.noteRecentCalls(assistantMsg.ToolCalls)
		results := t.Dispatch.DispatchAll(ctx, assistantMsg.ToolCalls)
		recite := round > 0 && t.Opts.RecitationInterval > 0 && round%t.Opts.RecitationInterval == 0
		for i, r := range results {
			content := r.Content
			if recite && i == len(results)-1 {
				content = t.injectRecitation(content, userInput)
			}
			t.History.AppendTool(r.ToolCallID, content)
			if r.Guidance != "" {
				t.History.AppendUser(Message{Text: r.Guidance, CreatedAt: time.Now()})
			}
		}
		if guard := t.repetitionGuardReminder(); guard != "" {
			t.History.AppendUser(Message{Text: guard, CreatedAt: time.Now()})
		}

		round++
	}
}

func (t *TurnController) registryOrNil() ToolRegistry {
	if t.Dispatch == nil {
		return nil
	}
	return t.Dispatch.Registry
}

// sendAndDecode builds and sends one request, retrying transport failures
// per RetryPolicy, and decodes the response (streaming or not).
func (t *TurnController) sendAndDecode(ctx context.Context, reg ToolRegistry, disableTools bool) (Message, *UsageSnapshot, error) {
	activeTools := t.Mode.ActiveToolNames(definitionsOf(reg))

	buildAndSend := func(ctx context.Context) (decodeResult, error) {
		body := BuildRequest(t.Config, t.History.Snapshot(), reg, BuildRequestOptions{
			Streaming:    t.Config.EnableStreaming,
			DisableTools: disableTools,
			ActiveTools:  activeTools,
		}, t.UI)

		if t.Stats != nil {
			t.Stats.RecordRequestStart()
		}
		start := time.Now()
		payload, handle, err := t.Transport.Send(ctx, t.Config, body, t.Config.EnableStreaming)
		if err != nil {
			if t.Stats != nil {
				t.Stats.RecordError(time.Since(start))
			}
			return decodeResult{}, err
		}

		if handle != nil {
			defer handle.Close()
			decoder := NewStreamDecoder()
			msg, usage, derr := decoder.Decode(ctx, handle, t.Cancel, func(chunk string) {
				if t.UI != nil {
					t.UI.StreamChunk(chunk)
				}
			})
			if derr != nil {
				if t.Stats != nil && !errors.Is(derr, ErrCancelled) {
					t.Stats.RecordError(time.Since(start))
				}
				return decodeResult{}, derr
			}
			return decodeResult{msg: msg, usage: usage}, nil
		}

		msg, usage, derr := decodeNonStreaming(payload)
		if derr != nil {
			if t.Stats != nil {
				t.Stats.RecordError(time.Since(start))
			}
			return decodeResult{}, derr
		}
		return decodeResult{msg: msg, usage: usage}, nil
	}

	classify := func(err error) RetryClass {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return ClassifyHTTPStatus(statusErr.Status, statusErr.Body)
		}
		if errors.Is(err, ErrConnectionDropped) {
			return RetryTransient
		}
		return ClassifyTransportErr(err)
	}
	extractRetryAfter := func(err error) time.Duration { return 0 }
	policyFor := func(class RetryClass) RetryPolicy {
		return t.Config.TransportRetryPolicy(class == RetryRateLimited)
	}

	result, err := RetryWithPolicy(ctx, policyFor, buildAndSend, classify, extractRetryAfter, t.Cancel, func(attempt int, delay time.Duration, class RetryClass, err error) {
		if t.UI != nil {
			t.UI.Notice("warn", fmt.Sprintf("retrying request (attempt %d, %s): %v", attempt, class, err))
		}
		log.Warn().Int("attempt", attempt).Dur("delay", delay).Str("class", class.String()).Err(err).Msg("engine: retrying request")
	})
	if err != nil {
		return Message{}, nil, err
	}
	return result.msg, result.usage, nil
}

type decodeResult struct {
	msg   Message
	usage *UsageSnapshot
}

func definitionsOf(reg ToolRegistry) []ToolDefinition {
	if reg == nil {
		return nil
	}
	return reg.Definitions()
}

func decodeNonStreaming(payload []byte) (Message, *UsageSnapshot, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage,omitempty"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Message{}, nil, fmt.Errorf("decoding non-streaming response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, nil, fmt.Errorf("response had no choices")
	}
	m := resp.Choices[0].Message
	msg := Message{Role: RoleAssistant, Text: m.Content, CreatedAt: time.Now()}
	for i, tc := range m.ToolCalls {
		id := tc.ID
		if id == "" {
			id = NewSyntheticToolCallID(i, i)
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:            id,
			Name:          tc.Function.Name,
			ArgumentsJSON: json.RawMessage(tc.Function.Arguments),
		})
	}
	sealMessage(&msg)

	var usage *UsageSnapshot
	if resp.Usage != nil {
		usage = &UsageSnapshot{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
	}
	return msg, usage, nil
}

// noteRecentCalls records a compact signature of this round's tool calls
// for the repetition guard, keeping only the trailing window.
func (t *TurnController) noteRecentCalls(calls []ToolCall) {
	for _, c := range calls {
		t.recentCalls = append(t.recentCalls, c.Name+"("+string(c.ArgumentsJSON)+")")
	}
	max := t.Opts.RepetitionGuardWindow * 4
	if max > 0 && len(t.recentCalls) > max {
		t.recentCalls = t.recentCalls[len(t.recentCalls)-max:]
	}
}

// repetitionGuardReminder returns a nudge message when the last N calls
// (RepetitionGuardWindow) are all identical, grounded on the teacher's
// recentCall/last3 check in internal/llm/loop.go.
func (t *TurnController) repetitionGuardReminder() string {
	w := t.Opts.RepetitionGuardWindow
	if w == 0 || len(t.recentCalls) < w {
		return ""
	}
	last := t.recentCalls[len(t.recentCalls)-w:]
	for i := 1; i < len(last); i++ {
		if last[i] != last[0] {
			return ""
		}
	}
	return "<system-reminder>You have called the same tool with the same " +
		"arguments repeatedly. Reconsider your approach instead of " +
		"repeating this call.</system-reminder>"
}

// injectRecitation appends a recitation reminder to the last tool result
// of a round, preferring scratchpad content over echoing the original
// request, grounded on the teacher's injectRecitation.
func (t *TurnController) injectRecitation(content, originalRequest string) string {
	const tagOpen = "<system-reminder>"
	const tagClose = "</system-reminder>"
	if i := indexOf(content, tagOpen); i >= 0 {
		if j := indexOf(content[i:], tagClose); j >= 0 {
			content = content[:i] + content[i+j+len(tagClose):]
		}
	}

	goal := originalRequest
	if t.Opts.Scratchpad != nil {
		if sc := t.Opts.Scratchpad.Content(); sc != "" {
			goal = sc
		}
	}
	return content + "\n\n" + tagOpen + "Reminder of the current goal: " + goal + tagClose
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
