package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrConnectionDropped classifies an SSE stream that ended without
// [DONE] and without a usage block, per spec.md §4.5/§7.
var ErrConnectionDropped = errors.New("engine: connection dropped mid-stream")

// wireStreamChunk is one SSE data chunk, shaped like the teacher's
// chatCompletionStreamResponse.
type wireStreamChunk struct {
	Choices []wireStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireStreamChoice struct {
	Delta        wireStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type wireStreamDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	Reasoning string            `json:"reasoning,omitempty"`
	ToolCalls []wireDeltaToolCall `json:"tool_calls,omitempty"`
}

type wireDeltaToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id"`
	Function wireDeltaToolFunction `json:"function"`
}

type wireDeltaToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toolCallBuffer accumulates one tool call's fields across deltas, keyed
// by stream index, the way the teacher's toolCallAccumulator does.
type toolCallBuffer struct {
	id   strings.Builder
	name strings.Builder
	args strings.Builder
}

// StreamDecoder reassembles one assistant message from a live SSE stream.
// All per-stream state (content, tool-call buffers, usage, whitespace
// policy) is local to Decode and starts empty on every call, matching
// spec.md §4.5's reset-on-every-call requirement, so an instance can be
// reused; only the synthetic tool-call ID counter carries over between
// calls. TurnController constructs a fresh decoder per request.
type StreamDecoder struct {
	synthSeq int
}

// NewStreamDecoder returns a decoder ready to consume one stream.
func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Decode reads SSE lines from h until [DONE], a terminal finish_reason, an
// inactivity timeout, cancellation, or EOF, and returns the sealed
// assistant message plus any usage snapshot observed. streamChunk is
// called for each printable content delta, after whitespace-trim policy is
// applied (spec.md §4.5).
func (d *StreamDecoder) Decode(ctx context.Context, h *StreamHandle, cancel *CancelSignal, streamChunk func(string)) (Message, *UsageSnapshot, error) {
	var contentBuf strings.Builder
	toolBufs := map[int]*toolCallBuffer{}
	var toolOrder []int
	var usage *UsageSnapshot

	droppedLeadingWhitespace := false
	var pendingTrailingWhitespace strings.Builder

	emit := func(s string) {
		if s == "" {
			return
		}
		if !droppedLeadingWhitespace {
			trimmed := strings.TrimLeft(s, " \t\r\n")
			if trimmed == "" {
				return
			}
			if trimmed != s {
				s = trimmed
			}
			droppedLeadingWhitespace = true
		}
		// Split s into a printable-ending prefix and any trailing
		// whitespace run, buffering the latter until more printable
		// content arrives or the stream ends (when it is dropped).
		i := len(s)
		for i > 0 {
			r := s[i-1]
			if r != ' ' && r != '\t' && r != '\r' && r != '\n' {
				break
			}
			i--
		}
		printable, trailing := s[:i], s[i:]
		if printable != "" {
			if pendingTrailingWhitespace.Len() > 0 {
				printable = pendingTrailingWhitespace.String() + printable
				pendingTrailingWhitespace.Reset()
			}
			contentBuf.WriteString(printable)
			if streamChunk != nil {
				streamChunk(printable)
			}
		}
		pendingTrailingWhitespace.WriteString(trailing)
	}

	lines := make(chan string)
	lineErrs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(h.body)
		scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		lineErrs <- scanner.Err()
		close(lines)
	}()

	finished := false
	var finalErr error
	lastData := time.Now()
	const pollInterval = 100 * time.Millisecond

	for !finished {
		select {
		case <-ctx.Done():
			finalErr = ctx.Err()
			finished = true
		case <-time.After(pollInterval):
			if time.Since(lastData) >= h.timeout {
				finalErr = fmt.Errorf("%w: no data for %s", ErrConnectionDropped, h.timeout)
				finished = true
			}
		case line, ok := <-lines:
			lastData = time.Now()
			if !ok {
				if err := <-lineErrs; err != nil {
					finalErr = fmt.Errorf("reading stream: %w", err)
				} else if usage == nil {
					finalErr = ErrConnectionDropped
				}
				finished = true
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				finished = true
				continue
			}
			var chunk wireStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				log.Warn().Err(err).Str("data", data).Msg("engine: failed to parse SSE chunk")
				continue
			}
			if chunk.Usage != nil {
				usage = &UsageSnapshot{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				emit(choice.Delta.Content)
			} else if choice.Delta.Reasoning != "" {
				emit(choice.Delta.Reasoning)
			}
			for _, tc := range choice.Delta.ToolCalls {
				buf, ok := toolBufs[tc.Index]
				if !ok {
					buf = &toolCallBuffer{}
					toolBufs[tc.Index] = buf
					toolOrder = append(toolOrder, tc.Index)
				}
				if tc.ID != "" {
					buf.id.WriteString(tc.ID)
				}
				if tc.Function.Name != "" {
					buf.name.WriteString(tc.Function.Name)
				}
				if tc.Function.Arguments != "" {
					buf.args.WriteString(tc.Function.Arguments)
				}
			}
			if choice.FinishReason != nil {
				switch *choice.FinishReason {
				case "stop", "length", "content_filter", "function_call", "tool_calls":
					finished = true
				}
			}
		}
		if cancel != nil && cancel.TurnRequested() {
			finalErr = ErrCancelled
			finished = true
		}
	}

	// Trailing whitespace buffered but never followed by printable content
	// is dropped, per spec.md §4.5.

	if finalErr != nil && !errors.Is(finalErr, ErrCancelled) {
		return Message{}, usage, finalErr
	}

	msg := Message{
		Role:      RoleAssistant,
		Text:      contentBuf.String(),
		CreatedAt: time.Now(),
	}
	if !errors.Is(finalErr, ErrCancelled) {
		for _, idx := range toolOrder {
			buf := toolBufs[idx]
			name := buf.name.String()
			if name == "" {
				log.Warn().Int("index", idx).Msg("engine: dropping tool call with empty name")
				continue
			}
			id := buf.id.String()
			if id == "" {
				d.synthSeq++
				id = fmt.Sprintf("tool_call_%d_%d", idx, d.synthSeq)
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:            id,
				Name:          name,
				ArgumentsJSON: json.RawMessage(buf.args.String()),
			})
		}
	}
	sealMessage(&msg)

	if errors.Is(finalErr, ErrCancelled) {
		return msg, usage, ErrCancelled
	}
	return msg, usage, nil
}
