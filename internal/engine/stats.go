package engine

import "time"

// Stats holds engine counters, updated only from the TurnController
// goroutine (spec.md §4.12, §5: "all updates are single-threaded").
type Stats struct {
	APIRequests int
	APISuccess  int
	APIErrors   int
	APITimeSpent time.Duration

	PromptTokens     int
	CompletionTokens int

	ToolCalls  int
	ToolErrors int

	CurrentPromptSize          int
	CurrentPromptSizeEstimated bool
}

// RecordRequestStart increments the request counter.
func (s *Stats) RecordRequestStart() { s.APIRequests++ }

// RecordSuccess records wall time and token usage for a successful turn.
func (s *Stats) RecordSuccess(wall time.Duration, usage UsageSnapshot) {
	s.APISuccess++
	s.APITimeSpent += wall
	s.PromptTokens += usage.PromptTokens
	s.CompletionTokens += usage.CompletionTokens
}

// RecordError records a failed request.
func (s *Stats) RecordError(wall time.Duration) {
	s.APIErrors++
	s.APITimeSpent += wall
}

// RecordToolCall records a dispatched tool call, and a tool error if isErr.
func (s *Stats) RecordToolCall(isErr bool) {
	s.ToolCalls++
	if isErr {
		s.ToolErrors++
	}
}

// UpdateCurrentPromptSize sets the current-turn prompt-size snapshot.
// Per spec.md §4.8, this value must never decrease on API failure; callers
// only invoke this on a path that already guarantees forward progress
// (either a successful response or a fresh estimate that is itself
// monotonic with conversation growth).
func (s *Stats) UpdateCurrentPromptSize(size int, estimated bool) {
	if size < s.CurrentPromptSize {
		return
	}
	s.CurrentPromptSize = size
	s.CurrentPromptSizeEstimated = estimated
}
