package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestConfig(endpoint string) Config {
	return Config{
		APIEndpoint:      endpoint,
		APIKey:           "test-key",
		Model:            "test-model",
		RetryMaxAttempts: 1,
	}
}

func nonStreamingResponse(content string, toolCalls bool) string {
	tc := ""
	if toolCalls {
		tc = `,"tool_calls":[{"id":"call_1","function":{"name":"Read","arguments":"{}"}}]`
	}
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q%s}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`, content, tc)
}

func TestTurnControllerSingleRoundNoToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, nonStreamingResponse("hello there", false))
	}))
	defer srv.Close()

	hist := NewHistory()
	hist.AppendSystem("you are a test assistant")
	transport := NewTransportClient(newTestConfig(srv.URL))
	reg := &fakeRegistry{defs: map[string]ToolDefinition{}}
	dispatch := &ToolDispatcher{Registry: reg, Mode: NewModeGate(), Approval: NewApprovalCache(), Stats: &Stats{}}
	stats := &Stats{}
	tc := NewTurnController(newTestConfig(srv.URL), hist, transport, dispatch, NewModeGate(), stats, nil, nil, TurnControllerOptions{})

	if err := tc.Turn(context.Background(), "hi"); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	snap := hist.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected system+user+assistant, got %d messages", len(snap))
	}
	if snap[2].Text != "hello there" {
		t.Errorf("assistant text = %q, want %q", snap[2].Text, "hello there")
	}
	if stats.APISuccess != 1 || stats.PromptTokens != 5 || stats.CompletionTokens != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTurnControllerExecutesToolCallThenFinishes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			fmt.Fprint(w, nonStreamingResponse("", true))
		} else {
			fmt.Fprint(w, nonStreamingResponse("done", false))
		}
	}))
	defer srv.Close()

	hist := NewHistory()
	hist.AppendSystem("sys")
	transport := NewTransportClient(newTestConfig(srv.URL))
	reg := &fakeRegistry{defs: map[string]ToolDefinition{
		"Read": {Name: "Read", Kind: KindInternal, AutoApproved: true},
	}}
	dispatch := &ToolDispatcher{Registry: reg, Mode: NewModeGate(), Approval: NewApprovalCache(), Stats: &Stats{}}
	tc := NewTurnController(newTestConfig(srv.URL), hist, transport, dispatch, NewModeGate(), &Stats{}, nil, nil, TurnControllerOptions{})

	if err := tc.Turn(context.Background(), "read the file"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 requests (tool round + finalizer), got %d", calls)
	}

	snap := hist.Snapshot()
	var sawTool bool
	for _, m := range snap {
		if m.Role == RoleTool && m.Text == "internal:Read" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Fatalf("expected a tool result message in history, got %+v", snap)
	}
	if snap[len(snap)-1].Text != "done" {
		t.Errorf("final assistant text = %q, want %q", snap[len(snap)-1].Text, "done")
	}
}

func TestTurnControllerMaxRoundsForcesFinalization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, nonStreamingResponse("ignored", true))
	}))
	defer srv.Close()

	hist := NewHistory()
	hist.AppendSystem("sys")
	transport := NewTransportClient(newTestConfig(srv.URL))
	reg := &fakeRegistry{defs: map[string]ToolDefinition{
		"Read": {Name: "Read", Kind: KindInternal, AutoApproved: true},
	}}
	dispatch := &ToolDispatcher{Registry: reg, Mode: NewModeGate(), Approval: NewApprovalCache(), Stats: &Stats{}}
	tc := NewTurnController(newTestConfig(srv.URL), hist, transport, dispatch, NewModeGate(), &Stats{}, nil, nil, TurnControllerOptions{MaxToolRounds: 1})
	// Force the very first round to already be over budget.
	tc.Opts.MaxToolRounds = 0

	if err := tc.Turn(context.Background(), "go"); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	snap := hist.Snapshot()
	for _, m := range snap {
		if m.Role == RoleTool {
			t.Fatalf("expected no tool calls to execute once the round budget is exhausted, got %+v", snap)
		}
	}
}

func TestTurnControllerTransportErrorNoticesAndStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer srv.Close()

	hist := NewHistory()
	hist.AppendSystem("sys")
	cfg := newTestConfig(srv.URL)
	cfg.RetryMaxAttempts = 1
	transport := NewTransportClient(cfg)
	reg := &fakeRegistry{defs: map[string]ToolDefinition{}}
	dispatch := &ToolDispatcher{Registry: reg, Mode: NewModeGate(), Approval: NewApprovalCache(), Stats: &Stats{}}
	ui := &fakeUISink{}
	tc := NewTurnController(cfg, hist, transport, dispatch, NewModeGate(), &Stats{}, ui, nil, TurnControllerOptions{})

	if err := tc.Turn(context.Background(), "hi"); err != nil {
		t.Fatalf("Turn itself should not return an error, got %v", err)
	}

	snap := hist.Snapshot()
	last := snap[len(snap)-1]
	if last.Role != RoleAssistant || last.Text == "" {
		t.Fatalf("expected an error notice recorded as the assistant's message, got %+v", last)
	}
}
