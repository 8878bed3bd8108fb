package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildRequestOmitsToolsWhenDisabled(t *testing.T) {
	reg := &fakeRegistry{defs: map[string]ToolDefinition{
		"Read": {Name: "Read", Kind: KindInternal, JSONSchema: json.RawMessage(`{"type":"object"}`)},
	}}
	body := BuildRequest(Config{Model: "m"}, nil, reg, BuildRequestOptions{DisableTools: true}, nil)
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["tools"]; ok {
		t.Fatal("expected no tools field when DisableTools is set")
	}
}

func TestBuildRequestIncludesToolsByDefault(t *testing.T) {
	reg := &fakeRegistry{defs: map[string]ToolDefinition{
		"Read": {Name: "Read", Kind: KindInternal, JSONSchema: json.RawMessage(`{"type":"object"}`)},
	}}
	body := BuildRequest(Config{Model: "m"}, nil, reg, BuildRequestOptions{}, nil)
	if !strings.Contains(string(body), `"Read"`) {
		t.Fatalf("expected Read tool in request body, got %s", body)
	}
	if !strings.Contains(string(body), `"tool_choice":"auto"`) {
		t.Fatalf("expected tool_choice=auto, got %s", body)
	}
}

func TestBuildRequestActiveToolsRestrictsSet(t *testing.T) {
	reg := &fakeRegistry{defs: map[string]ToolDefinition{
		"Read":  {Name: "Read", Kind: KindInternal},
		"write": {Name: "write", Kind: KindInternal},
	}}
	body := BuildRequest(Config{Model: "m"}, nil, reg, BuildRequestOptions{ActiveTools: map[string]bool{"Read": true}}, nil)
	s := string(body)
	if !strings.Contains(s, `"Read"`) || strings.Contains(s, `"write"`) {
		t.Fatalf("expected only Read in restricted tool set, got %s", s)
	}
}

func TestBuildRequestMalformedSchemaFallsBackToEmptyObject(t *testing.T) {
	reg := &fakeRegistry{defs: map[string]ToolDefinition{
		"Broken": {Name: "Broken", Kind: KindInternal, JSONSchema: json.RawMessage(`{not json`)},
	}}
	ui := &fakeUISink{}
	body := BuildRequest(Config{Model: "m"}, nil, reg, BuildRequestOptions{}, ui)
	if !strings.Contains(string(body), `"parameters":{"type":"object","properties":{}}`) {
		t.Fatalf("expected empty-object fallback schema, got %s", body)
	}
}

func TestBuildRequestStreamingSetsStreamOptions(t *testing.T) {
	body := BuildRequest(Config{Model: "m"}, nil, &fakeRegistry{defs: map[string]ToolDefinition{}}, BuildRequestOptions{Streaming: true}, nil)
	s := string(body)
	if !strings.Contains(s, `"stream":true`) || !strings.Contains(s, `"include_usage":true`) {
		t.Fatalf("expected streaming + include_usage set, got %s", s)
	}
}

func TestBuildRequestSkipsDefaultSamplingParams(t *testing.T) {
	one := 1.0
	body := BuildRequest(Config{Model: "m", TopP: &one, RepetitionPenalty: &one}, nil, &fakeRegistry{defs: map[string]ToolDefinition{}}, BuildRequestOptions{}, nil)
	s := string(body)
	if strings.Contains(s, `"top_p"`) || strings.Contains(s, `"repetition_penalty"`) {
		t.Fatalf("expected default-valued sampling params omitted, got %s", s)
	}
}

func TestBuildRequestToolCallMessageRoundTrips(t *testing.T) {
	history := []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "Read", ArgumentsJSON: json.RawMessage(`{"file":"a.go"}`)}}},
		{Role: RoleTool, ToolCallID: "c1", Text: "file contents"},
	}
	body := BuildRequest(Config{Model: "m"}, history, &fakeRegistry{defs: map[string]ToolDefinition{}}, BuildRequestOptions{}, nil)
	s := string(body)
	if !strings.Contains(s, `"tool_call_id":"c1"`) || !strings.Contains(s, `"arguments":"{\"file\":\"a.go\"}"`) {
		t.Fatalf("expected tool call and tool answer preserved in wire format, got %s", s)
	}
}
