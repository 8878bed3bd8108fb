package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// KindExecutor runs one tool call of a non-internal kind (command, jsonrpc,
// mcp-stdio). Concrete implementations live in internal/toolregistry
// (command) and internal/mcpclient (jsonrpc, mcp-stdio).
type KindExecutor interface {
	Execute(ctx context.Context, def ToolDefinition, argumentsJSON json.RawMessage) (string, error)
}

// ToolDispatcher resolves, approves and executes tool calls per spec.md
// §4.6, grounded on the teacher's llm.ProcessTurn's executeToolCalls and
// mcp.Proxy's local-vs-upstream CallTool resolution, generalized to the
// four-kind dispatch contract and mode/approval gates the teacher lacks.
type ToolDispatcher struct {
	Registry  ToolRegistry
	Mode      *ModeGate
	Approval  *ApprovalCache
	UI        UISink
	Cancel    *CancelSignal
	Stats     *Stats
	Executors map[ToolKind]KindExecutor
	YOLOMode  bool

	mu            sync.Mutex
	serverMutexes map[string]*sync.Mutex
}

// NewToolDispatcher wires a dispatcher from the engine's config and
// collaborators.
func NewToolDispatcher(cfg Config, reg ToolRegistry, mode *ModeGate, approval *ApprovalCache, ui UISink, cancel *CancelSignal, stats *Stats, executors map[ToolKind]KindExecutor) *ToolDispatcher {
	return &ToolDispatcher{
		Registry:  reg,
		Mode:      mode,
		Approval:  approval,
		UI:        ui,
		Cancel:    cancel,
		Stats:     stats,
		Executors: executors,
		YOLOMode:  cfg.YOLOMode,
	}
}

// serverMutex returns (creating if needed) the per-server mutex used to
// serialize mcp-stdio calls against a given upstream server, per spec.md
// §5's "within one MCP stdio server, calls are serialized".
func (d *ToolDispatcher) serverMutex(serverID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serverMutexes == nil {
		d.serverMutexes = make(map[string]*sync.Mutex)
	}
	m, ok := d.serverMutexes[serverID]
	if !ok {
		m = &sync.Mutex{}
		d.serverMutexes[serverID] = m
	}
	return m
}

// DispatchAll executes calls and returns their results in calls' original
// order, regardless of completion order (spec.md §4.6/§5). Calls run in
// parallel when none require an interactive approval prompt, none are
// marked Serialize, and no two target the same mcp-stdio server;
// otherwise they run sequentially in order.
func (d *ToolDispatcher) DispatchAll(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	if d.canParallelize(calls) {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call ToolCall) {
				defer wg.Done()
				results[i] = d.dispatchOne(ctx, call)
			}(i, call)
		}
		wg.Wait()
		return results
	}

	for i, call := range calls {
		results[i] = d.dispatchOne(ctx, call)
	}
	return results
}

func (d *ToolDispatcher) canParallelize(calls []ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	seenServers := map[string]bool{}
	for _, call := range calls {
		def, ok := d.Registry.Resolve(call.Name)
		if !ok {
			continue // unknown tools resolve instantly, don't block parallelism
		}
		if def.Serialize {
			return false
		}
		if !def.AutoApproved && !d.YOLOMode && !d.alreadyApproved(def, call.ArgumentsJSON) {
			return false
		}
		if def.Kind == KindMCPStdio && def.MCPServerID != "" {
			if seenServers[def.MCPServerID] {
				return false
			}
			seenServers[def.MCPServerID] = true
		}
	}
	return true
}

// alreadyApproved is a side-effect-free peek used only to decide whether
// parallel execution is safe; it does not consume an approval answer.
func (d *ToolDispatcher) alreadyApproved(def ToolDefinition, args json.RawMessage) bool {
	return d.Approval != nil && d.Approval.Contains(Fingerprint(def, args))
}

// dispatchOne runs the resolve -> parse -> mode-check -> approve -> execute
// -> normalize pipeline for a single call.
func (d *ToolDispatcher) dispatchOne(ctx context.Context, call ToolCall) ToolResult {
	def, ok := d.Registry.Resolve(call.Name)
	if !ok {
		return ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("Error: unknown tool %s", call.Name)}
	}

	var args map[string]any
	if len(call.ArgumentsJSON) > 0 {
		if err := json.Unmarshal(call.ArgumentsJSON, &args); err != nil {
			return ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("Error: could not parse arguments for %s: %v", call.Name, err)}
		}
	}

	if d.Mode != nil && d.Mode.PlanActive() && !d.Mode.AvailableInPlanMode(def) {
		return ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: %s is not available in plan mode (read-only tools only)", call.Name),
		}
	}

	if decision, ok := d.checkApproval(ctx, def, call); !ok {
		return decision
	}

	if d.Cancel != nil && d.Cancel.ToolCallRequested() {
		return ToolResult{ToolCallID: call.ID, Content: "Tool call cancelled"}
	}

	content, err := d.execute(ctx, def, call)
	if d.Stats != nil {
		d.Stats.RecordToolCall(err != nil)
	}
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("engine: tool execution error")
		return ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("Error: %v", err), Hidden: def.HideResults}
	}
	return ToolResult{ToolCallID: call.ID, Content: content, Hidden: def.HideResults}
}

// checkApproval returns (_, true) when execution should proceed, or a
// terminal ToolResult and false otherwise.
func (d *ToolDispatcher) checkApproval(ctx context.Context, def ToolDefinition, call ToolCall) (ToolResult, bool) {
	if def.AutoApproved || d.YOLOMode {
		return ToolResult{}, true
	}
	fp := Fingerprint(def, call.ArgumentsJSON)
	if d.Approval != nil && d.Approval.Contains(fp) {
		return ToolResult{}, true
	}
	if d.UI == nil {
		return ToolResult{ToolCallID: call.ID, Content: "Tool call rejected: no approval UI available"}, false
	}
	decision, err := d.UI.AskApproval(call.Name, call.ArgumentsJSON)
	if err != nil {
		return ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("Tool call rejected: %v", err)}, false
	}
	switch decision {
	case ApprovalAllowSession:
		if d.Approval != nil {
			d.Approval.Add(fp)
		}
		return ToolResult{}, true
	case ApprovalAllowOnce:
		return ToolResult{}, true
	default:
		return ToolResult{ToolCallID: call.ID, Content: "Tool call rejected by user"}, false
	}
}

func (d *ToolDispatcher) execute(ctx context.Context, def ToolDefinition, call ToolCall) (string, error) {
	switch def.Kind {
	case KindInternal:
		return d.Registry.InvokeInternal(def.Name, call.ArgumentsJSON)
	case KindMCPStdio:
		if def.MCPServerID != "" {
			mu := d.serverMutex(def.MCPServerID)
			mu.Lock()
			defer mu.Unlock()
		}
		fallthrough
	case KindCommand, KindJSONRPC:
		ex, ok := d.Executors[def.Kind]
		if !ok {
			return "", fmt.Errorf("no executor registered for kind %s", def.Kind)
		}
		return ex.Execute(ctx, def, call.ArgumentsJSON)
	default:
		return "", fmt.Errorf("unknown tool kind %q", def.Kind)
	}
}
