package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kazimuth/mandrel/internal/engine"
	"github.com/rs/zerolog/log"
)

// Manager owns the set of connected jsonrpc/mcp-stdio upstream servers and
// implements engine.KindExecutor for both kinds, resolving each call to its
// server by MCPServerID (mcp-stdio) or JSONRPCEndpoint (jsonrpc, looked up
// by endpoint URL rather than a persistent connection).
type Manager struct {
	mu      sync.RWMutex
	stdio   map[string]UpstreamClient // serverID -> client
	jsonrpc map[string]UpstreamClient // endpoint -> client
}

var _ engine.KindExecutor = (*Manager)(nil)

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		stdio:   make(map[string]UpstreamClient),
		jsonrpc: make(map[string]UpstreamClient),
	}
}

// ConnectStdio launches cfg's subprocess, completes the MCP handshake, and
// returns its advertised tools translated to engine.ToolDefinition with
// MCPServerID set to cfg.ID and Kind=KindMCPStdio.
func (m *Manager) ConnectStdio(ctx context.Context, cfg *ServerConfig) ([]engine.ToolDefinition, error) {
	client := NewStdioClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if _, err := client.Initialize(ctx, map[string]interface{}{"name": "mandrel", "version": "0.1.0"}); err != nil {
		_ = client.Close()
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools on mcp-stdio server %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	m.stdio[cfg.ID] = client
	m.mu.Unlock()

	return toolDefinitions(tools, engine.KindMCPStdio, cfg.ID, ""), nil
}

// ConnectJSONRPC registers an HTTP JSON-RPC upstream at endpoint and
// returns its tools translated to engine.ToolDefinition with
// JSONRPCEndpoint set and Kind=KindJSONRPC.
func (m *Manager) ConnectJSONRPC(ctx context.Context, endpoint string) ([]engine.ToolDefinition, error) {
	client := NewClient(endpoint)
	if _, err := client.Initialize(ctx, map[string]interface{}{"name": "mandrel", "version": "0.1.0"}); err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools at %s: %w", endpoint, err)
	}

	m.mu.Lock()
	m.jsonrpc[endpoint] = client
	m.mu.Unlock()

	return toolDefinitions(tools, engine.KindJSONRPC, "", endpoint), nil
}

func toolDefinitions(tools []Tool, kind engine.ToolKind, serverID, endpoint string) []engine.ToolDefinition {
	defs := make([]engine.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, engine.ToolDefinition{
			Name:            t.Name,
			Kind:            kind,
			Description:     t.Description,
			JSONSchema:      schema,
			MCPServerID:     serverID,
			JSONRPCEndpoint: endpoint,
		})
	}
	return defs
}

// Execute implements engine.KindExecutor for both KindJSONRPC (resolved by
// def.JSONRPCEndpoint) and KindMCPStdio (resolved by def.MCPServerID). The
// dispatcher already holds the per-server mutex for mcp-stdio calls before
// invoking this (spec.md §5), so Execute itself does no locking.
func (m *Manager) Execute(ctx context.Context, def engine.ToolDefinition, argumentsJSON json.RawMessage) (string, error) {
	client, err := m.resolve(def)
	if err != nil {
		return "", err
	}

	var args interface{}
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return "", fmt.Errorf("unmarshal arguments: %w", err)
		}
	}

	result, err := client.CallTool(ctx, def.Name, args)
	if err != nil {
		return "", err
	}
	return renderContent(result), nil
}

func (m *Manager) resolve(def engine.ToolDefinition) (UpstreamClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch def.Kind {
	case engine.KindMCPStdio:
		client, ok := m.stdio[def.MCPServerID]
		if !ok {
			return nil, fmt.Errorf("mcpclient: no connected mcp-stdio server %q", def.MCPServerID)
		}
		return client, nil
	case engine.KindJSONRPC:
		client, ok := m.jsonrpc[def.JSONRPCEndpoint]
		if !ok {
			return nil, fmt.Errorf("mcpclient: no connected jsonrpc endpoint %q", def.JSONRPCEndpoint)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("mcpclient: unsupported tool kind %q", def.Kind)
	}
}

func renderContent(result *ToolResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
			b.WriteByte('\n')
		}
	}
	out := b.String()
	if result.IsError && out == "" {
		out = "Error: mcp tool call failed"
	}
	return out
}

// Close shuts down every connected mcp-stdio subprocess.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.stdio {
		if closer, ok := c.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				log.Warn().Str("server", id).Err(err).Msg("mcpclient: error closing stdio server")
			}
		}
	}
}
