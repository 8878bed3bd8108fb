package toolregistry

import (
	"encoding/json"
	"fmt"

	"github.com/kazimuth/mandrel/internal/cache"
	"github.com/kazimuth/mandrel/internal/delta"
	"github.com/kazimuth/mandrel/internal/engine"
)

// internalHandler is the signature every kind=internal tool handler
// implements: decode its own arguments, do the work, return text or an error.
type internalHandler func(argumentsJSON json.RawMessage) (string, error)

// Registry is the built-in tool collaborator: it serves every kind=internal
// tool directly and publishes the Shell tool's definition for dispatch to
// the kind=command executor. It implements engine.ToolRegistry.
type Registry struct {
	defs     []engine.ToolDefinition
	byName   map[string]engine.ToolDefinition
	handlers map[string]internalHandler
}

// Options configures which internal tools a Registry serves. Fields left
// nil/empty disable the tools that depend on them (e.g. WebSearch without
// an Exa API key still registers, but fails per-call with a clear error).
type Options struct {
	Cache         *cache.Cache
	DeltaTracker  *delta.Tracker
	ExaAPIKey     string
	ExaEndpoint   string
	AutoApproved  map[string]bool
	Scratchpad    *Scratchpad
	ReadTracker   *FileReadTracker
}

// New builds the tool registry from opts. ReadTracker and Scratchpad are
// created if not supplied, so callers that don't need to share them across
// components can pass a zero Options.
func New(opts Options) *Registry {
	if opts.ReadTracker == nil {
		opts.ReadTracker = NewFileReadTracker()
	}
	if opts.Scratchpad == nil {
		opts.Scratchpad = &Scratchpad{}
	}

	r := &Registry{
		byName:   make(map[string]engine.ToolDefinition),
		handlers: make(map[string]internalHandler),
	}

	readHandler := NewReadHandler(opts.ReadTracker)
	editHandler := NewEditHandler(opts.ReadTracker, opts.DeltaTracker)
	grepHandler := NewGrepHandler()
	todoHandler := NewTodoWriteHandler(opts.Scratchpad)

	r.register(engine.ToolDefinition{
		Name:        "Read",
		Kind:        engine.KindInternal,
		Description: readToolDescription,
		JSONSchema:  json.RawMessage(readToolSchema),
	}, readHandler.Handle)

	r.register(engine.ToolDefinition{
		Name:        "Edit",
		Kind:        engine.KindInternal,
		Description: editToolDescription,
		JSONSchema:  json.RawMessage(editToolSchema),
	}, editHandler.Handle)

	r.register(engine.ToolDefinition{
		Name:        "Grep",
		Kind:        engine.KindInternal,
		Description: grepToolDescription,
		JSONSchema:  json.RawMessage(grepToolSchema),
	}, grepHandler.Handle)

	r.register(engine.ToolDefinition{
		Name:        "GitStatus",
		Kind:        engine.KindInternal,
		Description: gitStatusToolDescription,
		JSONSchema:  json.RawMessage(gitStatusToolSchema),
	}, GitStatusHandler)

	r.register(engine.ToolDefinition{
		Name:        "GitDiff",
		Kind:        engine.KindInternal,
		Description: gitDiffToolDescription,
		JSONSchema:  json.RawMessage(gitDiffToolSchema),
	}, GitDiffHandler)

	r.register(engine.ToolDefinition{
		Name:        "TodoWrite",
		Kind:        engine.KindInternal,
		Description: todoWriteToolDescription,
		JSONSchema:  json.RawMessage(todoWriteToolSchema),
	}, todoHandler.Handle)

	if opts.Cache != nil {
		r.register(engine.ToolDefinition{
			Name:        "WebFetch",
			Kind:        engine.KindInternal,
			Description: webFetchToolDescription,
			JSONSchema:  json.RawMessage(webFetchToolSchema),
		}, NewWebFetchHandler(opts.Cache))

		r.register(engine.ToolDefinition{
			Name:        "WebSearch",
			Kind:        engine.KindInternal,
			Description: webSearchToolDescription,
			JSONSchema:  json.RawMessage(webSearchToolSchema),
		}, NewWebSearchHandler(opts.Cache, opts.ExaAPIKey, opts.ExaEndpoint))
	}

	// Shell is kind=command: its definition is published here but its calls
	// are executed by a ShellExecutor registered in the dispatcher's
	// Executors[engine.KindCommand] map, not through InvokeInternal.
	r.registerDefinition(engine.ToolDefinition{
		Name:        "Shell",
		Kind:        engine.KindCommand,
		Description: shellToolDescription,
		JSONSchema:  json.RawMessage(shellToolSchema),
		Serialize:   true,
	})

	for name := range opts.AutoApproved {
		if def, ok := r.byName[name]; ok {
			def.AutoApproved = true
			r.byName[name] = def
			for i, d := range r.defs {
				if d.Name == name {
					r.defs[i] = def
				}
			}
		}
	}

	return r
}

func (r *Registry) register(def engine.ToolDefinition, handler internalHandler) {
	r.registerDefinition(def)
	r.handlers[def.Name] = handler
}

func (r *Registry) registerDefinition(def engine.ToolDefinition) {
	r.defs = append(r.defs, def)
	r.byName[def.Name] = def
}

// RegisterExternal publishes tool definitions discovered from a connected
// jsonrpc or mcp-stdio upstream (internal/mcpclient.Manager.Connect*) into
// the registry so the request builder and dispatcher see them alongside
// the built-in tools.
func (r *Registry) RegisterExternal(defs ...engine.ToolDefinition) {
	for _, def := range defs {
		r.registerDefinition(def)
	}
}

// Definitions returns every tool definition, internal and otherwise.
func (r *Registry) Definitions() []engine.ToolDefinition {
	out := make([]engine.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Resolve looks up a tool definition by name.
func (r *Registry) Resolve(name string) (engine.ToolDefinition, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// InvokeInternal dispatches a kind=internal tool call to its handler.
func (r *Registry) InvokeInternal(name string, argumentsJSON json.RawMessage) (string, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("no internal handler registered for tool %q", name)
	}
	return handler(argumentsJSON)
}
