// Package tools implements the tool registry: named tools with JSON-schema
// validated arguments, bounded inputs, slimmed outputs, and categorized
// errors. The agent runtime and the job executor both dispatch through it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/toolerrors"
)

// maxArgChars bounds every string argument before dispatch.
const maxArgChars = 4000

type (
	// Handler executes one tool call with schema-validated arguments.
	Handler func(ctx context.Context, args map[string]any) (any, error)

	// Tool is one registered tool. Write tools mutate durable state or
	// post outward and are excluded from the read-only tool set.
	Tool struct {
		Name        string
		Description string
		Schema      json.RawMessage
		Handler     Handler
		Write       bool
	}

	registered struct {
		tool   Tool
		schema *jsonschema.Schema
	}

	// Registry maps tool names to handlers.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]registered
	}
)

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds a tool, compiling its schema. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Name)
	}
	if t.Description == "" {
		return fmt.Errorf("tools: tool %q has no description", t.Name)
	}
	var compiled *jsonschema.Schema
	if len(t.Schema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(t.Schema)))
		if err != nil {
			return fmt.Errorf("tools: tool %q schema: %w", t.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(t.Name+".json", doc); err != nil {
			return fmt.Errorf("tools: tool %q schema: %w", t.Name, err)
		}
		compiled, err = compiler.Compile(t.Name + ".json")
		if err != nil {
			return fmt.Errorf("tools: tool %q schema: %w", t.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = registered{tool: t, schema: compiled}
	return nil
}

// MustRegister panics on registration failure. Used at startup wiring where
// a bad tool definition is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions for the model. With writes=false
// only the read-safe set is advertised.
func (r *Registry) Definitions(writes bool) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, reg := range r.tools {
		if reg.tool.Write && !writes {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        reg.tool.Name,
			Description: reg.tool.Description,
			InputSchema: reg.tool.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates and executes one tool call. Returned errors are
// always *toolerrors.ToolError so callers can render a stable payload.
// Outputs are slimmed before returning.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, writes bool) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, toolerrors.NewKind(toolerrors.KindNotFound, fmt.Sprintf("unknown tool %q", name))
	}
	if reg.tool.Write && !writes {
		return nil, toolerrors.NewKind(toolerrors.KindNotAllowed, fmt.Sprintf("tool %q requires operator mode", name))
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("tool %q arguments are not a JSON object: %v", name, err))
		}
	}
	if reg.schema != nil {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(orEmptyObject(rawArgs))))
		if err != nil {
			return nil, toolerrors.NewKind(toolerrors.KindValidation, err.Error())
		}
		if err := reg.schema.Validate(doc); err != nil {
			return nil, toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("tool %q arguments: %v", name, err))
		}
	}
	clipArgs(args)

	out, err := reg.tool.Handler(ctx, args)
	if err != nil {
		return nil, toolerrors.FromError(err)
	}
	return Slim(out), nil
}

// Payload renders a dispatch outcome as the map fed back to the model.
func Payload(result any, err error) map[string]any {
	if err != nil {
		return toolerrors.FromError(err).Payload()
	}
	return map[string]any{"ok": true, "result": result}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// clipArgs bounds top-level and nested string arguments in place.
func clipArgs(args map[string]any) {
	for k, v := range args {
		switch t := v.(type) {
		case string:
			if len(t) > maxArgChars {
				args[k] = t[:maxArgChars]
			}
		case map[string]any:
			clipArgs(t)
		case []any:
			for i, elem := range t {
				if s, ok := elem.(string); ok && len(s) > maxArgChars {
					t[i] = s[:maxArgChars]
				}
			}
		}
	}
}
