// Package registry maps function names to parameter schemas, execution modes
// and handlers. It is an explicit dispatch table built at startup; nothing
// here inspects handler signatures at runtime.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/akatsuki-hq/dispatch/internal/schema"
)

type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// Handler executes a function call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one callable function. Owner is empty for global
// definitions; otherwise the definition is only visible to that owner.
type Definition struct {
	Name        string
	Description string
	Parameters  *schema.Node
	Mode        ExecutionMode
	Handler     Handler
	Owner       string
}

var ErrFunctionNotFound = errors.New("function not found")

type Registry struct {
	mu     sync.RWMutex
	global map[string]*Definition
	scoped map[string]map[string]*Definition
}

func New() *Registry {
	return &Registry{
		global: make(map[string]*Definition),
		scoped: make(map[string]map[string]*Definition),
	}
}

// Register adds a definition. A name must be unique within its scope (global
// or per owner); a global and an owner-scoped definition may share a name.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}
	if def.Name == "" {
		return fmt.Errorf("function name is empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("function %q has no handler", def.Name)
	}
	if def.Mode != ModeSync && def.Mode != ModeAsync {
		return fmt.Errorf("function %q has invalid execution mode %q", def.Name, def.Mode)
	}
	if def.Parameters == nil {
		return fmt.Errorf("function %q has no parameter schema", def.Name)
	}
	if err := def.Parameters.Check(); err != nil {
		return fmt.Errorf("function %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Owner == "" {
		if _, exists := r.global[def.Name]; exists {
			return fmt.Errorf("function %q already registered", def.Name)
		}
		r.global[def.Name] = def
		return nil
	}

	scope := r.scoped[def.Owner]
	if scope == nil {
		scope = make(map[string]*Definition)
		r.scoped[def.Owner] = scope
	}
	if _, exists := scope[def.Name]; exists {
		return fmt.Errorf("function %q already registered for owner %q", def.Name, def.Owner)
	}
	scope[def.Name] = def
	return nil
}

// Resolve looks up a function by name for a caller. When a global and an
// owner-scoped definition share a name, the owner-scoped one wins.
func (r *Registry) Resolve(name, owner string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if owner != "" {
		if def, ok := r.scoped[owner][name]; ok {
			return def, nil
		}
	}
	if def, ok := r.global[name]; ok {
		return def, nil
	}
	return nil, ErrFunctionNotFound
}

// Snapshot returns the definitions visible to a caller, sorted by name.
// Owner-scoped definitions shadow global ones of the same name.
func (r *Registry) Snapshot(owner string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]*Definition, len(r.global))
	for name, def := range r.global {
		merged[name] = def
	}
	if owner != "" {
		for name, def := range r.scoped[owner] {
			merged[name] = def
		}
	}

	out := make([]*Definition, 0, len(merged))
	for _, def := range merged {
		out = append(out, def)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// ToProviderSchema renders tool declarations for an LLM provider. It is a
// pure transform of the definitions' parameter schemas; any unrecognized
// schema node fails the whole conversion.
func ToProviderSchema(defs []*Definition, provider schema.Provider) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		params, err := schema.ToProvider(def.Parameters, provider)
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", def.Name, err)
		}
		switch provider {
		case schema.ProviderOpenAI:
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        def.Name,
					"description": def.Description,
					"parameters":  params,
				},
			})
		case schema.ProviderAnthropic:
			out = append(out, map[string]any{
				"name":         def.Name,
				"description":  def.Description,
				"input_schema": params,
			})
		case schema.ProviderGemini:
			out = append(out, map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  params,
			})
		default:
			return nil, fmt.Errorf("unrecognized provider %q", provider)
		}
	}
	return out, nil
}
