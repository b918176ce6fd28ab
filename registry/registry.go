// Package registry is the catalog of node types the workflow editor can
// place. It maps each type to display metadata, its output variable and
// the configuration fields its executor reads.
package registry

import (
	"sync"

	"github.com/petal-labs/nodeflow/core"
)

// Node categories.
const (
	CategoryTrigger = "trigger"
	CategoryAction  = "action"
	CategoryAI      = "ai"
)

// NodeTypeDef describes a registered node type.
type NodeTypeDef struct {
	Type        core.NodeType `json:"type"`
	Category    string        `json:"category"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	// Output is the default context key the executor writes. Empty for
	// pass-through nodes.
	Output string        `json:"output,omitempty"`
	Config []ConfigField `json:"config"`
	// Channel is the realtime status channel key. Filled in by the caller
	// that owns the channel registry.
	Channel string `json:"channel,omitempty"`
	// Hidden types are valid in stored workflows but not offered in the
	// editor palette.
	Hidden bool `json:"hidden,omitempty"`
}

// ConfigField describes one key of a node's data object.
type ConfigField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string", "number", "object", "enum"
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
	Templated   bool     `json:"templated,omitempty"` // rendered with Handlebars against the run context
	Description string   `json:"description,omitempty"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and registers every built-in node type.
func Global() *Registry {
	globalOnce.Do(func() {
		global = newRegistry()
		registerBuiltins(global)
	})
	return global
}

// Registry holds node type definitions.
type Registry struct {
	mu    sync.RWMutex
	types map[core.NodeType]NodeTypeDef
	order []core.NodeType // preserves registration order
}

func newRegistry() *Registry {
	return &Registry{
		types: make(map[core.NodeType]NodeTypeDef),
	}
}

// Register adds a node type definition. If a type with the same name
// already exists it is overwritten.
func (r *Registry) Register(def NodeTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns a node type definition.
func (r *Registry) Get(t core.NodeType) (NodeTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[t]
	return def, ok
}

// Has returns true if the type is registered.
func (r *Registry) Has(t core.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[t]
	return ok
}

// All returns all registered node types in registration order, hidden
// types included.
func (r *Registry) All() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, t := range r.order {
		def := r.types[t]
		def.Config = append([]ConfigField(nil), def.Config...)
		result = append(result, def)
	}
	return result
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
