package core

import (
	"encoding/json"
	"maps"
	"slices"
)

// ExecutionContext is the accumulating set of variables threaded through a run.
//
// A context is immutable: With and Merge return a new context and never
// remove keys, so a value written by one node stays visible to every node
// after it. Writing an existing key replaces its value.
type ExecutionContext struct {
	vars map[string]any
}

// NewExecutionContext returns a context seeded with a shallow copy of seed.
func NewExecutionContext(seed map[string]any) ExecutionContext {
	vars := make(map[string]any, len(seed))
	maps.Copy(vars, seed)
	return ExecutionContext{vars: vars}
}

// Get returns the value stored under key.
func (c ExecutionContext) Get(key string) (any, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// Has reports whether key is present.
func (c ExecutionContext) Has(key string) bool {
	_, ok := c.vars[key]
	return ok
}

// Len returns the number of variables.
func (c ExecutionContext) Len() int {
	return len(c.vars)
}

// Keys returns the variable names in sorted order.
func (c ExecutionContext) Keys() []string {
	return slices.Sorted(maps.Keys(c.vars))
}

// With returns a copy of c with key set to value.
func (c ExecutionContext) With(key string, value any) ExecutionContext {
	vars := make(map[string]any, len(c.vars)+1)
	maps.Copy(vars, c.vars)
	vars[key] = value
	return ExecutionContext{vars: vars}
}

// Merge returns a copy of c with every variable of other added.
// Values in other win on conflicting keys.
func (c ExecutionContext) Merge(other ExecutionContext) ExecutionContext {
	vars := make(map[string]any, len(c.vars)+len(other.vars))
	maps.Copy(vars, c.vars)
	maps.Copy(vars, other.vars)
	return ExecutionContext{vars: vars}
}

// Snapshot returns a shallow copy of the variables for rendering or
// serialisation. Mutating the returned map does not affect c.
func (c ExecutionContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c.vars))
	maps.Copy(out, c.vars)
	return out
}

// MarshalJSON encodes the context as a JSON object.
func (c ExecutionContext) MarshalJSON() ([]byte, error) {
	if c.vars == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.vars)
}

// UnmarshalJSON decodes a JSON object into a fresh context.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var vars map[string]any
	if err := json.Unmarshal(data, &vars); err != nil {
		return err
	}
	*c = NewExecutionContext(vars)
	return nil
}
