package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler executes a tool call with already-validated arguments. The
// returned value must be JSON-marshalable; it is relayed verbatim to the
// caller and, for voice sessions, to the model as a function result.
type Handler func(ctx context.Context, call Call) (any, error)

// Call carries one tool invocation through validation and execution.
type Call struct {
	ID        string
	Name      string
	UserID    string
	Arguments map[string]any
	Scopes    []string
}

// Definition describes a registered tool: its argument schema, the
// permission scopes a caller needs, and the handler that runs it.
// Timeout, when positive, overrides the executor's default deadline.
type Definition struct {
	Name          string
	Description   string
	Parameters    *Schema
	RequiredScope string
	Timeout       time.Duration
	Handler       Handler
}

// Spec is the wire-facing description of a tool, suitable for advertising
// to a model or a remote planner.
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters"`
}

// Registry holds tool definitions. Registration happens during startup;
// Seal freezes the set so execution never races a late Register.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Definition
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("register: empty tool name")
	}
	if def.Handler == nil {
		return fmt.Errorf("register %s: nil handler", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: %w", def.Name, ErrRegistrySealed)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("register %s: %w", def.Name, ErrDuplicateTool)
	}
	r.tools[def.Name] = def
	return nil
}

// Seal marks registration complete. Subsequent Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the advertised tool descriptions sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, def := range r.tools {
		specs = append(specs, Spec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// SpecsJSON renders the advertised tools as a JSON array, the form the
// realtime session config expects.
func (r *Registry) SpecsJSON() ([]byte, error) {
	return json.Marshal(r.Specs())
}
