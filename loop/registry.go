package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/openloop-ai/openloop/llm"
)

// Handler executes a tool with parsed arguments. Side effects live entirely
// inside the handler; the executor only manages lifecycle around it.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is an externally defined, schema-described capability the model may
// invoke by name.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments object
	// DependsOn names tools whose results this tool needs when requested
	// in the same turn. Dependent requests execute in a later plan stage.
	DependsOn []string
	Handler   Handler
	// Timeout overrides the executor's default per-call timeout when > 0.
	Timeout time.Duration
}

// ValidateArguments checks raw against the tool's declared schema. A nil
// schema accepts any object.
func (t Tool) ValidateArguments(raw json.RawMessage) error {
	if t.Parameters == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(t.Parameters),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("validate arguments for %s: %w", t.Name, err)
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		reasons = append(reasons, desc.String())
	}
	return fmt.Errorf("arguments for %s do not match schema: %s", t.Name, strings.Join(reasons, "; "))
}

// Registry resolves tool names to tools. It is an explicit value injected
// into the loop rather than process-wide state, so tests and concurrent
// invocations can carry their own tool sets. The registry must not change
// during a loop run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the schema catalog sent to the LLM, in registration
// order so requests are deterministic.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}
