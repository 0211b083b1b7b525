package flowengine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps workflow types to their definitions.
// Definitions are registered at startup by the workflows package; the engine
// resolves them by type on submit and again whenever a run is resumed.
//
// Thread-safety: uses sync.RWMutex. Registration (write) happens at startup,
// lookup (read) happens at runtime. Read-heavy pattern.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]WorkflowDefinition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]WorkflowDefinition),
	}
}

// Register adds a workflow definition. Returns ErrDuplicateWorkflowType if a
// definition with the same type is already registered.
func (r *Registry) Register(def WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("workflow definition cannot be nil")
	}
	wfType := def.Type()
	if wfType == "" {
		return fmt.Errorf("workflow type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[wfType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflowType, wfType)
	}

	r.definitions[wfType] = def
	return nil
}

// MustRegister adds a workflow definition. Panics if registration fails.
// Use this at startup where registration failures are programming errors
// that should prevent boot.
func (r *Registry) MustRegister(def WorkflowDefinition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("flowengine: failed to register workflow: %v", err))
	}
}

// Get retrieves a definition by type. Returns ErrWorkflowTypeNotFound if the
// type is not registered.
func (r *Registry) Get(wfType string) (WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[wfType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowTypeNotFound, wfType)
	}
	return def, nil
}

// List returns the registered workflow types, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}

// buildSteps runs a definition's Build and checks the result is usable.
func buildSteps(def WorkflowDefinition, input []byte) ([]StepDefinition, error) {
	steps, err := def.Build(input)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", def.Type(), err)
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" || s.Step == nil {
			return nil, fmt.Errorf("build %s: step %d has no name or implementation", def.Type(), i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("build %s: duplicate step name %q", def.Type(), s.Name)
		}
		seen[s.Name] = true
	}
	return steps, nil
}

func stepNames(steps []StepDefinition) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
