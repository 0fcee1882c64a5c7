// Package executor defines the plugin interface for device actions.
//
// # Design Principles
//
// 1. Interface Segregation: one small interface every action implements
// 2. Capability Declaration: executors declare their external dependencies
// 3. Graceful Degradation: missing dependencies are detected at registration, not runtime
//
// # Adding New Executors
//
// To support a new action:
//
//  1. Create a type implementing the Executor interface
//  2. Decode its payload with DecodePayload
//  3. Register the executor in the registry
//
// Example:
//
//	type BeepExecutor struct{}
//	func (e *BeepExecutor) Action() string { return "beep" }
//	func (e *BeepExecutor) Execute(ctx, payload) (any, error) { /* ... */ }
//
//	// In agent startup:
//	registry.Register(&BeepExecutor{})
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
)

// ErrUnsupported is returned by Execute for actions with no registered executor.
var ErrUnsupported = errors.New("unsupported_action")

// Executor runs one kind of action on the device.
type Executor interface {
	// Action returns the action name this executor handles (e.g., "ping").
	Action() string

	// Capabilities returns what this executor needs.
	Capabilities() Capabilities

	// Execute runs the action. The returned data becomes the result's data
	// field; an error becomes a failed result carrying err.Error().
	Execute(ctx context.Context, payload any) (any, error)
}

// Capabilities describes an executor's requirements.
type Capabilities struct {
	// Dependencies lists external binaries required (e.g., ["xdg-open"])
	Dependencies []string
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available executors.
type Registry struct {
	executors map[string]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a new executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry.
// Returns an error if dependencies are missing or executor already registered.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.Action()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor already registered: %s", name)
	}

	// Verify dependencies are available
	for _, dep := range e.Capabilities().Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("executor %s missing dependency: %s", name, dep)
		}
	}

	r.executors[name] = e
	return nil
}

// Get returns an executor by action name.
func (r *Registry) Get(action string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[action]
	return e, ok
}

// List returns all registered action names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches action to its executor.
func (r *Registry) Execute(ctx context.Context, action string, payload any) (any, error) {
	e, ok := r.Get(action)
	if !ok {
		return nil, ErrUnsupported
	}
	return e.Execute(ctx, payload)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// DecodePayload converts a generic JSON payload into T.
func DecodePayload[T any](payload any) (T, error) {
	var v T
	if payload == nil {
		return v, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}
