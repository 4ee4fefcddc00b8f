// Package taskregistry is the in-memory task registry: the process-wide
// map from task id to its parameter schema and build_command function.
// It is read-only once the process has started.
package taskregistry

import (
	"encoding/json"
	"fmt"
	"sync"

	"taskhub/internal/model"
)

// Registry holds the process-wide set of known task definitions.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]*model.Task)}
}

// Register adds or replaces a task definition. Intended for startup only;
// the registry is treated as immutable once the process is serving traffic.
func (r *Registry) Register(t *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.TaskID] = t
}

// Get returns the task by id, or false if unknown.
func (r *Registry) Get(taskID string) (*model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

// Snapshot returns a point-in-time copy of the registry suitable for
// passing to enqueue_run/claim_next as the concurrency/enabled-state view.
func (r *Registry) Snapshot() map[string]*model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*model.Task, len(r.tasks))
	for k, v := range r.tasks {
		out[k] = v
	}
	return out
}

// LoadBuiltins registers the fixture tasks used by the end-to-end scenarios:
// echo_ok (always succeeds) and echo_fail (always exits 7). Real deployments
// replace this with a manifest/directory scan at startup.
func (r *Registry) LoadBuiltins() {
	r.Register(&model.Task{
		TaskID:           "echo_ok",
		Name:             "echo_ok",
		Version:          "1",
		IsEnabled:        true,
		ConcurrencyLimit: 0,
		ParamsSchema:     json.RawMessage(`{"type":"object","properties":{}}`),
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			return []string{"sh", "-c", "echo hi; exit 0"}, nil
		},
	})
	r.Register(&model.Task{
		TaskID:           "echo_fail",
		Name:             "echo_fail",
		Version:          "1",
		IsEnabled:        true,
		ConcurrencyLimit: 0,
		ParamsSchema:     json.RawMessage(`{"type":"object","properties":{}}`),
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			return []string{"sh", "-c", "echo nope 1>&2; exit 7"}, nil
		},
	})
}

// ErrNoBuildCommand is returned when a task was registered without a
// build_command function, a programmer error rather than a runtime condition.
var ErrNoBuildCommand = fmt.Errorf("taskregistry: task has no build_command")

// BuildCommand resolves argv for a task/params pair, wrapping a missing
// build_command function as an error instead of panicking.
func BuildCommand(t *model.Task, params json.RawMessage) ([]string, error) {
	if t.BuildCommand == nil {
		return nil, ErrNoBuildCommand
	}
	return t.BuildCommand(params)
}
