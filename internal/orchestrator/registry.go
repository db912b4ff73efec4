package orchestrator

import (
	"sync"

	"github.com/zjrosen/docserve/internal/task"
)

// Registry is the mutex-guarded in-memory task store. Mutating a task is
// only allowed through Update so that readers never observe a task mid
// transition.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task.Task)}
}

// Put stores a task under its id.
func (r *Registry) Put(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Get returns a snapshot copy of the task, or ErrTaskNotFound.
func (r *Registry) Get(id string) (task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return task.Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Update applies fn to the task under the registry lock. fn must not
// block or call back into the registry.
func (r *Registry) Update(id string, fn func(*task.Task) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	return fn(t)
}

// Remove deletes the task and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tasks[id]
	delete(r.tasks, id)
	return ok
}

// List returns a snapshot of every task matching the filter. A nil
// filter matches everything.
func (r *Registry) List(filter func(task.Task) bool) []task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if filter == nil || filter(*t) {
			out = append(out, *t)
		}
	}
	return out
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
