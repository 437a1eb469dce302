// Package worker holds the registry of named background workers that
// instructions may delegate to or schedule.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/dispatchd/internal/config"
)

var ErrNotFound = errors.New("worker not found")

// Task is one invocation of a worker.
type Task struct {
	ID         string         `json:"id"`
	Worker     string         `json:"worker"`
	Service    string         `json:"service,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// Scheduled is true when a cron timer, not a delegate instruction, fired the task.
	Scheduled bool `json:"scheduled"`
}

type Worker interface {
	Run(ctx context.Context, task Task) (any, error)
}

// Func adapts a function to Worker.
type Func func(ctx context.Context, task Task) (any, error)

func (f Func) Run(ctx context.Context, task Task) (any, error) {
	return f(ctx, task)
}

// Registry is the set of active workers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds w under name. Names must pass IsValidWorker and be unique.
func (r *Registry) Register(name string, w Worker) error {
	if !r.IsValidWorker(name) {
		return fmt.Errorf("invalid worker name %q", name)
	}
	if w == nil {
		return fmt.Errorf("worker %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists {
		return fmt.Errorf("worker %q already registered", name)
	}
	r.workers[name] = w
	return nil
}

// IsValidWorker reports whether name is a syntactically valid identifier.
func (r *Registry) IsValidWorker(name string) bool {
	return config.WorkerNamePattern.MatchString(name)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[name]
	return ok
}

func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return w, nil
}

// Names returns registered worker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for name := range r.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the named worker. task.Worker is filled in when empty.
func (r *Registry) Invoke(ctx context.Context, name string, task Task) (any, error) {
	w, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if task.Worker == "" {
		task.Worker = name
	}
	return w.Run(ctx, task)
}
