// Package router maps instructions to handlers: the five built-in actions,
// plus composite "action::service" handlers registered at startup.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

// Handler executes one instruction.
type Handler func(ctx context.Context, in instruction.Instruction) instruction.Result

// Builtins holds one handler per built-in action.
type Builtins struct {
	Respond  Handler
	Execute  Handler
	Schedule Handler
	Delegate Handler
	Write    Handler
}

type MemoryAppender interface {
	Append(ctx context.Context, key string, value any) error
}

type WorkerInvoker interface {
	Invoke(ctx context.Context, name string, task worker.Task) (any, error)
}

// HandlerContext is the only capability surface composite handlers get.
type HandlerContext struct {
	memory  MemoryAppender
	workers WorkerInvoker
}

func NewHandlerContext(mem MemoryAppender, workers WorkerInvoker) HandlerContext {
	return HandlerContext{memory: mem, workers: workers}
}

func (hc HandlerContext) Append(ctx context.Context, key string, value any) error {
	if hc.memory == nil {
		return fmt.Errorf("memory unavailable")
	}
	return hc.memory.Append(ctx, key, value)
}

func (hc HandlerContext) InvokeWorker(ctx context.Context, name string, task worker.Task) (any, error) {
	if hc.workers == nil {
		return nil, fmt.Errorf("workers unavailable")
	}
	return hc.workers.Invoke(ctx, name, task)
}

// CompositeHandler serves one "action::service" key.
type CompositeHandler func(ctx context.Context, hc HandlerContext, in instruction.Instruction) instruction.Result

// Key builds the composite registration key.
func Key(action instruction.Action, service string) string {
	return string(action) + "::" + service
}

type Router struct {
	builtins Builtins
	hc       HandlerContext
	logger   *slog.Logger

	mu        sync.RWMutex
	composite map[string]CompositeHandler
}

func New(builtins Builtins, hc HandlerContext, logger *slog.Logger) *Router {
	if logger == nil {
		logger = log.WithComponent("router")
	}
	return &Router{
		builtins:  builtins,
		hc:        hc,
		logger:    logger,
		composite: make(map[string]CompositeHandler),
	}
}

// Register installs a composite handler for action::service.
func (r *Router) Register(action instruction.Action, service string, h CompositeHandler) error {
	if strings.TrimSpace(string(action)) == "" || strings.TrimSpace(service) == "" {
		return fmt.Errorf("composite handler needs both action and service")
	}
	if h == nil {
		return fmt.Errorf("composite handler %s is nil", Key(action, service))
	}

	key := Key(action, service)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.composite[key]; exists {
		return fmt.Errorf("composite handler %s already registered", key)
	}
	r.composite[key] = h
	return nil
}

// Composite lists registered composite keys, sorted.
func (r *Router) Composite() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.composite))
	for k := range r.composite {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Route runs the handler for in. A composite handler registered for the
// instruction's action and service wins over the built-in. Unknown actions
// fail with "Unknown action: <action>"; no fallback action is substituted.
func (r *Router) Route(ctx context.Context, in instruction.Instruction) (res instruction.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "action", in.Action, "service", in.Service, "panic", p)
			res = instruction.Failf("handler panic: %v", p)
		}
	}()

	if in.Service != "" {
		r.mu.RLock()
		h, ok := r.composite[Key(in.Action, in.Service)]
		r.mu.RUnlock()
		if ok {
			return h(ctx, r.hc, in)
		}
	}

	var h Handler
	switch in.Action {
	case instruction.ActionRespond:
		h = r.builtins.Respond
	case instruction.ActionExecute:
		h = r.builtins.Execute
	case instruction.ActionSchedule:
		h = r.builtins.Schedule
	case instruction.ActionDelegate:
		h = r.builtins.Delegate
	case instruction.ActionWrite:
		h = r.builtins.Write
	default:
		r.logger.Error("unknown action", "action", in.Action, "service", in.Service)
		return instruction.Failf("Unknown action: %s", in.Action)
	}
	if h == nil {
		return instruction.Failf("no handler for action %s", in.Action)
	}
	return h(ctx, in)
}
