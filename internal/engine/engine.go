// Package engine executes batches of instructions: schedule dedup, priority
// ordering, worker validation, routing and early abort.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/memory"
	"github.com/mattjoyce/dispatchd/internal/router"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

// Gateway is the model-call surface the engine needs.
type Gateway interface {
	Call(ctx context.Context, prompt string, tokenLimit int, cacheEnabled bool, opts gateway.CallOptions) (gateway.Result, error)
	Breakers() []gateway.BreakerSnapshot
}

type Workers interface {
	IsValidWorker(name string) bool
	Has(name string) bool
	Invoke(ctx context.Context, name string, task worker.Task) (any, error)
	Names() []string
}

type Scheduler interface {
	RegisterTask(worker, cronExpr, service string, handler scheduler.Handler) (string, bool, error)
	ListTasks() []string
	Tasks() []scheduler.TaskInfo
}

type Memory interface {
	Store(ctx context.Context, key string, value any, metadata map[string]any) (memory.Entry, error)
	Search(ctx context.Context, f memory.Filter) ([]memory.Entry, error)
	Append(ctx context.Context, key string, value any) error
}

// APICaller performs outbound API requests for the api service.
type APICaller interface {
	Call(ctx context.Context, method, url string, body any) (any, error)
}

type Config struct {
	// AbortPriority is the lowest priority whose failure stops the batch.
	AbortPriority   int
	DefaultPriority int
	TokenLimit      int
	CacheEnabled    bool
	SystemPrompt    string
}

func ConfigFromFile(cfg *config.Config) Config {
	return Config{
		AbortPriority:   cfg.Engine.AbortPriority,
		DefaultPriority: cfg.Engine.DefaultPriority,
		TokenLimit:      cfg.Gateway.TokenLimit,
		CacheEnabled:    cfg.Gateway.CacheEnabled,
	}
}

// Deps are the engine's collaborators. Nil collaborators make the branches
// that need them fail with a typed result.
type Deps struct {
	Gateway   Gateway
	Workers   Workers
	Scheduler Scheduler
	Memory    Memory
	API       APICaller
	Events    events.Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

type Engine struct {
	cfg       Config
	gateway   Gateway
	workers   Workers
	scheduler Scheduler
	memory    Memory
	api       APICaller
	events    events.Sink
	logger    *slog.Logger
	now       func() time.Time
	router    *router.Router
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.AbortPriority == 0 {
		cfg.AbortPriority = 8
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = instruction.DefaultPriority
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	e := &Engine{
		cfg:       cfg,
		gateway:   deps.Gateway,
		workers:   deps.Workers,
		scheduler: deps.Scheduler,
		memory:    deps.Memory,
		api:       deps.API,
		events:    deps.Events,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if e.events == nil {
		e.events = events.Discard
	}
	if e.logger == nil {
		e.logger = log.WithComponent("engine")
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.router = router.New(router.Builtins{
		Respond:  e.handleResponse,
		Execute:  e.handleExecution,
		Schedule: e.handleSchedule,
		Delegate: e.handleDelegation,
		Write:    e.handleWrite,
	}, router.NewHandlerContext(e.memory, e.workers), e.logger)
	e.registerComposites()
	return e
}

// Router exposes the action router so callers can add composite handlers.
func (e *Engine) Router() *router.Router { return e.router }

// Report is the outcome of one dispatch request.
type Report struct {
	RequestID string `json:"request_id"`
	Preamble  string `json:"preamble,omitempty"`
	// Instructions are the retained instructions in execution order.
	Instructions []instruction.Instruction `json:"instructions"`
	Results      []instruction.Result      `json:"results"`
	Aborted      bool                      `json:"aborted"`
	Model        *gateway.Result           `json:"model,omitempty"`
}

// ExecuteInstructions runs a batch and returns one result per executed
// instruction, in execution order.
func (e *Engine) ExecuteInstructions(ctx context.Context, list []instruction.Instruction) []instruction.Result {
	_, results, _ := e.run(ctx, list)
	return results
}

// Dispatch parses raw model output and executes the resulting batch.
func (e *Engine) Dispatch(ctx context.Context, raw string) Report {
	parsed := instruction.ParseWithPreamble(raw)
	ordered, results, aborted := e.run(ctx, parsed.Instructions)
	return Report{
		RequestID:    uuid.NewString(),
		Preamble:     parsed.Preamble,
		Instructions: ordered,
		Results:      results,
		Aborted:      aborted,
	}
}

// Ask sends prompt through the gateway and dispatches the reply.
func (e *Engine) Ask(ctx context.Context, prompt string) (Report, error) {
	if e.gateway == nil {
		return Report{}, errGatewayUnavailable
	}
	res, err := e.gateway.Call(ctx, prompt, e.cfg.TokenLimit, e.cfg.CacheEnabled, gateway.CallOptions{System: e.cfg.SystemPrompt})
	if err != nil {
		return Report{}, err
	}
	rep := e.Dispatch(ctx, res.Text)
	rep.Model = &res
	return rep, nil
}

func (e *Engine) run(ctx context.Context, list []instruction.Instruction) ([]instruction.Instruction, []instruction.Result, bool) {
	batch := e.prepare(list)

	results := make([]instruction.Result, 0, len(batch))
	aborted := false
	for i, in := range batch {
		res := e.execute(ctx, in)
		results = append(results, res)

		if !res.Success && in.Priority >= e.cfg.AbortPriority {
			skipped := len(batch) - i - 1
			e.logger.Warn("high priority instruction failed; aborting batch",
				"action", in.Action,
				"priority", in.Priority,
				"error", res.Error,
				"skipped", skipped,
			)
			e.events.Emit(events.Trace{
				Level:     events.LevelWarn,
				Operation: "engine.aborted",
				ErrorType: "high_priority_failure",
				Fields:    map[string]any{"action": string(in.Action), "priority": in.Priority, "skipped": skipped},
			})
			aborted = true
			batch = batch[:i+1]
			break
		}
	}

	e.logger.Info("batch executed", "instructions", len(list), "executed", len(results), "aborted", aborted)
	return batch, results, aborted
}

// prepare normalizes priorities, drops incomplete schedule instructions,
// collapses duplicate schedules and sorts by descending priority. Ties keep
// input order.
func (e *Engine) prepare(list []instruction.Instruction) []instruction.Instruction {
	seen := make(map[string]struct{})
	out := make([]instruction.Instruction, 0, len(list))

	for _, in := range list {
		in.Priority = instruction.NormalizePriority(in.Priority, e.cfg.DefaultPriority)

		if in.Action == instruction.ActionSchedule {
			if in.Worker.Name == "" || in.Schedule == "" {
				e.dropSchedule(in, "missing_worker_or_schedule")
				continue
			}
			key := scheduler.DedupKey(in.Service, in.Worker.Name, in.Schedule)
			if _, dup := seen[key]; dup {
				e.dropSchedule(in, "duplicate")
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, in)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (e *Engine) dropSchedule(in instruction.Instruction, reason string) {
	e.logger.Debug("schedule instruction dropped", "reason", reason, "worker", in.Worker.Name, "schedule", in.Schedule)
	e.events.Emit(events.Trace{
		Level:     events.LevelDebug,
		Operation: "engine.schedule_dropped",
		ErrorType: reason,
		Fields:    map[string]any{"worker": in.Worker.Name, "schedule": in.Schedule, "service": in.Service},
	})
}

// execute validates worker references on schedule instructions, then routes.
func (e *Engine) execute(ctx context.Context, in instruction.Instruction) instruction.Result {
	if in.Action == instruction.ActionSchedule {
		if res, ok := e.checkWorker(in.Worker.Name); !ok {
			e.logger.Warn("schedule rejected", "worker", in.Worker.Name, "error", res.Error)
			return res
		}
	}
	return e.router.Route(ctx, in)
}

// checkWorker returns a typed failure when name is malformed or unregistered.
func (e *Engine) checkWorker(name string) (instruction.Result, bool) {
	if e.workers == nil {
		return instruction.Failf("unregistered_worker_%s", name), false
	}
	if !e.workers.IsValidWorker(name) {
		return instruction.Failf("invalid_worker_format_%s", name), false
	}
	if !e.workers.Has(name) {
		return instruction.Failf("unregistered_worker_%s", name), false
	}
	return instruction.Result{}, true
}
