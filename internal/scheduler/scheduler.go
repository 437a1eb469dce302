// Package scheduler runs recurring worker tasks on cron timers. Timers are
// deduplicated by (service, worker, cron) and each worker name carries a
// dispatch lock, so a timer that fires while the same worker is still running
// is dropped rather than queued.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/log"
)

var (
	ErrInvalidCron        = errors.New("invalid cron expression")
	ErrInvalidWorker      = errors.New("invalid worker name")
	ErrUnregisteredWorker = errors.New("unregistered worker")
	ErrTaskNotFound       = errors.New("task not found")
	ErrStopped            = errors.New("scheduler stopped")
)

// WorkerRegistry is the view of the worker registry the scheduler needs.
type WorkerRegistry interface {
	IsValidWorker(name string) bool
	Has(name string) bool
}

// Handler runs one firing of a task. ctx is canceled when the task is stopped.
type Handler func(ctx context.Context, taskID string) error

// DedupKey is the canonical identity of a recurring task.
func DedupKey(service, worker, cronExpr string) string {
	sum := blake3.Sum256([]byte(service + "|" + worker + "|" + strings.TrimSpace(cronExpr)))
	return hex.EncodeToString(sum[:16])
}

// ValidateCron checks cron syntax: five fields or a descriptor such as @hourly.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	_, err := parseCron(expr)
	return err
}

// parseCron parses a standard expression. Timezone prefixes are refused so
// every task fires on the scheduler's UTC clock.
func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone prefix not allowed", ErrInvalidCron)
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return schedule, nil
}

// TaskInfo is a point-in-time view of a scheduled task.
type TaskInfo struct {
	ID        string    `json:"task_id"`
	Worker    string    `json:"worker"`
	Service   string    `json:"service,omitempty"`
	Cron      string    `json:"cron"`
	DedupKey  string    `json:"dedup_key"`
	CreatedAt time.Time `json:"created_at"`
	Next      time.Time `json:"next,omitempty"`
	RunCount  int       `json:"run_count"`
	Dropped   int       `json:"dropped"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// task owns its timer entry and cancellation.
type task struct {
	id        string
	worker    string
	service   string
	cronExpr  string
	dedupKey  string
	createdAt time.Time
	entryID   cron.EntryID
	handler   Handler
	ctx       context.Context
	cancel    context.CancelFunc

	runCount  int
	dropped   int
	lastRun   time.Time
	lastError string
}

type Option func(*Scheduler)

func WithEvents(sink events.Sink) Option {
	return func(s *Scheduler) { s.events = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns every recurring task. All timers run in UTC.
type Scheduler struct {
	cron     *cron.Cron
	registry WorkerRegistry
	events   events.Sink
	logger   *slog.Logger
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	byKey   map[string]string
	running map[string]bool
	stopped bool
}

func New(registry WorkerRegistry, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		registry:   registry,
		events:     events.Discard,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*task),
		byKey:      make(map[string]string),
		running:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("scheduler")
	}
	return s
}

// Start begins firing timers.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "tasks", len(s.ListTasks()))
	s.cron.Start()
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	s.baseCancel()
	<-s.cron.Stop().Done()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
}

// RegisterTask validates and registers a recurring task. Registering an
// identical (worker, cron, service) again returns the existing task id with
// existing=true and creates no new timer.
func (s *Scheduler) RegisterTask(worker, cronExpr, service string, handler Handler) (taskID string, existing bool, err error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if err := s.validate(worker, cronExpr); err != nil {
		s.reject(worker, cronExpr, err)
		return "", false, err
	}
	if handler == nil {
		return "", false, errors.New("handler is nil")
	}
	schedule, err := parseCron(cronExpr)
	if err != nil {
		s.reject(worker, cronExpr, err)
		return "", false, err
	}

	key := DedupKey(service, worker, cronExpr)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", false, ErrStopped
	}
	if id, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		s.events.Emit(events.Trace{
			Level:     events.LevelDebug,
			Operation: "scheduler.registered",
			Fields:    map[string]any{"task_id": id, "worker": worker, "cron": cronExpr, "existing": true},
		})
		return id, true, nil
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{
		id:        s.newIDLocked(worker),
		worker:    worker,
		service:   service,
		cronExpr:  cronExpr,
		dedupKey:  key,
		createdAt: s.now().UTC(),
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
	}
	t.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.dispatch(t) }))
	s.tasks[t.id] = t
	s.byKey[key] = t.id
	s.mu.Unlock()

	s.logger.Info("task registered", "task_id", t.id, "worker", worker, "cron", cronExpr, "service", service)
	s.events.Emit(events.Trace{
		Level:     events.LevelInfo,
		Operation: "scheduler.registered",
		Fields:    map[string]any{"task_id": t.id, "worker": worker, "cron": cronExpr, "service": service},
	})
	return t.id, false, nil
}

func (s *Scheduler) validate(worker, cronExpr string) error {
	if worker == "" || !s.registry.IsValidWorker(worker) {
		return fmt.Errorf("%w: %q", ErrInvalidWorker, worker)
	}
	if !s.registry.Has(worker) {
		return fmt.Errorf("%w: %s", ErrUnregisteredWorker, worker)
	}
	return ValidateCron(cronExpr)
}

func (s *Scheduler) reject(worker, cronExpr string, err error) {
	s.logger.Warn("task rejected", "worker", worker, "cron", cronExpr, "error", err)
	s.events.Emit(events.Trace{
		Level:     events.LevelWarn,
		Operation: "scheduler.rejected",
		ErrorType: rejectReason(err),
		Fields:    map[string]any{"worker": worker, "cron": cronExpr},
	})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidWorker):
		return "invalid_worker"
	case errors.Is(err, ErrUnregisteredWorker):
		return "unregistered_worker"
	case errors.Is(err, ErrInvalidCron):
		return "invalid_cron"
	default:
		return "rejected"
	}
}

// newIDLocked builds "{worker}_{unix millis}", suffixed on collision.
func (s *Scheduler) newIDLocked(worker string) string {
	base := fmt.Sprintf("%s_%d", worker, s.now().UnixMilli())
	id := base
	for n := 2; ; n++ {
		if _, taken := s.tasks[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// StopTask cancels and removes a task. It reports whether the task existed.
func (s *Scheduler) StopTask(taskID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		delete(s.tasks, taskID)
		delete(s.byKey, t.dedupKey)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.cron.Remove(t.entryID)
	t.cancel()
	s.logger.Info("task stopped", "task_id", taskID, "worker", t.worker)
	s.events.Emit(events.Trace{
		Level:     events.LevelInfo,
		Operation: "scheduler.stopped",
		Fields:    map[string]any{"task_id": taskID, "worker": t.worker},
	})
	return true
}

// ListTasks returns the ids of live tasks, sorted.
func (s *Scheduler) ListTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Tasks returns snapshots of live tasks, sorted by id.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	entries := make(map[string]cron.EntryID, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info())
		entries[t.id] = t.entryID
	}
	s.mu.Unlock()

	for i := range out {
		out[i].Next = s.cron.Entry(entries[out[i].ID]).Next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(taskID string) (TaskInfo, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	var info TaskInfo
	if ok {
		info = t.info()
	}
	s.mu.Unlock()
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	info.Next = s.cron.Entry(t.entryID).Next
	return info, nil
}

// Trigger runs a task immediately, outside its timer, subject to the same
// dispatch lock. ran is false when the firing was dropped.
func (s *Scheduler) Trigger(taskID string) (ran bool, err error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return s.dispatch(t), nil
}

// dispatch fires t unless its worker is already running.
func (s *Scheduler) dispatch(t *task) bool {
	s.mu.Lock()
	if s.stopped || t.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	if s.running[t.worker] {
		t.dropped++
		dropped := t.dropped
		s.mu.Unlock()

		s.logger.Warn("overlapping run dropped", "task_id", t.id, "worker", t.worker, "dropped", dropped)
		s.events.Emit(events.Trace{
			Level:     events.LevelWarn,
			Operation: "scheduler.dropped",
			Fields:    map[string]any{"task_id": t.id, "worker": t.worker},
		})
		return false
	}
	s.running[t.worker] = true
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	started := s.now().UTC()
	err := runHandler(t)

	s.mu.Lock()
	delete(s.running, t.worker)
	t.runCount++
	t.lastRun = started
	t.lastError = ""
	if err != nil {
		t.lastError = err.Error()
	}
	s.mu.Unlock()

	logger := s.logger.With("worker", t.worker, "task_id", t.id)
	tr := events.Trace{
		Level:     events.LevelInfo,
		Operation: "scheduler.run",
		Fields:    map[string]any{"task_id": t.id, "worker": t.worker, "duration_ms": s.now().Sub(started).Milliseconds()},
	}
	if err != nil {
		logger.Error("scheduled run failed", "error", err)
		tr.Level = events.LevelError
		tr.ErrorType = "worker_failed"
	} else {
		logger.Debug("scheduled run completed")
	}
	s.events.Emit(tr)
	return true
}

func runHandler(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.handler(t.ctx, t.id)
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:        t.id,
		Worker:    t.worker,
		Service:   t.service,
		Cron:      t.cronExpr,
		DedupKey:  t.dedupKey,
		CreatedAt: t.createdAt,
		RunCount:  t.runCount,
		Dropped:   t.dropped,
		LastRun:   t.lastRun,
		LastError: t.lastError,
	}
}
