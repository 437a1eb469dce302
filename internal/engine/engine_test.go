package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/llm"
	"github.com/mattjoyce/dispatchd/internal/llm/mocks"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/memory"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
	"github.com/mattjoyce/dispatchd/internal/storage"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type harness struct {
	engine    *Engine
	scheduler *scheduler.Scheduler
	workers   *worker.Registry
	memory    *memory.Store
	backend   *mocks.MockBackend
	hub       *events.Hub

	mu    sync.Mutex
	tasks []worker.Task
}

func (h *harness) recorded() []worker.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]worker.Task(nil), h.tasks...)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{hub: events.NewHub(256)}

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.memory = memory.NewStore(db)

	h.workers = worker.NewRegistry()
	record := worker.Func(func(_ context.Context, task worker.Task) (any, error) {
		h.mu.Lock()
		h.tasks = append(h.tasks, task)
		h.mu.Unlock()
		return "synced", nil
	})
	require.NoError(t, h.workers.Register("memorySync", record))
	require.NoError(t, h.workers.Register("memoryPrune", record))
	require.NoError(t, h.workers.Register("echo", worker.Echo()))

	h.scheduler = scheduler.New(h.workers, scheduler.WithEvents(h.hub))
	t.Cleanup(h.scheduler.Stop)

	h.backend = mocks.NewMockBackend(gomock.NewController(t))
	gw := gateway.New(h.backend, gateway.Config{
		Models:     []string{"primary", "secondary"},
		TokenLimit: 128,
		CacheTTL:   time.Minute,
		Retry:      gateway.RetryPolicy{MaxAttempts: 1},
		Breaker:    gateway.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute, SuccessThreshold: 2},
	}, gateway.WithSleep(func(context.Context, time.Duration) error { return nil }))

	h.engine = New(cfg, Deps{
		Gateway:   gw,
		Workers:   h.workers,
		Scheduler: h.scheduler,
		Memory:    h.memory,
		Events:    h.hub,
		Now:       func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) },
	})
	return h
}

func respond(text string, priority int) instruction.Instruction {
	return instruction.Instruction{Action: instruction.ActionRespond, Response: text, Execute: true, Priority: priority}
}

func schedule(worker, cron string) instruction.Instruction {
	return instruction.Instruction{
		Action:   instruction.ActionSchedule,
		Worker:   instruction.WorkerRef{Name: worker},
		Schedule: cron,
		Execute:  true,
		Priority: 5,
	}
}

func TestDispatchMalformedOutput(t *testing.T) {
	h := newHarness(t, Config{})
	rep := h.engine.Dispatch(context.Background(), "not json at all")

	require.Len(t, rep.Instructions, 1)
	assert.Equal(t, instruction.ActionRespond, rep.Instructions[0].Action)
	assert.Equal(t, 5, rep.Instructions[0].Priority)
	require.Len(t, rep.Results, 1)
	assert.True(t, rep.Results[0].Success)
	assert.Equal(t, "not json at all", rep.Results[0].Response)
	assert.NotEmpty(t, rep.RequestID)
}

func TestScheduleInvalidWorkerFormat(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		schedule("bad worker", "* * * * *"),
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Regexp(t, `invalid_worker_format`, results[0].Error)
	assert.Empty(t, h.scheduler.ListTasks())
}

func TestScheduleUnregisteredWorker(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		schedule("ghost", "* * * * *"),
		respond("still runs", 3),
	})

	require.Len(t, results, 2)
	assert.Equal(t, "unregistered_worker_ghost", results[0].Error)
	assert.True(t, results[1].Success)
}

func TestScheduleInvalidCron(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		schedule("memorySync", "every day"),
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "invalid_cron_every day", results[0].Error)
}

func TestHighPrioritySuccessDoesNotAbort(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		respond("hi", 9),
		{Action: "bogus", Priority: 1},
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, "hi", results[0].Response)
	assert.False(t, results[1].Success)
	assert.Equal(t, "Unknown action: bogus", results[1].Error)
}

func TestHighPriorityFailureAborts(t *testing.T) {
	h := newHarness(t, Config{})
	rep := h.engine.Dispatch(context.Background(), `[
		{"action":"respond","response":"low","priority":3},
		{"action":"bogus","priority":8},
		{"action":"respond","response":"top","priority":10}
	]`)

	require.Len(t, rep.Results, 2)
	assert.True(t, rep.Aborted)
	assert.Equal(t, "top", rep.Results[0].Response)
	assert.Equal(t, "Unknown action: bogus", rep.Results[1].Error)
	assert.Len(t, rep.Instructions, 2)
	assert.Contains(t, h.hub.Operations(), "engine.aborted")
}

func TestLowPriorityFailureContinues(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: "bogus", Priority: 7},
		respond("after", 2),
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
}

func TestAbortPriorityIsConfigurable(t *testing.T) {
	h := newHarness(t, Config{AbortPriority: 11})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: "bogus", Priority: 10},
		respond("after", 2),
	})
	assert.Len(t, results, 2)
}

func TestDuplicateSchedulesCollapse(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		schedule("memorySync", "0 * * * *"),
		schedule("memorySync", "0 * * * *"),
	})

	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)
	assert.Len(t, h.scheduler.ListTasks(), 1)
	assert.Contains(t, h.hub.Operations(), "engine.schedule_dropped")
}

func TestScheduleIsIdempotentAcrossBatches(t *testing.T) {
	h := newHarness(t, Config{})
	batch := []instruction.Instruction{schedule("memorySync", "0 * * * *")}

	first := h.engine.ExecuteInstructions(context.Background(), batch)
	second := h.engine.ExecuteInstructions(context.Background(), batch)

	require.True(t, first[0].Success)
	require.True(t, second[0].Success)
	a := first[0].Result.(map[string]any)
	b := second[0].Result.(map[string]any)
	assert.Equal(t, a["taskId"], b["taskId"])
	assert.Equal(t, false, a["existing"])
	assert.Equal(t, true, b["existing"])
	assert.Equal(t, "0 * * * *", a["schedule"])
	assert.Len(t, h.scheduler.ListTasks(), 1)
}

func TestScheduleMissingFieldsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	noCron := schedule("memorySync", "")
	noWorker := schedule("", "0 * * * *")

	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{noCron, noWorker})
	assert.Empty(t, results)
}

func TestScheduledTaskInvokesWorker(t *testing.T) {
	h := newHarness(t, Config{})
	in := schedule("memorySync", "@hourly")
	in.Service = "memory"
	in.Parameters = map[string]any{"scope": "all"}

	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{in})
	require.True(t, results[0].Success, results[0].Error)
	taskID := results[0].Result.(map[string]any)["taskId"].(string)
	assert.True(t, strings.HasPrefix(taskID, "memorySync_"))

	ran, err := h.scheduler.Trigger(taskID)
	require.NoError(t, err)
	require.True(t, ran)

	tasks := h.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, taskID, tasks[0].ID)
	assert.True(t, tasks[0].Scheduled)
	assert.Equal(t, "memory", tasks[0].Service)
	assert.Equal(t, "all", tasks[0].Parameters["scope"])
}

func TestWorkerRefObjectNormalized(t *testing.T) {
	h := newHarness(t, Config{})
	rep := h.engine.Dispatch(context.Background(), `{"action":"schedule","worker":{"workerName":"memoryPrune"},"schedule":"@daily"}`)

	require.Len(t, rep.Results, 1)
	assert.True(t, rep.Results[0].Success, rep.Results[0].Error)
}

func TestResultsFollowPriorityOrder(t *testing.T) {
	h := newHarness(t, Config{AbortPriority: 11})
	priorities := []int{3, 9, 5, 9, 1, 0, 10, 5, 42, 7}

	batch := make([]instruction.Instruction, 0, len(priorities))
	for i, p := range priorities {
		batch = append(batch, respond(fmt.Sprintf("i%d", i), p))
	}
	results := h.engine.ExecuteInstructions(context.Background(), batch)

	got := make([]string, 0, len(results))
	for _, r := range results {
		got = append(got, r.Response)
	}
	// 0 and 42 normalize to 5 and keep input order among the 5s.
	assert.Equal(t, []string{"i6", "i1", "i3", "i9", "i2", "i5", "i7", "i8", "i0", "i4"}, got)
	assert.LessOrEqual(t, len(results), len(batch))
}

func TestRespondDefault(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{respond("", 5)})
	assert.Equal(t, DefaultResponse, results[0].Response)
}

func TestDelegation(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionDelegate, Worker: instruction.WorkerRef{Name: "echo"}, Parameters: map[string]any{"msg": "hello"}, Priority: 6},
		{Action: instruction.ActionDelegate, Worker: instruction.WorkerRef{Name: "echo"}, Parameters: map[string]any{"fail": "echo refused"}, Priority: 5},
		{Action: instruction.ActionDelegate, Worker: instruction.WorkerRef{Name: "nobody"}, Priority: 4},
		{Action: instruction.ActionDelegate, Priority: 3},
	})

	require.Len(t, results, 4)
	assert.True(t, results[0].Success)
	assert.Equal(t, map[string]any{"msg": "hello"}, results[0].Result)
	assert.Equal(t, "echo refused", results[1].Error)
	assert.Equal(t, "unregistered_worker_nobody", results[2].Error)
	assert.Equal(t, "delegate requires a worker", results[3].Error)
}

func TestDelegateToMemoryJournals(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionDelegate, Service: "memory", Worker: instruction.WorkerRef{Name: "echo"}, Parameters: map[string]any{"k": "v"}, Priority: 5},
	})
	require.True(t, results[0].Success, results[0].Error)

	entries, err := h.memory.Search(context.Background(), memory.Filter{Key: "delegations/echo"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Value), `"success":true`)
}

func TestDelegateToMemoryChecksWorker(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionDelegate, Service: "memory", Worker: instruction.WorkerRef{Name: "bad worker!"}, Priority: 6},
		{Action: instruction.ActionDelegate, Service: "memory", Worker: instruction.WorkerRef{Name: "ghost"}, Priority: 5},
		{Action: instruction.ActionDelegate, Service: "memory", Worker: instruction.WorkerRef{Name: "memorySync"}, Priority: 4},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "invalid_worker_format_bad worker!", results[0].Error)
	assert.Equal(t, "unregistered_worker_ghost", results[1].Error)
	require.True(t, results[2].Success, results[2].Error)

	tasks := h.recorded()
	require.Len(t, tasks, 1)
	assert.NotEmpty(t, tasks[0].ID)
	assert.Equal(t, "memorySync", tasks[0].Worker)

	entries, err := h.memory.Search(context.Background(), memory.Filter{Key: "delegations/memorySync"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Value), tasks[0].ID)
}

func TestExecuteMemory(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	results := h.engine.ExecuteInstructions(ctx, []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "memory", Parameters: map[string]any{"key": "prefs/tz", "value": "UTC"}, Priority: 6},
		{Action: instruction.ActionExecute, Service: "memory", Parameters: map[string]any{"op": "search", "prefix": "prefs/"}, Priority: 5},
		{Action: instruction.ActionExecute, Service: "memory", Parameters: map[string]any{"value": "no key"}, Priority: 4},
	})

	require.Len(t, results, 3)
	require.True(t, results[0].Success, results[0].Error)
	require.True(t, results[1].Success, results[1].Error)
	entries := results[1].Result.([]memory.Entry)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `"UTC"`, string(entries[0].Value))
	assert.False(t, results[2].Success)
}

func TestExecuteAudit(t *testing.T) {
	h := newHarness(t, Config{})
	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "audit", Parameters: map[string]any{"event": "login", "message": strings.Repeat("x", 500)}, Priority: 5},
	})
	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, "audit/2026-05-01T09:30:00Z", results[0].Result.(map[string]any)["key"])

	entries, err := h.memory.Search(context.Background(), memory.Filter{KeyPrefix: "audit/"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Less(t, len(entries[0].Value), 400, "audit stores a bounded summary")
	assert.Equal(t, "audit", entries[0].Metadata["kind"])
}

func TestExecuteDiagnostic(t *testing.T) {
	h := newHarness(t, Config{})
	_, _, err := h.scheduler.RegisterTask("memorySync", "@hourly", "", func(context.Context, string) error { return nil })
	require.NoError(t, err)

	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "diagnostic", Priority: 5},
	})
	require.True(t, results[0].Success)
	report := results[0].Result.(map[string]any)
	assert.Equal(t, []string{"echo", "memoryPrune", "memorySync"}, report["workers"])
	assert.Len(t, report["tasks"], 1)
	assert.Contains(t, report, "breakers")
	assert.Equal(t, []string{"delegate::memory"}, report["composites"])
}

type fakeAPI struct {
	calls []string
}

func (f *fakeAPI) Call(_ context.Context, method, url string, _ any) (any, error) {
	f.calls = append(f.calls, method+" "+url)
	if strings.Contains(url, "fail") {
		return nil, errors.New("upstream 502")
	}
	return map[string]any{"ok": true}, nil
}

func TestExecuteAPI(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "api", Parameters: map[string]any{"url": "https://example.test"}, Priority: 5},
	})
	assert.Equal(t, "api_service_unavailable", res[0].Error)

	api := &fakeAPI{}
	h.engine.api = api
	res = h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "api", Parameters: map[string]any{"url": "https://example.test/x", "method": "post"}, Priority: 5},
		{Action: instruction.ActionExecute, Service: "api", Parameters: map[string]any{"url": "https://example.test/fail"}, Priority: 4},
	})
	assert.True(t, res[0].Success)
	assert.Contains(t, res[1].Error, "upstream 502")
	assert.Equal(t, []string{"POST https://example.test/x", "GET https://example.test/fail"}, api.calls)
}

func TestExecuteUnknownService(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "email", Priority: 5},
		{Action: instruction.ActionExecute, Priority: 4},
	})
	assert.Equal(t, "unknown_service_email", res[0].Error)
	assert.Equal(t, "execute requires a service", res[1].Error)
}

func TestWriteCallsGateway(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.EXPECT().Complete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req llm.Request) (llm.Response, error) {
			assert.Equal(t, "primary", req.Model)
			assert.Equal(t, "draft a haiku", req.Messages[len(req.Messages)-1].Content)
			return llm.Response{Text: "drafted"}, nil
		})

	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionWrite, Parameters: map[string]any{"prompt": "draft a haiku"}, Priority: 5},
	})

	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, "drafted", results[0].Response)
	assert.Equal(t, "primary", results[0].Result.(map[string]any)["model"])
}

func TestWriteFailureAtHighPriorityAborts(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.EXPECT().Complete(gomock.Any(), gomock.Any()).
		Return(llm.Response{}, &llm.StatusError{StatusCode: 401, Err: errors.New("bad key")}).Times(2)

	results := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionExecute, Service: "write", Parameters: map[string]any{"prompt": "p"}, Priority: 9},
		respond("never", 1),
	})

	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "all models failed")
}

func TestWriteRequiresPrompt(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.engine.ExecuteInstructions(context.Background(), []instruction.Instruction{
		{Action: instruction.ActionWrite, Priority: 5},
	})
	assert.Equal(t, "write requires parameters.prompt", res[0].Error)
}

func TestAsk(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.EXPECT().Complete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req llm.Request) (llm.Response, error) {
			assert.Equal(t, "system", req.Messages[0].Role)
			return llm.Response{Text: `Scheduling now. [{"action":"schedule","worker":"memorySync","schedule":"0 * * * *"},{"action":"respond","response":"done","priority":9}]`}, nil
		})

	rep, err := h.engine.Ask(context.Background(), "keep memory in sync hourly")
	require.NoError(t, err)

	require.NotNil(t, rep.Model)
	assert.Equal(t, "primary", rep.Model.ModelUsed)
	assert.Equal(t, "Scheduling now.", rep.Preamble)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "done", rep.Results[0].Response)
	assert.True(t, rep.Results[1].Success, rep.Results[1].Error)
	assert.Len(t, h.scheduler.ListTasks(), 1)
}

func TestAskGatewayError(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.EXPECT().Complete(gomock.Any(), gomock.Any()).
		Return(llm.Response{}, &llm.StatusError{StatusCode: 400, Err: errors.New("bad")}).Times(2)

	_, err := h.engine.Ask(context.Background(), "hi")
	var chainErr *gateway.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, []string{"primary", "secondary"}, chainErr.Models())
}
