package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

// DefaultResponse is returned by respond instructions that carry no text.
const DefaultResponse = "Acknowledged."

var errGatewayUnavailable = errors.New("gateway unavailable")

// handleResponse is pure: it echoes the instruction's response text.
func (e *Engine) handleResponse(_ context.Context, in instruction.Instruction) instruction.Result {
	text := in.Response
	if text == "" {
		text = DefaultResponse
	}
	return instruction.Result{Success: true, Result: text, Response: text}
}

// handleExecution dispatches on service to a sub-executor.
func (e *Engine) handleExecution(ctx context.Context, in instruction.Instruction) instruction.Result {
	switch in.Service {
	case "memory":
		return e.execMemory(ctx, in)
	case "audit":
		return e.execAudit(ctx, in)
	case "write":
		return e.handleWrite(ctx, in)
	case "diagnostic":
		return e.execDiagnostic(ctx, in)
	case "api":
		return e.execAPI(ctx, in)
	case "":
		return instruction.Failf("execute requires a service")
	default:
		return instruction.Failf("unknown_service_%s", in.Service)
	}
}

// handleSchedule registers a recurring task that invokes the instruction's
// worker with its parameters.
func (e *Engine) handleSchedule(_ context.Context, in instruction.Instruction) instruction.Result {
	name := in.Worker.Name
	if res, ok := e.checkWorker(name); !ok {
		return res
	}
	if e.scheduler == nil {
		return instruction.Failf("scheduler_unavailable")
	}

	taskID, existing, err := e.scheduler.RegisterTask(name, in.Schedule, in.Service, e.scheduledRun(in))
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrInvalidWorker):
		return instruction.Failf("invalid_worker_format_%s", name)
	case errors.Is(err, scheduler.ErrUnregisteredWorker):
		return instruction.Failf("unregistered_worker_%s", name)
	case errors.Is(err, scheduler.ErrInvalidCron):
		return instruction.Failf("invalid_cron_%s", in.Schedule)
	default:
		return instruction.Failf("schedule failed: %v", err)
	}

	return instruction.OK(map[string]any{
		"taskId":   taskID,
		"schedule": in.Schedule,
		"existing": existing,
	})
}

func (e *Engine) scheduledRun(in instruction.Instruction) scheduler.Handler {
	name, service, params := in.Worker.Name, in.Service, in.Parameters
	return func(ctx context.Context, taskID string) error {
		_, err := e.workers.Invoke(ctx, name, worker.Task{
			ID:         taskID,
			Worker:     name,
			Service:    service,
			Parameters: params,
			Scheduled:  true,
		})
		return err
	}
}

// handleDelegation runs a registered worker once and passes its outcome
// through unchanged.
func (e *Engine) handleDelegation(ctx context.Context, in instruction.Instruction) instruction.Result {
	name := in.Worker.Name
	if name == "" {
		return instruction.Failf("delegate requires a worker")
	}
	if res, ok := e.checkWorker(name); !ok {
		return res
	}

	out, err := e.workers.Invoke(ctx, name, worker.Task{
		ID:         uuid.NewString(),
		Worker:     name,
		Service:    in.Service,
		Parameters: in.Parameters,
	})
	if err != nil {
		return instruction.Result{Success: false, Error: err.Error()}
	}
	return instruction.OK(out)
}

// handleWrite generates content through the gateway from parameters.prompt.
func (e *Engine) handleWrite(ctx context.Context, in instruction.Instruction) instruction.Result {
	if e.gateway == nil {
		return instruction.Failf("gateway_unavailable")
	}
	prompt := in.Param("prompt")
	if prompt == "" {
		prompt = in.Response
	}
	if prompt == "" {
		return instruction.Failf("write requires parameters.prompt")
	}

	res, err := e.gateway.Call(ctx, prompt, e.cfg.TokenLimit, e.cfg.CacheEnabled, gateway.CallOptions{
		System: in.Param("system"),
	})
	if err != nil {
		e.logger.Warn("write failed", "error_type", gateway.Classify(err), "prompt", log.Summary(prompt, 80))
		return instruction.Failf("write failed: %v", err)
	}

	return instruction.Result{
		Success:  true,
		Response: res.Text,
		Result: map[string]any{
			"text":            res.Text,
			"model":           res.ModelUsed,
			"cached":          res.Cached,
			"fallback":        res.Fallback,
			"fallback_reason": res.FallbackReason,
		},
	}
}
