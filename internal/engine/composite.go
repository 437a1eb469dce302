package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/router"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

func (e *Engine) registerComposites() {
	_ = e.router.Register(instruction.ActionDelegate, "memory", e.requireWorker(delegateAndJournal))
}

// requireWorker applies the same worker name checks as plain delegation
// before handing off to h.
func (e *Engine) requireWorker(h router.CompositeHandler) router.CompositeHandler {
	return func(ctx context.Context, hc router.HandlerContext, in instruction.Instruction) instruction.Result {
		if in.Worker.Name == "" {
			return instruction.Failf("delegate requires a worker")
		}
		if res, ok := e.checkWorker(in.Worker.Name); !ok {
			return res
		}
		return h(ctx, hc, in)
	}
}

// delegateAndJournal runs a worker and appends its outcome to
// delegations/<worker> in memory.
func delegateAndJournal(ctx context.Context, hc router.HandlerContext, in instruction.Instruction) instruction.Result {
	name := in.Worker.Name
	if name == "" {
		return instruction.Failf("delegate requires a worker")
	}

	taskID := uuid.NewString()
	out, err := hc.InvokeWorker(ctx, name, worker.Task{
		ID:         taskID,
		Worker:     name,
		Service:    in.Service,
		Parameters: in.Parameters,
	})
	entry := map[string]any{"worker": name, "task_id": taskID, "success": err == nil}
	if err != nil {
		entry["error"] = err.Error()
	} else {
		entry["result"] = out
	}
	if jerr := hc.Append(ctx, "delegations/"+name, entry); jerr != nil {
		return instruction.Failf("journal delegation: %v", jerr)
	}

	if err != nil {
		return instruction.Result{Success: false, Error: err.Error()}
	}
	return instruction.OK(out)
}
