package engine

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/memory"
)

// execMemory stores or searches memory. parameters.op selects "store"
// (default) or "search".
func (e *Engine) execMemory(ctx context.Context, in instruction.Instruction) instruction.Result {
	if e.memory == nil {
		return instruction.Failf("memory_unavailable")
	}

	switch op := strings.ToLower(in.Param("op")); op {
	case "", "store":
		key := in.Param("key")
		if key == "" {
			return instruction.Failf("memory store requires parameters.key")
		}
		value, ok := in.Parameters["value"]
		if !ok {
			value = in.Response
		}
		meta, _ := in.Parameters["metadata"].(map[string]any)
		entry, err := e.memory.Store(ctx, key, value, meta)
		if err != nil {
			return instruction.Failf("memory store failed: %v", err)
		}
		return instruction.OK(map[string]any{"id": entry.ID, "key": entry.Key})

	case "search":
		limit := 0
		if n, ok := in.Parameters["limit"].(float64); ok {
			limit = int(n)
		}
		entries, err := e.memory.Search(ctx, memory.Filter{
			Key:       in.Param("key"),
			KeyPrefix: in.Param("prefix"),
			Limit:     limit,
		})
		if err != nil {
			return instruction.Failf("memory search failed: %v", err)
		}
		return instruction.OK(entries)

	default:
		return instruction.Failf("unknown memory op %q", op)
	}
}

// execAudit records a bounded summary of the instruction under audit/<timestamp>.
func (e *Engine) execAudit(ctx context.Context, in instruction.Instruction) instruction.Result {
	if e.memory == nil {
		return instruction.Failf("memory_unavailable")
	}

	at := e.now().UTC()
	event := in.Param("event")
	if event == "" {
		event = string(in.Action)
	}
	message := in.Param("message")
	if message == "" {
		message = in.Response
	}

	key := "audit/" + at.Format(time.RFC3339Nano)
	entry, err := e.memory.Store(ctx, key, map[string]any{
		"event":    event,
		"summary":  log.Summary(message, 200),
		"priority": in.Priority,
	}, map[string]any{"kind": "audit"})
	if err != nil {
		return instruction.Failf("audit failed: %v", err)
	}
	return instruction.OK(map[string]any{"id": entry.ID, "key": key})
}

// execDiagnostic reports breaker, scheduler and worker state.
func (e *Engine) execDiagnostic(_ context.Context, _ instruction.Instruction) instruction.Result {
	report := map[string]any{
		"time":       e.now().UTC().Format(time.RFC3339),
		"composites": e.router.Composite(),
	}
	if e.gateway != nil {
		report["breakers"] = e.gateway.Breakers()
	}
	if e.scheduler != nil {
		report["tasks"] = e.scheduler.Tasks()
	}
	if e.workers != nil {
		report["workers"] = e.workers.Names()
	}
	return instruction.OK(report)
}

// execAPI forwards to the configured APICaller.
func (e *Engine) execAPI(ctx context.Context, in instruction.Instruction) instruction.Result {
	if e.api == nil {
		return instruction.Failf("api_service_unavailable")
	}
	url := in.Param("url")
	if url == "" {
		return instruction.Failf("api requires parameters.url")
	}
	method := strings.ToUpper(in.Param("method"))
	if method == "" {
		method = http.MethodGet
	}

	out, err := e.api.Call(ctx, method, url, in.Parameters["body"])
	if err != nil {
		return instruction.Failf("api call failed: %v", err)
	}
	return instruction.OK(out)
}
