package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/memory"
)

// Built-in worker kinds.
const (
	KindMemorySync  = "memory_sync"
	KindMemoryPrune = "memory_prune"
	KindEcho        = "echo"
)

// MemoryStore is the part of the memory store the built-in workers use.
type MemoryStore interface {
	Store(ctx context.Context, key string, value any, metadata map[string]any) (memory.Entry, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Deps struct {
	Memory    MemoryStore
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Build registers every enabled worker from config.
func Build(workers map[string]config.WorkerConf, deps Deps) (*Registry, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = log.WithComponent("worker")
	}

	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := NewRegistry()
	for _, name := range names {
		wc := workers[name]
		if !wc.Enabled {
			continue
		}
		w, err := newBuiltin(wc, deps)
		if err != nil {
			return nil, fmt.Errorf("worker %q: %w", name, err)
		}
		if err := reg.Register(name, w); err != nil {
			return nil, err
		}
		deps.Logger.Debug("worker registered", "worker", name, "kind", wc.Kind)
	}
	return reg, nil
}

func newBuiltin(wc config.WorkerConf, deps Deps) (Worker, error) {
	switch wc.Kind {
	case KindMemorySync:
		key, _ := wc.Config["key"].(string)
		return MemorySync(deps.Memory, key, deps.Now), nil
	case KindMemoryPrune:
		retention := deps.Retention
		if raw, ok := wc.Config["retention"].(string); ok && raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parse retention: %w", err)
			}
			retention = d
		}
		return MemoryPrune(deps.Memory, retention, deps.Now), nil
	case KindEcho:
		return Echo(), nil
	default:
		return nil, fmt.Errorf("unknown worker kind %q", wc.Kind)
	}
}

var errNoMemory = errors.New("memory store unavailable")

// MemorySync writes a heartbeat entry recording that the worker ran. key
// defaults to heartbeat/<worker>.
func MemorySync(mem MemoryStore, key string, now func() time.Time) Worker {
	return Func(func(ctx context.Context, task Task) (any, error) {
		if mem == nil {
			return nil, errNoMemory
		}
		k := key
		if k == "" {
			k = "heartbeat/" + task.Worker
		}
		entry, err := mem.Store(ctx, k, map[string]any{
			"task_id":    task.ID,
			"service":    task.Service,
			"scheduled":  task.Scheduled,
			"synced_at":  now().UTC().Format(time.RFC3339),
			"parameters": task.Parameters,
		}, map[string]any{"worker": task.Worker})
		if err != nil {
			return nil, err
		}
		return map[string]any{"entry_id": entry.ID, "key": k}, nil
	})
}

// MemoryPrune deletes memory entries older than retention.
func MemoryPrune(mem MemoryStore, retention time.Duration, now func() time.Time) Worker {
	return Func(func(ctx context.Context, task Task) (any, error) {
		if mem == nil {
			return nil, errNoMemory
		}
		if retention <= 0 {
			return nil, errors.New("retention must be positive")
		}
		cutoff := now().Add(-retention)
		n, err := mem.PruneBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}, nil
	})
}

// Echo returns its parameters. A "fail" parameter makes it fail with that
// message.
func Echo() Worker {
	return Func(func(_ context.Context, task Task) (any, error) {
		if msg, ok := task.Parameters["fail"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
		if task.Parameters == nil {
			return map[string]any{}, nil
		}
		return task.Parameters, nil
	})
}
