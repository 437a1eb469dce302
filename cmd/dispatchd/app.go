package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/dispatchd/internal/backend"
	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/engine"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/memory"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
	"github.com/mattjoyce/dispatchd/internal/storage"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

// app is the wired dependency graph shared by start, ask and parse --run.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	hub       *events.Hub
	memory    *memory.Store
	workers   *worker.Registry
	scheduler *scheduler.Scheduler
	gateway   *gateway.Gateway
	engine    *engine.Engine
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.OpenSQLite(ctx, cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open memory database %s: %w", cfg.Memory.Path, err)
	}
	logger.Info("memory database opened", "path", cfg.Memory.Path)

	hub := events.NewHub(256)
	if strings.EqualFold(cfg.Service.LogLevel, "debug") {
		hub.WithLogger(log.WithComponent("trace"))
	}

	mem := memory.NewStore(db)
	workers, err := worker.Build(cfg.Workers, worker.Deps{
		Memory:    mem,
		Retention: cfg.Memory.Retention,
		Logger:    log.WithComponent("worker"),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build workers: %w", err)
	}
	logger.Info("workers registered", "workers", workers.Names())

	sched := scheduler.New(workers,
		scheduler.WithEvents(hub),
		scheduler.WithLogger(log.WithComponent("scheduler")),
	)

	gw := gateway.New(backend.NewOpenAI(cfg.Backend), gateway.ConfigFromFile(cfg.Gateway),
		gateway.WithEvents(hub),
		gateway.WithLogger(log.WithComponent("gateway")),
	)
	logger.Info("model gateway ready", "models", cfg.Gateway.Models, "cache", cfg.Gateway.CacheEnabled)

	eng := engine.New(engine.ConfigFromFile(cfg), engine.Deps{
		Gateway:   gw,
		Workers:   workers,
		Scheduler: sched,
		Memory:    mem,
		Events:    hub,
		Logger:    log.WithComponent("engine"),
	})

	return &app{
		cfg:       cfg,
		db:        db,
		hub:       hub,
		memory:    mem,
		workers:   workers,
		scheduler: sched,
		gateway:   gw,
		engine:    eng,
	}, nil
}

// Close stops recurring timers and closes the database.
func (a *app) Close() error {
	a.scheduler.Stop()
	return a.db.Close()
}
