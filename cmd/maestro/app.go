package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/isolation"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/internal/workers"
)

// app is the wired runtime shared by the commands.
type app struct {
	cfg    *Config
	logger *slog.Logger
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	events *store.EventLog
	engine engine.Engine
}

// openStore opens and migrates the configured database, creating its
// directory on first use.
func openStore(ctx context.Context, cfg *Config) (*store.LibSQLStore, error) {
	if !strings.HasPrefix(cfg.DBPath, ":memory:") {
		dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// openApp wires store, event log, selector, executor and engine.
func openApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	events := store.NewEventLog(s, store.WithPublisher(hub), store.WithEventLogger(logger))

	iso, err := isolation.NewIsolator(cfg.Isolation)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	selector, err := workers.NewRegistrySelector(s, workers.SelectorConfig{Logger: logger})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	executor := workers.NewProcessExecutor(s, workers.ProcessConfig{
		Isolator: iso,
		Limits:   isolation.Limits{Timeout: cfg.WorkerTimeout},
		Logger:   logger,
	})

	eng, err := engine.NewEngine(engine.Deps{
		Store:    s,
		Events:   events,
		Selector: selector,
		Executor: executor,
		Logger:   logger,
	}, cfg.engineConfig())
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  s,
		hub:    hub,
		events: events,
		engine: eng,
	}, nil
}

// Close waits for outstanding handle waiters and closes the store.
func (a *app) Close() error {
	a.engine.Shutdown()
	return a.store.Close()
}
