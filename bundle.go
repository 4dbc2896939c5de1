package taskq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/taskq/internal/janitor"
	"github.com/petrijr/taskq/pkg/worker"
)

// BundleConfig controls which queues a WorkerBundle consumes.
type BundleConfig struct {
	// Queues maps queue name to worker concurrency. Empty means every queue
	// known to the engine, each with Worker.Concurrency.
	Queues map[string]int

	// Worker is the template applied to every per-queue worker.
	Worker worker.Config

	// MaintenanceSchedule is a cron spec for purging expired results and
	// logging queue depth. Empty disables maintenance.
	MaintenanceSchedule string

	Logger *slog.Logger
}

// WorkerBundle wires together an Engine, one Worker per consumed queue and
// an optional maintenance job. Tasks and queues are registered on Engine
// between construction and Run.
type WorkerBundle struct {
	Engine Engine

	cfg     BundleConfig
	mu      sync.Mutex
	workers []*worker.Worker
}

// NewBundle returns a bundle for eng. Workers are created when Run is
// called.
func NewBundle(eng Engine, cfg BundleConfig) (*WorkerBundle, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Worker.Logger == nil {
		cfg.Worker.Logger = cfg.Logger
	}
	if cfg.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
			return nil, fmt.Errorf("maintenance schedule: %w", err)
		}
	}
	return &WorkerBundle{Engine: eng, cfg: cfg}, nil
}

// NewSQLiteBundle constructs a durable Engine and its workers sharing the
// same SQLite database. Queued messages and results are persisted in db.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:taskq.db?_pragma=journal_mode(WAL)")
//	bundle, err := taskq.NewSQLiteBundle(db, taskq.EngineConfig{}, taskq.BundleConfig{})
//	// register tasks on bundle.Engine, then
//	err = bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, engCfg EngineConfig, cfg BundleConfig) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, engCfg)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = engCfg.Logger
	}
	return NewBundle(eng, cfg)
}

// Workers returns the workers created by Run.
func (b *WorkerBundle) Workers() []*worker.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*worker.Worker(nil), b.workers...)
}

// queueNames returns the consumed queues in order.
func (b *WorkerBundle) queueNames() []string {
	names := make([]string, 0, len(b.cfg.Queues))
	if len(b.cfg.Queues) == 0 {
		for _, q := range b.Engine.Queues() {
			names = append(names, q.Name)
		}
		return names
	}
	for name := range b.cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run freezes the registry, starts a worker per queue and the maintenance
// job, and blocks until ctx is done and all workers have stopped.
func (b *WorkerBundle) Run(ctx context.Context) error {
	b.Engine.Freeze()
	names := b.queueNames()

	workers := make([]*worker.Worker, 0, len(names))
	for _, name := range names {
		wc := b.cfg.Worker
		wc.Queue = name
		if n, ok := b.cfg.Queues[name]; ok {
			wc.Concurrency = n
		}
		workers = append(workers, worker.New(b.Engine, wc))
	}
	b.mu.Lock()
	b.workers = workers
	b.mu.Unlock()

	if b.cfg.MaintenanceSchedule != "" {
		j, err := janitor.New(janitor.Config{
			Schedule: b.cfg.MaintenanceSchedule,
			Results:  b.Engine.Results(),
			Broker:   b.Engine.Broker(),
			Queues:   names,
			Logger:   b.cfg.Logger,
		})
		if err != nil {
			return fmt.Errorf("maintenance schedule: %w", err)
		}
		j.Start()
		defer j.Stop()
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errs <- fmt.Errorf("worker %s: %w", w.Config().Queue, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	return <-errs
}
