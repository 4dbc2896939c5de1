package taskq

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/taskq/pkg/worker"
)

// LocalRunner bundles an in-memory Engine with one Worker per registered
// queue to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := taskq.NewLocalRunner(taskq.EngineConfig{})
//	taskq.NewTask("tasks.add").Handler(add).MustRegister(runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.Engine.Submit(ctx, taskq.Sig("tasks.add", 1, 2))
//	st, _ := taskq.WaitForStatus(ctx, runner.Engine, id, 0)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Worker is the template applied to every per-queue worker. Queue and
	// Concurrency are filled in by StartWorkers.
	Worker worker.Config

	mu      sync.Mutex
	workers []*worker.Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
//
// This is intended for local development, tests, and simple single-process
// deployments. Nothing survives a restart.
func NewLocalRunner(cfg EngineConfig) *LocalRunner {
	return &LocalRunner{
		Engine: NewInMemoryEngine(cfg),
		Worker: worker.Config{Logger: cfg.Logger},
	}
}

// StartWorkers freezes the registry and starts a worker with 'concurrency'
// goroutines for every queue known to Engine.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("taskq: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	r.Engine.Freeze()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.workers = r.workers[:0]

	for _, q := range r.Engine.Queues() {
		cfg := r.Worker
		cfg.Queue = q.Name
		cfg.Concurrency = concurrency
		w := worker.New(r.Engine, cfg)
		r.workers = append(r.workers, w)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}()
	}

	return nil
}

// Workers returns the workers started by the last StartWorkers call.
func (r *LocalRunner) Workers() []*worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*worker.Worker(nil), r.workers...)
}

// Stop cancels all workers started by StartWorkers and waits for them to
// exit. Invocations in flight are left unacknowledged. Stop is a no-op when
// the runner isn't started.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel, r.running = nil, false
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}
