// Package taskq provides a distributed task queue for Go services.
//
// Producers submit named tasks with arguments; workers in any process that
// shares the same backend execute them, retry transient failures with
// backoff, and record every state change so callers can poll for results.
// Tasks can be composed into chains, groups and chords.
//
// # Core Concepts
//
//  1. Engine
//  2. Worker
//  3. TaskBuilder
//  4. HandlerFunc
//  5. LocalRunner and WorkerBundle
//
// # Engine
//
// The Engine owns the task registry and the submission API:
//   - register tasks and queues
//   - submit single tasks, chains, groups and chords
//   - read task and workflow status
//   - request cancellation
//
// Engines are backed by a broker (message delivery) and a result store
// (status records and coordination counters):
//   - NewInMemoryEngine: tests and single-process use
//   - NewSQLiteEngine: durable, single host
//   - NewPostgresEngine: durable, shared by many hosts
//   - NewRedisEngine: shared, results expire natively
//   - NewMongoEngine: shared, document storage
//
// The registry is frozen by the first submission; registering afterwards
// fails with ErrRegistryFrozen.
//
// # Delivery
//
// Delivery is at-least-once. A worker leases a message for a fixed time and
// extends the lease while the handler runs. A message whose lease lapses is
// delivered again, so handlers should be idempotent. Workflow progress is
// guarded so duplicate deliveries never advance a chain twice or fire a
// chord callback twice.
//
// # Task States
//
//	PENDING -> STARTED -> COMPLETED
//	                   -> RETRYING -> STARTED ...
//	                   -> FAILED
//
// Status records expire after EngineConfig.ResultTTL.
//
// # Workflows
//
// A chain runs its members in order and appends each result to the
// positional arguments of the next member. A group runs its members in
// parallel. A chord is a group followed by a callback receiving the list of
// member results in submission order. Any member failure fails the whole
// workflow and stops further dispatch.
//
// # TaskBuilder
//
// TaskBuilder is a fluent way to define tasks:
//
//	taskq.NewTask("tasks.add_numbers").
//	    Describe("Add x and y").
//	    Retry(taskq.Retry(3).WithExponentialBackoff(time.Second, 2, time.Minute)).
//	    Handler(add).
//	    MustRegister(eng)
//
// # LocalRunner
//
// LocalRunner pairs an in-memory engine with one worker per queue:
//
//	runner := taskq.NewLocalRunner(taskq.EngineConfig{})
//	taskq.NewTask("tasks.add_numbers").Handler(add).MustRegister(runner.Engine)
//	_ = runner.StartWorkers(ctx, 4)
//	defer runner.Stop()
//
//	id, _ := runner.Engine.Submit(ctx, taskq.Sig("tasks.add_numbers", 10, 5))
//	st, _ := taskq.WaitForStatus(ctx, runner.Engine, id, 0)
//
// # WorkerBundle
//
// WorkerBundle runs workers against a durable engine, plus an optional cron
// scheduled maintenance job that purges expired results. The taskq-worker
// command is a WorkerBundle configured from file and environment.
package taskq
