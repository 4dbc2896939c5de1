package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskq/pkg/api"
)

// Config controls a Worker. Zero values are replaced by defaults.
type Config struct {
	// Queue is the queue to consume. Defaults to api.DefaultQueue.
	Queue string

	// Concurrency is the number of invocations Run executes in parallel.
	Concurrency int

	// WorkerID identifies this worker in logs. A random id is used if empty.
	WorkerID string

	// LeaseTTL is how long a dequeued invocation stays invisible to other
	// workers without a heartbeat.
	LeaseTTL time.Duration

	// PollTimeout bounds a single Dequeue call.
	PollTimeout time.Duration

	// TimeLimit is the hard limit for one execution of tasks that do not
	// set their own.
	TimeLimit time.Duration

	// HeartbeatInterval is how often the lease of a running invocation is
	// renewed on brokers that implement api.LeaseExtender. Negative disables
	// heartbeats.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

const (
	DefaultLeaseTTL    = 30 * time.Second
	DefaultPollTimeout = time.Second
	DefaultTimeLimit   = time.Hour
)

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = api.DefaultQueue
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.TimeLimit <= 0 {
		c.TimeLimit = DefaultTimeLimit
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker consumes one queue and executes the invocations it receives using
// the handlers registered on its host.
type Worker struct {
	host   api.WorkerHost
	cfg    Config
	logger *slog.Logger
}

// New returns a Worker for host. It does not start consuming until Run or
// ProcessOne is called.
func New(host api.WorkerHost, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		host:   host,
		cfg:    cfg,
		logger: cfg.Logger.With("worker_id", cfg.WorkerID, "queue", cfg.Queue),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() Config { return w.cfg }

// Run executes invocations with cfg.Concurrency goroutines until ctx is
// done. Invocations in progress when ctx is cancelled are not acknowledged
// and will be delivered again after their lease expires.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker_started", "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	wg.Add(w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("worker_stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		_, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		// Keep going so a single bad invocation or a broker hiccup doesn't
		// kill the loop, but don't spin on a dead backend.
		w.logger.Error("process_failed", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollTimeout):
		}
	}
}

// ProcessOne waits up to cfg.PollTimeout for an invocation and handles it.
// It reports whether an invocation was received. A non-nil error means the
// invocation was left unacknowledged and will be redelivered.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	inv, err := w.host.Broker().Dequeue(ctx, w.cfg.Queue, w.cfg.PollTimeout, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if inv == nil {
		return false, nil
	}
	return true, w.handle(ctx, inv)
}

func (w *Worker) handle(ctx context.Context, inv *api.Invocation) error {
	results := w.host.Results()

	st, err := results.GetStatus(ctx, inv.TaskID)
	switch {
	case errors.Is(err, api.ErrStatusNotFound):
		st = api.NewPendingStatus(inv, time.Now())
	case err != nil:
		return fmt.Errorf("%w: load status of %s: %v", api.ErrResultStoreUnavailable, inv.TaskID, err)
	}

	// Duplicate delivery of an invocation that already finished: only make
	// sure its workflow was advanced.
	if st.State.Terminal() {
		w.logger.Debug("duplicate_delivery", "task_id", inv.TaskID, "state", st.State)
		return w.finish(ctx, inv, st)
	}

	def, err := w.host.Lookup(inv.TaskName)
	if err != nil {
		return w.fail(ctx, inv, st, err, 0)
	}

	if inv.RetryCount > 0 {
		if err := w.checkCancelled(ctx, inv); err != nil {
			return w.fail(ctx, inv, st, err, 0)
		}
	}

	st.State = api.StateStarted
	st.RetryCount = inv.RetryCount
	st.Error = ""
	if err := w.putStatus(ctx, st); err != nil {
		return w.superseded(ctx, inv, err)
	}
	w.host.Observer().OnTaskStarted(ctx, inv)

	start := time.Now()
	result, runErr := w.execute(ctx, inv, def)
	elapsed := time.Since(start)

	if runErr == nil {
		st.State = api.StateCompleted
		st.Result = result
		if err := w.putStatus(ctx, st); err != nil {
			return w.superseded(ctx, inv, err)
		}
		w.host.Observer().OnTaskCompleted(ctx, inv, elapsed)
		return w.finish(ctx, inv, st)
	}

	if ctx.Err() != nil {
		// Shutting down; leave the invocation to be redelivered.
		return ctx.Err()
	}

	if api.IsRetryable(runErr) && inv.RetryCount < def.Retry.MaxRetries {
		if err := w.checkCancelled(ctx, inv); err != nil {
			return w.fail(ctx, inv, st, err, elapsed)
		}
		return w.retry(ctx, inv, st, def, runErr)
	}
	return w.fail(ctx, inv, st, runErr, elapsed)
}

func (w *Worker) checkCancelled(ctx context.Context, inv *api.Invocation) error {
	cancelled, err := w.host.CancelRequested(ctx, inv.TaskID)
	if err != nil {
		// Not being able to read the flag must not block execution.
		w.logger.Warn("cancel_check_failed", "task_id", inv.TaskID, "error", err)
		return nil
	}
	if cancelled {
		return fmt.Errorf("%w: %s", api.ErrTaskCancelled, inv.TaskID)
	}
	return nil
}

// execute runs the handler under the task's time limit. On timeout the
// handler goroutine is abandoned; well-behaved handlers observe ctx.
func (w *Worker) execute(ctx context.Context, inv *api.Invocation, def api.TaskDefinition) (any, error) {
	limit := def.TimeLimit
	if limit <= 0 {
		limit = w.cfg.TimeLimit
	}
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	stop := w.heartbeat(ctx, inv)
	defer stop()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task %s panicked: %v", inv.TaskName, r)}
			}
		}()
		res, err := def.Handler(runCtx, inv.Args, inv.Kwargs)
		done <- outcome{result: res, err: err}
	}()

	timedOut := func() error {
		return fmt.Errorf("%w: %s exceeded %s", api.ErrTaskTimeout, inv.TaskName, limit)
	}

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}
		return out.result, out.err
	case <-runCtx.Done():
		select {
		case out := <-done:
			if out.err == nil {
				return out.result, nil
			}
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timedOut()
	}
}

// heartbeat renews the lease of inv until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, inv *api.Invocation) (stop func()) {
	ext, ok := w.host.Broker().(api.LeaseExtender)
	if !ok || w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(hbCtx, w.cfg.Queue, inv.ID, w.cfg.LeaseTTL); err != nil && hbCtx.Err() == nil {
					w.logger.Warn("lease_extend_failed", "task_id", inv.TaskID, "message_id", inv.ID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// retry records the Retrying state, publishes a delayed copy of inv and
// acknowledges the original.
func (w *Worker) retry(ctx context.Context, inv *api.Invocation, st *api.TaskStatus, def api.TaskDefinition, cause error) error {
	delay := def.Retry.Delay(inv.RetryCount)

	st.State = api.StateRetrying
	st.Error = cause.Error()
	if err := w.putStatus(ctx, st); err != nil {
		return w.superseded(ctx, inv, err)
	}
	w.host.Observer().OnTaskRetrying(ctx, inv, cause, delay)

	next := inv.Clone()
	next.ID = ""
	next.CreatedAt = time.Time{}
	next.RetryCount++
	next.NotBefore = time.Now().Add(delay)
	if err := w.host.Broker().Enqueue(ctx, w.cfg.Queue, next); err != nil {
		return fmt.Errorf("%w: re-enqueue %s: %v", api.ErrBrokerUnavailable, inv.TaskID, err)
	}
	return w.ack(ctx, inv)
}

func (w *Worker) fail(ctx context.Context, inv *api.Invocation, st *api.TaskStatus, cause error, elapsed time.Duration) error {
	st.State = api.StateFailed
	st.Error = cause.Error()
	st.Result = nil
	if err := w.putStatus(ctx, st); err != nil {
		return w.superseded(ctx, inv, err)
	}
	w.host.Observer().OnTaskFailed(ctx, inv, cause, elapsed)
	return w.finish(ctx, inv, st)
}

// finish advances the workflow of a terminal invocation and acknowledges
// it. If advancing fails the message is left for redelivery, which repeats
// the (idempotent) advance.
func (w *Worker) finish(ctx context.Context, inv *api.Invocation, st *api.TaskStatus) error {
	if err := w.host.OnTaskFinished(ctx, inv, st); err != nil {
		return fmt.Errorf("advance workflow %s: %w", inv.WorkflowID, err)
	}
	return w.ack(ctx, inv)
}

// superseded handles a status write the store refused because another
// executor of the same invocation got further first, typically after this
// executor's lease expired. The other executor's outcome stands: this one
// skips its observer events, makes sure a terminal outcome advanced the
// workflow, and acknowledges.
func (w *Worker) superseded(ctx context.Context, inv *api.Invocation, err error) error {
	if !errors.Is(err, api.ErrInvalidTransition) {
		return err
	}
	st, gerr := w.host.Results().GetStatus(ctx, inv.TaskID)
	if gerr != nil {
		return fmt.Errorf("%w: reload status of %s: %v", api.ErrResultStoreUnavailable, inv.TaskID, gerr)
	}
	w.logger.Info("status_superseded", "task_id", inv.TaskID, "message_id", inv.ID, "state", st.State)
	if st.State.Terminal() {
		return w.finish(ctx, inv, st)
	}
	return w.ack(ctx, inv)
}

func (w *Worker) ack(ctx context.Context, inv *api.Invocation) error {
	if err := w.host.Broker().Ack(ctx, w.cfg.Queue, inv.ID); err != nil {
		return fmt.Errorf("%w: ack %s: %v", api.ErrBrokerUnavailable, inv.ID, err)
	}
	return nil
}

func (w *Worker) putStatus(ctx context.Context, st *api.TaskStatus) error {
	st.UpdatedAt = time.Now()
	err := w.host.Results().PutStatus(ctx, st)
	switch {
	case errors.Is(err, api.ErrInvalidTransition):
		return err
	case err != nil:
		return fmt.Errorf("%w: store status of %s: %v", api.ErrResultStoreUnavailable, st.TaskID, err)
	}
	return nil
}
