package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and workers for logging and
// metrics.
//
// Implementations should be fast and non-blocking; they run on the
// submitting goroutine or on a worker executor.
type Observer interface {
	// OnTaskSubmitted is called after an invocation has been enqueued by a
	// submission (not for retries).
	OnTaskSubmitted(ctx context.Context, inv *Invocation)

	// OnTaskStarted is called before a handler is invoked.
	OnTaskStarted(ctx context.Context, inv *Invocation)

	// OnTaskRetrying is called when a failed execution has been re-enqueued.
	OnTaskRetrying(ctx context.Context, inv *Invocation, err error, delay time.Duration)

	OnTaskCompleted(ctx context.Context, inv *Invocation, duration time.Duration)

	// OnTaskFailed is called once a task reaches FAILED. duration is zero
	// when the handler never ran.
	OnTaskFailed(ctx context.Context, inv *Invocation, err error, duration time.Duration)

	OnWorkflowSubmitted(ctx context.Context, wf *WorkflowRecord)
	OnWorkflowCompleted(ctx context.Context, wf *WorkflowRecord)
	OnWorkflowFailed(ctx context.Context, wf *WorkflowRecord, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskSubmitted(ctx context.Context, inv *Invocation) {}
func (NoopObserver) OnTaskStarted(ctx context.Context, inv *Invocation)   {}
func (NoopObserver) OnTaskRetrying(ctx context.Context, inv *Invocation, err error, delay time.Duration) {
}
func (NoopObserver) OnTaskCompleted(ctx context.Context, inv *Invocation, d time.Duration) {}
func (NoopObserver) OnTaskFailed(ctx context.Context, inv *Invocation, err error, d time.Duration) {
}
func (NoopObserver) OnWorkflowSubmitted(ctx context.Context, wf *WorkflowRecord)          {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, wf *WorkflowRecord)          {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, wf *WorkflowRecord, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskSubmitted(ctx context.Context, inv *Invocation) {
	for _, o := range c.observers {
		o.OnTaskSubmitted(ctx, inv)
	}
}

func (c *CompositeObserver) OnTaskStarted(ctx context.Context, inv *Invocation) {
	for _, o := range c.observers {
		o.OnTaskStarted(ctx, inv)
	}
}

func (c *CompositeObserver) OnTaskRetrying(ctx context.Context, inv *Invocation, err error, delay time.Duration) {
	for _, o := range c.observers {
		o.OnTaskRetrying(ctx, inv, err, delay)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, inv *Invocation, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, inv, d)
	}
}

func (c *CompositeObserver) OnTaskFailed(ctx context.Context, inv *Invocation, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskFailed(ctx, inv, err, d)
	}
}

func (c *CompositeObserver) OnWorkflowSubmitted(ctx context.Context, wf *WorkflowRecord) {
	for _, o := range c.observers {
		o.OnWorkflowSubmitted(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, wf *WorkflowRecord) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, wf *WorkflowRecord, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, wf, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task and workflow
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func invAttrs(inv *Invocation) []any {
	attrs := []any{
		slog.String("task", inv.TaskName),
		slog.String("task_id", inv.TaskID),
		slog.String("queue", inv.Queue),
		slog.Int("retry_count", inv.RetryCount),
	}
	if inv.WorkflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", inv.WorkflowID))
	}
	return attrs
}

func (o *LoggingObserver) OnTaskSubmitted(ctx context.Context, inv *Invocation) {
	o.Logger.DebugContext(ctx, "task_submitted", invAttrs(inv)...)
}

func (o *LoggingObserver) OnTaskStarted(ctx context.Context, inv *Invocation) {
	o.Logger.DebugContext(ctx, "task_started", invAttrs(inv)...)
}

func (o *LoggingObserver) OnTaskRetrying(ctx context.Context, inv *Invocation, err error, delay time.Duration) {
	attrs := append(invAttrs(inv),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
	o.Logger.WarnContext(ctx, "task_retrying", attrs...)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, inv *Invocation, d time.Duration) {
	attrs := append(invAttrs(inv), slog.Duration("duration", d))
	o.Logger.InfoContext(ctx, "task_completed", attrs...)
}

func (o *LoggingObserver) OnTaskFailed(ctx context.Context, inv *Invocation, err error, d time.Duration) {
	attrs := append(invAttrs(inv),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
	o.Logger.ErrorContext(ctx, "task_failed", attrs...)
}

func (o *LoggingObserver) OnWorkflowSubmitted(ctx context.Context, wf *WorkflowRecord) {
	o.Logger.InfoContext(ctx, "workflow_submitted",
		slog.String("workflow_id", wf.ID),
		slog.String("kind", string(wf.Kind)),
		slog.Int("members", len(wf.Members)),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, wf *WorkflowRecord) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", wf.ID),
		slog.String("kind", string(wf.Kind)),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, wf *WorkflowRecord, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", wf.ID),
		slog.String("kind", string(wf.Kind)),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksSubmitted     atomic.Int64
	tasksStarted       atomic.Int64
	tasksRetried       atomic.Int64
	tasksCompleted     atomic.Int64
	tasksFailed        atomic.Int64
	totalTaskDuration  atomic.Int64 // nanoseconds
	workflowsSubmitted atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksSubmitted  int64
	TasksStarted    int64
	TasksRetried    int64
	TasksCompleted  int64
	TasksFailed     int64
	AvgTaskDuration time.Duration

	WorkflowsSubmitted int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64
}

func (m *BasicMetrics) OnTaskSubmitted(ctx context.Context, inv *Invocation) {
	m.tasksSubmitted.Add(1)
}

func (m *BasicMetrics) OnTaskStarted(ctx context.Context, inv *Invocation) {
	m.tasksStarted.Add(1)
}

func (m *BasicMetrics) OnTaskRetrying(ctx context.Context, inv *Invocation, err error, delay time.Duration) {
	m.tasksRetried.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, inv *Invocation, d time.Duration) {
	// Only successful executions count towards the average duration.
	m.tasksCompleted.Add(1)
	m.totalTaskDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTaskFailed(ctx context.Context, inv *Invocation, err error, d time.Duration) {
	m.tasksFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowSubmitted(ctx context.Context, wf *WorkflowRecord) {
	m.workflowsSubmitted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, wf *WorkflowRecord) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, wf *WorkflowRecord, err error) {
	m.workflowsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.tasksCompleted.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	wfSubmitted := m.workflowsSubmitted.Load()
	wfCompleted := m.workflowsCompleted.Load()
	wfFailed := m.workflowsFailed.Load()

	return BasicMetricsSnapshot{
		TasksSubmitted:     m.tasksSubmitted.Load(),
		TasksStarted:       m.tasksStarted.Load(),
		TasksRetried:       m.tasksRetried.Load(),
		TasksCompleted:     completed,
		TasksFailed:        m.tasksFailed.Load(),
		AvgTaskDuration:    avg,
		WorkflowsSubmitted: wfSubmitted,
		WorkflowsCompleted: wfCompleted,
		WorkflowsFailed:    wfFailed,
		PendingWorkflows:   wfSubmitted - wfCompleted - wfFailed,
	}
}
