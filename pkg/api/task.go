package api

import (
	"context"
	"math"
	"time"
)

// DefaultQueue is the queue used when neither the caller nor the task
// definition names one.
const DefaultQueue = "default"

// HandlerFunc is the body of a task. It receives the positional and keyword
// arguments of the invocation and returns a result, a retryable error (see
// Retryable) or any other error, which is treated as fatal.
//
// Arguments arrive JSON-decoded: numbers are float64, lists are []any and
// objects are map[string]any, regardless of the broker in use.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// RetryPolicy controls how a task is retried when its handler returns a
// retryable error. MaxRetries counts retries only: MaxRetries = 3 allows the
// initial execution plus up to 3 more.
//
// The delay before retry n (0-based, i.e. the current retry count) is
//
//	InitialBackoff * BackoffMultiplier^n
//
// capped at MaxBackoff when MaxBackoff > 0.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Delay returns the backoff to apply before re-running an invocation whose
// current retry count is retryCount.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(retryCount))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// TaskDefinition registers a named handler with its routing and retry
// configuration.
type TaskDefinition struct {
	Name        string
	Description string

	// Queue is the default queue for invocations of this task. Empty means
	// DefaultQueue.
	Queue string

	Retry RetryPolicy

	// TimeLimit is the hard wall-clock limit for a single execution. Zero
	// means the worker's configured limit applies.
	TimeLimit time.Duration

	Handler HandlerFunc
}

// Invocation is a single unit of work on a queue. ID identifies the
// message, TaskID identifies the logical task and is shared by all retries.
type Invocation struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	Queue      string         `json:"queue"`
	RetryCount int            `json:"retry_count"`
	CreatedAt  time.Time      `json:"created_at"`
	NotBefore  time.Time      `json:"not_before,omitzero"`

	// Workflow linkage; empty for standalone tasks.
	WorkflowID   string `json:"workflow_id,omitempty"`
	WorkflowStep int    `json:"workflow_step,omitempty"`
}

// Clone returns a copy of inv whose argument slices can be modified
// without affecting the original.
func (inv *Invocation) Clone() *Invocation {
	cp := *inv
	if inv.Args != nil {
		cp.Args = append([]any(nil), inv.Args...)
	}
	if inv.Kwargs != nil {
		cp.Kwargs = make(map[string]any, len(inv.Kwargs))
		for k, v := range inv.Kwargs {
			cp.Kwargs[k] = v
		}
	}
	return &cp
}
