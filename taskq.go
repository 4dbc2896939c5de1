package taskq

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/taskq/internal/engine"
	"github.com/petrijr/taskq/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	TaskDefinition       = api.TaskDefinition
	HandlerFunc          = api.HandlerFunc
	RetryPolicy          = api.RetryPolicy
	Signature            = api.Signature
	Invocation           = api.Invocation
	TaskStatus           = api.TaskStatus
	State                = api.State
	WorkflowStatus       = api.WorkflowStatus
	WorkflowRecord       = api.WorkflowRecord
	QueueInfo            = api.QueueInfo
	TaskInfo             = api.TaskInfo
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// EngineConfig carries the observer, logger and TTLs for the backend
	// constructors below. Broker and Results are filled in by them.
	EngineConfig = engine.Config
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Retryable            = api.Retryable
	Retryablef           = api.Retryablef
	IsRetryable          = api.IsRetryable
)

var (
	ErrUnknownTask            = api.ErrUnknownTask
	ErrDuplicateTaskName      = api.ErrDuplicateTaskName
	ErrRegistryFrozen         = api.ErrRegistryFrozen
	ErrTaskTimeout            = api.ErrTaskTimeout
	ErrTaskCancelled          = api.ErrTaskCancelled
	ErrBrokerUnavailable      = api.ErrBrokerUnavailable
	ErrResultStoreUnavailable = api.ErrResultStoreUnavailable
	ErrRateLimitExceeded      = api.ErrRateLimitExceeded
	ErrStatusNotFound         = api.ErrStatusNotFound
	ErrWorkflowNotFound       = api.ErrWorkflowNotFound
	ErrEmptyWorkflow          = api.ErrEmptyWorkflow
)

const (
	StatePending   = api.StatePending
	StateStarted   = api.StateStarted
	StateRetrying  = api.StateRetrying
	StateCompleted = api.StateCompleted
	StateFailed    = api.StateFailed

	DefaultQueue = api.DefaultQueue
)

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine whose broker and result store live in
// process memory.
func NewInMemoryEngine(cfg EngineConfig) Engine {
	return engine.NewInMemoryEngine(cfg)
}

// NewSQLiteEngine returns an Engine that keeps messages and results in db.
func NewSQLiteEngine(db *sql.DB, cfg EngineConfig) (Engine, error) {
	return asEngine(engine.NewSQLiteEngine(db, cfg))
}

// NewPostgresEngine returns an Engine that keeps messages and results in db.
func NewPostgresEngine(db *sql.DB, cfg EngineConfig) (Engine, error) {
	return asEngine(engine.NewPostgresEngine(db, cfg))
}

// NewRedisEngine returns an Engine that keeps messages and results in Redis.
func NewRedisEngine(client redis.UniversalClient, cfg EngineConfig) (Engine, error) {
	return asEngine(engine.NewRedisEngine(client, cfg))
}

// NewMongoEngine returns an Engine that keeps messages and results in the
// MongoDB database dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, cfg EngineConfig) (Engine, error) {
	return asEngine(engine.NewMongoEngine(ctx, client, dbName, cfg))
}

// asEngine keeps a failed constructor from returning a non-nil Engine
// holding a nil pointer.
func asEngine(e *engine.Engine, err error) (Engine, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Sig is shorthand for api.NewSignature.
func Sig(name string, args ...any) Signature {
	return api.NewSignature(name, args...)
}

// WaitForStatus polls eng until taskID reaches a terminal state or ctx is
// done.
func WaitForStatus(ctx context.Context, eng Engine, taskID string, interval time.Duration) (*TaskStatus, error) {
	return waitTerminal(ctx, interval, func() (*TaskStatus, State, error) {
		st, err := eng.GetStatus(ctx, taskID)
		if err != nil {
			return nil, "", err
		}
		return st, st.State, nil
	})
}

// WaitForWorkflow polls eng until workflowID reaches a terminal state or
// ctx is done.
func WaitForWorkflow(ctx context.Context, eng Engine, workflowID string, interval time.Duration) (*WorkflowStatus, error) {
	return waitTerminal(ctx, interval, func() (*WorkflowStatus, State, error) {
		ws, err := eng.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, "", err
		}
		return ws, ws.State, nil
	})
}

func waitTerminal[T any](ctx context.Context, interval time.Duration, get func() (T, State, error)) (T, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, state, err := get()
		if err != nil || state.Terminal() {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}
