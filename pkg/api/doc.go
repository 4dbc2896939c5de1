// Package api contains the core building blocks of the taskq task queue:
// task definitions, invocations, status records, the broker and result store
// contracts, and the observer hooks used for logging and metrics.
//
// Most users interact with the higher-level taskq package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom backends, integrations, and contributors extending the engine.
//
// # Tasks
//
// A task is a named HandlerFunc registered once, during initialization, in a
// TaskDefinition. The definition carries the task's default queue, its
// RetryPolicy and an optional hard time limit.
//
// Handlers return either a result, a retryable error created with Retryable,
// or any other error, which fails the task without retrying:
//
//	func divide(ctx context.Context, args []any, kw map[string]any) (any, error) {
//		x, err := api.FloatArg(args, kw, 0, "x")
//		if err != nil {
//			return nil, err
//		}
//		y, err := api.FloatArg(args, kw, 1, "y", "divisor")
//		if err != nil {
//			return nil, err
//		}
//		if y == 0 {
//			return nil, api.Retryablef("division by zero")
//		}
//		return x / y, nil
//	}
//
// # Invocations and status
//
// Submitting a task creates an Invocation and a PENDING TaskStatus. A worker
// moves the status through STARTED, optionally RETRYING and STARTED again,
// and finally COMPLETED or FAILED. CanTransition encodes the allowed moves;
// terminal records are never modified and expire after the result TTL.
//
// # Backends
//
// Broker and ResultStore are implemented for memory, SQLite, PostgreSQL,
// Redis and MongoDB. Delivery is at-least-once: workers acknowledge a message
// only after its outcome has been stored, and redelivered invocations of an
// already finished task are recognised and acknowledged without re-running
// the handler.
//
// # Workflows
//
// Signatures compose into chains, groups and chords. The engine stores a
// WorkflowRecord and derives a WorkflowStatus from the member status
// records on demand.
//
// # Observability
//
// Observer receives task and workflow lifecycle events. LoggingObserver
// logs them with log/slog, BasicMetrics counts them, and
// NewCompositeObserver combines several observers.
package api
