// Package worker provides the executor that consumes a queue and runs the
// task handlers registered on an engine.
//
// A Worker leases one invocation at a time per goroutine, records its
// lifecycle in the result store and acknowledges it only once a terminal
// or Retrying state has been durably written. Anything that goes wrong
// before that point leaves the message to be redelivered.
//
// # Execution
//
// Each execution runs under a hard time limit (the task's TimeLimit or
// Config.TimeLimit). A handler that exceeds it fails with
// api.ErrTaskTimeout and is not retried; its goroutine is abandoned, so
// handlers should return promptly once their context is done. Panics are
// recovered and reported as failures.
//
// While a handler runs, the worker renews the message lease on brokers that
// implement api.LeaseExtender.
//
// # Retries
//
// Handlers signal a transient failure by returning an error wrapped with
// api.Retryable. Such failures are retried up to the task's MaxRetries with
// the delay computed by its RetryPolicy; each retry is a new message with
// the same task id. Cancellation requested through the engine takes effect
// at the next retry boundary.
//
// # Duplicates
//
// Delivery is at-least-once. A redelivered invocation whose task is
// already finished is not executed again; the worker only repeats the
// workflow advance and acknowledges it.
package worker
