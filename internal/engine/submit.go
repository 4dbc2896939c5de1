package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/taskq/pkg/api"
)

func cancelKey(taskID string) string { return "cancel:" + taskID }

// Submit validates sig, records a Pending status and enqueues the first
// invocation. It returns the new task ID.
func (e *Engine) Submit(ctx context.Context, sig api.Signature) (string, error) {
	e.Freeze()

	inv, err := e.newInvocation(sig, uuid.NewString())
	if err != nil {
		return "", err
	}
	if err := e.dispatch(ctx, inv); err != nil {
		return "", err
	}
	return inv.TaskID, nil
}

// newInvocation resolves sig against the registry. The returned invocation
// has no message ID yet; the broker assigns it on Enqueue.
func (e *Engine) newInvocation(sig api.Signature, taskID string) (*api.Invocation, error) {
	queue, err := e.registry.ResolveQueue(sig.Name, sig.Queue)
	if err != nil {
		return nil, err
	}
	inv := &api.Invocation{
		TaskID:   taskID,
		TaskName: sig.Name,
		Queue:    queue,
		Kwargs:   sig.Kwargs,
	}
	if len(sig.Args) > 0 {
		inv.Args = append([]any(nil), sig.Args...)
	}
	return inv, nil
}

// dispatch writes the Pending record for inv and publishes it. A broker
// failure leaves the record Failed so callers never observe a task that
// will not run.
func (e *Engine) dispatch(ctx context.Context, inv *api.Invocation) error {
	st := api.NewPendingStatus(inv, e.clock.Now())
	if err := e.results.PutStatus(ctx, st); err != nil {
		return fmt.Errorf("%w: store status for %s: %v", api.ErrResultStoreUnavailable, inv.TaskID, err)
	}

	if err := e.broker.Enqueue(ctx, inv.Queue, inv); err != nil {
		st.State = api.StateFailed
		st.Error = err.Error()
		st.UpdatedAt = e.clock.Now()
		if perr := e.results.PutStatus(ctx, st); perr != nil {
			e.logger.Warn("mark undeliverable task failed", "task_id", inv.TaskID, "error", perr)
		}
		return fmt.Errorf("%w: enqueue %s on %q: %v", api.ErrBrokerUnavailable, inv.TaskName, inv.Queue, err)
	}

	e.observer.OnTaskSubmitted(ctx, inv)
	return nil
}

// GetStatus returns the status record of taskID with the cancel flag
// merged in.
func (e *Engine) GetStatus(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	st, err := e.results.GetStatus(ctx, taskID)
	if errors.Is(err, api.ErrStatusNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrResultStoreUnavailable, err)
	}

	cancelled, err := e.CancelRequested(ctx, taskID)
	if err != nil {
		return nil, err
	}
	st.CancelRequested = cancelled
	return st, nil
}

// Cancel flags taskID for cancellation. Cancelling a finished task is a
// no-op.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	st, err := e.GetStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		return nil
	}
	if err := e.results.SetWithTTL(ctx, cancelKey(taskID), []byte("1"), e.workflowTTL); err != nil {
		return fmt.Errorf("%w: %v", api.ErrResultStoreUnavailable, err)
	}
	return nil
}

func (e *Engine) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	_, err := e.results.Get(ctx, cancelKey(taskID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, api.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", api.ErrResultStoreUnavailable, err)
	}
}
