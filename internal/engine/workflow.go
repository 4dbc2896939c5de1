package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/pkg/api"
)

// Coordination keys live in the result store next to the workflow record
// and share its TTL.
func workflowKey(id string) string     { return "workflow:" + id }
func pendingKey(id string) string      { return "workflow:" + id + ":pending" }
func claimKey(id, what string) string  { return "workflow:" + id + ":claim:" + what }
func sentKey(id, what string) string   { return "workflow:" + id + ":sent:" + what }
func stepClaim(step int) string        { return "step:" + strconv.Itoa(step) }
func memberClaim(taskID string) string { return "done:" + taskID }

const (
	finishClaim   = "finished"
	callbackClaim = "callback"
)

// SubmitChain runs sigs one after another, appending each result to the
// next task's positional arguments. The first failure stops the chain.
func (e *Engine) SubmitChain(ctx context.Context, sigs ...api.Signature) (string, error) {
	rec, err := e.newWorkflow(api.WorkflowChain, sigs, nil)
	if err != nil {
		return "", err
	}
	if err := e.saveWorkflow(ctx, rec); err != nil {
		return "", err
	}
	e.observer.OnWorkflowSubmitted(ctx, rec)

	inv, err := e.memberInvocation(rec, 0, nil)
	if err != nil {
		return "", err
	}
	if err := e.dispatch(ctx, inv); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// SubmitGroup runs sigs in parallel. The group completes when every member
// has completed.
func (e *Engine) SubmitGroup(ctx context.Context, sigs ...api.Signature) (string, error) {
	rec, err := e.newWorkflow(api.WorkflowGroup, sigs, nil)
	if err != nil {
		return "", err
	}
	return rec.ID, e.startParallel(ctx, rec)
}

// SubmitChord runs members in parallel and then callback exactly once with
// the ordered member results appended as a single list argument. If any
// member fails the callback never runs.
func (e *Engine) SubmitChord(ctx context.Context, members []api.Signature, callback api.Signature) (string, error) {
	rec, err := e.newWorkflow(api.WorkflowChord, members, &callback)
	if err != nil {
		return "", err
	}
	return rec.ID, e.startParallel(ctx, rec)
}

// newWorkflow validates every signature and allocates task IDs up front so
// that nothing is enqueued for an invalid workflow.
func (e *Engine) newWorkflow(kind api.WorkflowKind, sigs []api.Signature, callback *api.Signature) (*api.WorkflowRecord, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%s: %w", kind, api.ErrEmptyWorkflow)
	}
	e.Freeze()

	resolve := func(sig api.Signature) (api.WorkflowMember, error) {
		q, err := e.registry.ResolveQueue(sig.Name, sig.Queue)
		if err != nil {
			return api.WorkflowMember{}, err
		}
		sig.Queue = q
		return api.WorkflowMember{TaskID: uuid.NewString(), Signature: sig}, nil
	}

	rec := &api.WorkflowRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Members:   make([]api.WorkflowMember, 0, len(sigs)),
		CreatedAt: e.clock.Now(),
	}
	for _, sig := range sigs {
		m, err := resolve(sig)
		if err != nil {
			return nil, err
		}
		rec.Members = append(rec.Members, m)
	}
	if callback != nil {
		m, err := resolve(*callback)
		if err != nil {
			return nil, err
		}
		rec.Callback = &m
	}
	return rec, nil
}

func (e *Engine) startParallel(ctx context.Context, rec *api.WorkflowRecord) error {
	if err := e.saveWorkflow(ctx, rec); err != nil {
		return err
	}
	counter := persistence.EncodeCounter(int64(len(rec.Members)))
	if err := e.results.SetWithTTL(ctx, pendingKey(rec.ID), counter, e.workflowTTL); err != nil {
		return fmt.Errorf("%w: init counter for %s: %v", api.ErrResultStoreUnavailable, rec.ID, err)
	}
	e.observer.OnWorkflowSubmitted(ctx, rec)

	for i := range rec.Members {
		inv, err := e.memberInvocation(rec, i, nil)
		if err != nil {
			return err
		}
		if err := e.dispatch(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) saveWorkflow(ctx context.Context, rec *api.WorkflowRecord) error {
	data, err := persistence.EncodeValue(rec)
	if err != nil {
		return err
	}
	if err := e.results.SetWithTTL(ctx, workflowKey(rec.ID), data, e.workflowTTL); err != nil {
		return fmt.Errorf("%w: store workflow %s: %v", api.ErrResultStoreUnavailable, rec.ID, err)
	}
	return nil
}

func (e *Engine) loadWorkflow(ctx context.Context, id string) (*api.WorkflowRecord, error) {
	data, err := e.results.Get(ctx, workflowKey(id))
	if errors.Is(err, api.ErrKeyNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", id, api.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load workflow %s: %v", api.ErrResultStoreUnavailable, id, err)
	}
	return persistence.DecodeValue[*api.WorkflowRecord](data)
}

// member returns the node at step; step == len(Members) is the callback.
func member(rec *api.WorkflowRecord, step int) api.WorkflowMember {
	if step == len(rec.Members) && rec.Callback != nil {
		return *rec.Callback
	}
	return rec.Members[step]
}

// memberInvocation builds the invocation for the node at step with extra
// appended to its positional arguments.
func (e *Engine) memberInvocation(rec *api.WorkflowRecord, step int, extra []any) (*api.Invocation, error) {
	m := member(rec, step)
	inv, err := e.newInvocation(m.Signature, m.TaskID)
	if err != nil {
		return nil, err
	}
	inv.Args = append(inv.Args, extra...)
	inv.WorkflowID = rec.ID
	inv.WorkflowStep = step
	return inv, nil
}

// claim reports whether the caller is the first to take the named claim on
// a workflow.
func (e *Engine) claim(ctx context.Context, workflowID, what string) (bool, error) {
	n, err := e.results.AtomicIncrement(ctx, claimKey(workflowID, what), 1, e.workflowTTL)
	if err != nil {
		return false, fmt.Errorf("%w: claim %s on %s: %v", api.ErrResultStoreUnavailable, what, workflowID, err)
	}
	return n == 1, nil
}

// release undoes a claim whose follow-up action failed, so that a
// redelivery can retry it.
func (e *Engine) release(ctx context.Context, workflowID, what string) {
	if _, err := e.results.AtomicDecrement(ctx, claimKey(workflowID, what), 1); err != nil {
		e.logger.Warn("release workflow claim", "workflow_id", workflowID, "claim", what, "error", err)
	}
}

// advance publishes the node at step once per workflow.
//
// The first caller to claim the step publishes it and then records that it
// did. A later caller waits up to the step timeout for that record; if it
// never appears the claimant is presumed to have died between claiming and
// publishing, and the caller publishes the step itself.
func (e *Engine) advance(ctx context.Context, rec *api.WorkflowRecord, what string, step int, extra []any) error {
	first, err := e.claim(ctx, rec.ID, what)
	if err != nil {
		return err
	}
	if !first {
		sent, err := e.awaitSent(ctx, rec.ID, what)
		if err != nil || sent {
			return err
		}
		e.logger.Warn("resuming interrupted workflow step", "workflow_id", rec.ID, "claim", what)
	}

	inv, err := e.memberInvocation(rec, step, extra)
	if err == nil {
		err = e.publish(ctx, inv)
	}
	if err != nil {
		if first {
			e.release(ctx, rec.ID, what)
		}
		return err
	}
	if err := e.results.SetWithTTL(ctx, sentKey(rec.ID, what), []byte("1"), e.workflowTTL); err != nil {
		e.logger.Warn("record published workflow step", "workflow_id", rec.ID, "claim", what, "error", err)
	}
	return nil
}

// awaitSent polls for the record that the claimed step was published.
func (e *Engine) awaitSent(ctx context.Context, workflowID, what string) (bool, error) {
	interval := min(10*time.Millisecond, e.stepTimeout)
	deadline := time.Now().Add(e.stepTimeout)
	for {
		_, err := e.results.Get(ctx, sentKey(workflowID, what))
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, api.ErrKeyNotFound):
			return false, fmt.Errorf("%w: read step marker of %s: %v", api.ErrResultStoreUnavailable, workflowID, err)
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// publish writes the Pending record of a workflow member and enqueues it.
// Unlike dispatch it may run more than once for the same member: an
// existing Pending record is reused, a member that already started is left
// alone, and a broker failure leaves the record Pending for the retry.
func (e *Engine) publish(ctx context.Context, inv *api.Invocation) error {
	err := e.results.PutStatus(ctx, api.NewPendingStatus(inv, e.clock.Now()))
	if errors.Is(err, api.ErrInvalidTransition) {
		cur, gerr := e.results.GetStatus(ctx, inv.TaskID)
		if gerr != nil {
			return fmt.Errorf("%w: load status of %s: %v", api.ErrResultStoreUnavailable, inv.TaskID, gerr)
		}
		if cur.State != api.StatePending {
			return nil
		}
	} else if err != nil {
		return fmt.Errorf("%w: store status for %s: %v", api.ErrResultStoreUnavailable, inv.TaskID, err)
	}

	if err := e.broker.Enqueue(ctx, inv.Queue, inv); err != nil {
		return fmt.Errorf("%w: enqueue %s on %q: %v", api.ErrBrokerUnavailable, inv.TaskName, inv.Queue, err)
	}
	e.observer.OnTaskSubmitted(ctx, inv)
	return nil
}

// OnTaskFinished advances the workflow inv belongs to. Every step is
// guarded by a claim in the result store, so concurrent or duplicate calls
// for the same invocation are harmless, and a call repeated after a crash
// part way through completes the advance.
func (e *Engine) OnTaskFinished(ctx context.Context, inv *api.Invocation, st *api.TaskStatus) error {
	if inv.WorkflowID == "" || !st.State.Terminal() {
		return nil
	}
	rec, err := e.loadWorkflow(ctx, inv.WorkflowID)
	if errors.Is(err, api.ErrWorkflowNotFound) {
		e.logger.Warn("workflow record missing", "workflow_id", inv.WorkflowID, "task_id", inv.TaskID)
		return nil
	}
	if err != nil {
		return err
	}

	if st.State == api.StateFailed {
		e.finish(ctx, rec, fmt.Errorf("task %s (%s) failed: %s", inv.TaskID, inv.TaskName, st.Error))
		return nil
	}

	switch rec.Kind {
	case api.WorkflowChain:
		next := inv.WorkflowStep + 1
		if next >= len(rec.Members) {
			e.finish(ctx, rec, nil)
			return nil
		}
		return e.advance(ctx, rec, stepClaim(next), next, []any{st.Result})

	case api.WorkflowGroup, api.WorkflowChord:
		if rec.Kind == api.WorkflowChord && inv.WorkflowStep == len(rec.Members) {
			e.finish(ctx, rec, nil)
			return nil
		}
		remaining, err := e.countDown(ctx, rec, inv.TaskID)
		if err != nil || remaining > 0 {
			return err
		}
		if rec.Kind == api.WorkflowGroup {
			e.finish(ctx, rec, nil)
			return nil
		}
		return e.startCallback(ctx, rec)
	}
	return fmt.Errorf("workflow %s has unknown kind %q", rec.ID, rec.Kind)
}

// countDown decrements the pending counter once per member and returns the
// number of members still outstanding.
//
// A repeat call for a member that was already claimed cannot tell whether
// the first call got as far as the decrement, so when the counter still
// shows outstanding members it recounts them from their status records.
func (e *Engine) countDown(ctx context.Context, rec *api.WorkflowRecord, taskID string) (int64, error) {
	first, err := e.claim(ctx, rec.ID, memberClaim(taskID))
	if err != nil {
		return 0, err
	}
	if first {
		n, err := e.results.AtomicDecrement(ctx, pendingKey(rec.ID), 1)
		if err != nil {
			return 0, fmt.Errorf("%w: count down %s: %v", api.ErrResultStoreUnavailable, rec.ID, err)
		}
		return n, nil
	}

	data, err := e.results.Get(ctx, pendingKey(rec.ID))
	if err != nil {
		return 0, fmt.Errorf("%w: read counter of %s: %v", api.ErrResultStoreUnavailable, rec.ID, err)
	}
	n, err := persistence.DecodeCounter(data)
	if err != nil || n <= 0 {
		return n, err
	}
	return e.outstanding(ctx, rec)
}

// outstanding counts the members of rec that have not completed.
func (e *Engine) outstanding(ctx context.Context, rec *api.WorkflowRecord) (int64, error) {
	var n int64
	for _, m := range rec.Members {
		st, err := e.results.GetStatus(ctx, m.TaskID)
		switch {
		case errors.Is(err, api.ErrStatusNotFound):
			n++
		case err != nil:
			return 0, fmt.Errorf("%w: load status of %s: %v", api.ErrResultStoreUnavailable, m.TaskID, err)
		case st.State != api.StateCompleted:
			n++
		}
	}
	return n, nil
}

// startCallback gathers member results in submission order and submits the
// chord callback.
func (e *Engine) startCallback(ctx context.Context, rec *api.WorkflowRecord) error {
	results := make([]any, len(rec.Members))
	for i, m := range rec.Members {
		st, err := e.results.GetStatus(ctx, m.TaskID)
		if err != nil {
			return fmt.Errorf("collect result of %s for chord %s: %w", m.TaskID, rec.ID, err)
		}
		if st.State != api.StateCompleted {
			return fmt.Errorf("chord %s member %s is %s", rec.ID, m.TaskID, st.State)
		}
		results[i] = st.Result
	}
	return e.advance(ctx, rec, callbackClaim, len(rec.Members), []any{results})
}

// finish notifies the observer of the workflow outcome exactly once.
func (e *Engine) finish(ctx context.Context, rec *api.WorkflowRecord, cause error) {
	ok, err := e.claim(ctx, rec.ID, finishClaim)
	if err != nil {
		e.logger.Warn("claim workflow completion", "workflow_id", rec.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	if cause != nil {
		e.observer.OnWorkflowFailed(ctx, rec, cause)
		return
	}
	e.observer.OnWorkflowCompleted(ctx, rec)
}

// GetWorkflow derives the aggregate state of a workflow from its members'
// status records. Members without a record count as Pending.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*api.WorkflowStatus, error) {
	rec, err := e.loadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	ws := &api.WorkflowStatus{ID: rec.ID, Kind: rec.Kind, State: api.StatePending}
	for _, m := range rec.Members {
		st, err := e.memberStatus(ctx, rec, m)
		if err != nil {
			return nil, err
		}
		ws.Members = append(ws.Members, st)
	}
	if rec.Callback != nil {
		st, err := e.memberStatus(ctx, rec, *rec.Callback)
		if err != nil {
			return nil, err
		}
		ws.Callback = st
	}

	var (
		completed int
		started   bool
	)
	for _, st := range ws.Members {
		switch st.State {
		case api.StateFailed:
			ws.State = api.StateFailed
			ws.Error = st.Error
			return ws, nil
		case api.StateCompleted:
			completed++
			started = true
		case api.StateStarted, api.StateRetrying:
			started = true
		}
	}
	if started {
		ws.State = api.StateStarted
	}

	switch rec.Kind {
	case api.WorkflowChain:
		if last := ws.Members[len(ws.Members)-1]; last.State == api.StateCompleted {
			ws.State = api.StateCompleted
			ws.Result = last.Result
		}

	case api.WorkflowGroup:
		if completed == len(ws.Members) {
			ws.State = api.StateCompleted
			results := make([]any, len(ws.Members))
			for i, st := range ws.Members {
				results[i] = st.Result
			}
			ws.Result = results
		}

	case api.WorkflowChord:
		switch ws.Callback.State {
		case api.StateFailed:
			ws.State = api.StateFailed
			ws.Error = ws.Callback.Error
		case api.StateCompleted:
			ws.State = api.StateCompleted
			ws.Result = ws.Callback.Result
		default:
			if completed == len(ws.Members) {
				ws.State = api.StateStarted
			}
		}
	}
	return ws, nil
}

func (e *Engine) memberStatus(ctx context.Context, rec *api.WorkflowRecord, m api.WorkflowMember) (*api.TaskStatus, error) {
	st, err := e.GetStatus(ctx, m.TaskID)
	if errors.Is(err, api.ErrStatusNotFound) {
		return &api.TaskStatus{
			TaskID:     m.TaskID,
			TaskName:   m.Signature.Name,
			Queue:      m.Signature.Queue,
			State:      api.StatePending,
			WorkflowID: rec.ID,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.CreatedAt,
		}, nil
	}
	return st, err
}
