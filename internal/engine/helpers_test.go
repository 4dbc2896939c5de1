package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

func addHandler(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var sum float64
	for i := range args {
		v, err := api.FloatArg(args, kwargs, i)
		if err != nil {
			return nil, err
		}
		sum += v
	}
	return sum, nil
}

func sumListHandler(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	list, ok := args[len(args)-1].([]any)
	if !ok {
		return nil, errors.New("expected a list")
	}
	var sum float64
	for _, v := range list {
		f, err := api.Float(v)
		if err != nil {
			return nil, err
		}
		sum += f
	}
	return sum, nil
}

func failHandler(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return nil, errors.New("boom")
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := NewInMemoryEngine(cfg)
	registerTestTasks(t, e)
	return e
}

func registerTestTasks(t *testing.T, e *Engine) {
	t.Helper()
	for _, def := range []api.TaskDefinition{
		{Name: "add", Handler: addHandler},
		{Name: "sum", Handler: sumListHandler},
		{Name: "fail", Handler: failHandler},
		{Name: "heavy", Queue: "compute", Handler: addHandler},
	} {
		if err := e.Register(def); err != nil {
			t.Fatalf("Register(%s): %v", def.Name, err)
		}
	}
}

// runNext executes the next invocation on queue the way a worker would,
// without retries, and returns it. It fails the test if the queue is empty.
func runNext(t *testing.T, e *Engine, queue string) *api.Invocation {
	t.Helper()
	ctx := context.Background()

	inv, st := execNext(t, e, queue)
	if err := e.OnTaskFinished(ctx, inv, st); err != nil {
		t.Fatalf("OnTaskFinished: %v", err)
	}
	if err := e.Broker().Ack(ctx, queue, inv.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	return inv
}

// execNext runs the next invocation on queue and stores its outcome, but
// neither advances its workflow nor acknowledges it.
func execNext(t *testing.T, e *Engine, queue string) (*api.Invocation, *api.TaskStatus) {
	t.Helper()
	ctx := context.Background()

	inv, err := e.Broker().Dequeue(ctx, queue, 200*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue(%s): %v", queue, err)
	}
	if inv == nil {
		t.Fatalf("no invocation on queue %q", queue)
	}

	def, err := e.Lookup(inv.TaskName)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", inv.TaskName, err)
	}
	st, err := e.Results().GetStatus(ctx, inv.TaskID)
	if err != nil {
		t.Fatalf("GetStatus(%s): %v", inv.TaskID, err)
	}

	st.State = api.StateStarted
	if err := e.Results().PutStatus(ctx, st); err != nil {
		t.Fatalf("PutStatus(started): %v", err)
	}

	result, herr := def.Handler(ctx, inv.Args, inv.Kwargs)
	if herr != nil {
		st.State = api.StateFailed
		st.Error = herr.Error()
	} else {
		st.State = api.StateCompleted
		st.Result = result
	}
	if err := e.Results().PutStatus(ctx, st); err != nil {
		t.Fatalf("PutStatus: %v", err)
	}
	return inv, st
}

func mustStatus(t *testing.T, e *Engine, taskID string) *api.TaskStatus {
	t.Helper()
	st, err := e.GetStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetStatus(%s): %v", taskID, err)
	}
	return st
}
