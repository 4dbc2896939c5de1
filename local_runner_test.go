package taskq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

func add(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
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

func sumList(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	list, ok := args[len(args)-1].([]any)
	if !ok {
		return nil, errors.New("expected a list of results")
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

func newRunner(t *testing.T) *LocalRunner {
	t.Helper()
	runner := NewLocalRunner(EngineConfig{})
	runner.Worker.PollTimeout = 20 * time.Millisecond

	NewTask("add").Handler(add).MustRegister(runner.Engine)
	NewTask("sum").Handler(sumList).MustRegister(runner.Engine)
	NewTask("heavy").OnQueue("compute").Handler(add).MustRegister(runner.Engine)

	if err := runner.StartWorkers(context.Background(), 2); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	t.Cleanup(runner.Stop)
	return runner
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLocalRunner_SubmitAndWait(t *testing.T) {
	runner := newRunner(t)
	ctx := waitCtx(t)

	id, err := runner.Engine.Submit(ctx, Sig("add", 10, 5))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st, err := WaitForStatus(ctx, runner.Engine, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}
	if st.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", st.State, st.Error)
	}
	if st.Result != 15.0 {
		t.Fatalf("expected 15, got %v", st.Result)
	}
}

func TestLocalRunner_ConsumesEveryQueue(t *testing.T) {
	runner := newRunner(t)
	ctx := waitCtx(t)

	if n := len(runner.Workers()); n != 2 {
		t.Fatalf("expected workers for default and compute, got %d", n)
	}

	id, err := runner.Engine.Submit(ctx, Sig("heavy", 1, 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, err := WaitForStatus(ctx, runner.Engine, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}
	if st.State != StateCompleted || st.Result != 3.0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLocalRunner_Workflows(t *testing.T) {
	runner := newRunner(t)
	ctx := waitCtx(t)

	chainID, err := runner.Engine.SubmitChain(ctx, Sig("add", 1, 2), Sig("add", 3))
	if err != nil {
		t.Fatalf("SubmitChain: %v", err)
	}
	chordID, err := runner.Engine.SubmitChord(ctx,
		[]Signature{Sig("add", 10, 5), Sig("heavy", 2, 3)},
		Sig("sum"),
	)
	if err != nil {
		t.Fatalf("SubmitChord: %v", err)
	}

	chain, err := WaitForWorkflow(ctx, runner.Engine, chainID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForWorkflow(chain): %v", err)
	}
	if chain.State != StateCompleted || chain.Result != 6.0 {
		t.Fatalf("unexpected chain: state=%s result=%v", chain.State, chain.Result)
	}

	chord, err := WaitForWorkflow(ctx, runner.Engine, chordID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForWorkflow(chord): %v", err)
	}
	if chord.State != StateCompleted || chord.Result != 20.0 {
		t.Fatalf("unexpected chord: state=%s result=%v", chord.State, chord.Result)
	}
}

func TestLocalRunner_DoubleStart(t *testing.T) {
	runner := newRunner(t)
	if err := runner.StartWorkers(context.Background(), 1); err == nil {
		t.Fatalf("expected error on second StartWorkers")
	}
	runner.Stop()
	runner.Stop()
}

func TestLocalRunner_RegisterAfterStartFails(t *testing.T) {
	runner := newRunner(t)
	err := NewTask("late").Handler(add).Register(runner.Engine)
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestWaitForStatus_ContextDone(t *testing.T) {
	eng := NewInMemoryEngine(EngineConfig{})
	NewTask("add").Handler(add).MustRegister(eng)

	id, err := eng.Submit(context.Background(), Sig("add", 1, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := WaitForStatus(ctx, eng, id, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded with no workers, got %v", err)
	}
}
