package worker

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/taskq/internal/engine"
	"github.com/petrijr/taskq/pkg/api"
)

func TestWorker_SQLiteChainWithRetry(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	e, err := engine.NewSQLiteEngine(db, engine.Config{})
	if err != nil {
		t.Fatalf("NewSQLiteEngine: %v", err)
	}

	var attempts atomic.Int64
	add := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		x, err := api.FloatArg(args, kwargs, 0)
		if err != nil {
			return nil, err
		}
		y, err := api.FloatArg(args, kwargs, 1)
		if err != nil {
			return nil, err
		}
		return x + y, nil
	}
	flakyAdd := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, api.Retryablef("first attempt fails")
		}
		return add(ctx, args, kwargs)
	}
	if err := e.Register(api.TaskDefinition{Name: "add", Handler: add}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.Register(api.TaskDefinition{Name: "flaky_add", Retry: api.RetryPolicy{MaxRetries: 2}, Handler: flakyAdd}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	wf, err := e.SubmitChain(ctx, api.NewSignature("add", 1, 2), api.NewSignature("flaky_add", 3))
	if err != nil {
		t.Fatalf("SubmitChain: %v", err)
	}

	w := New(e, Config{PollTimeout: 100 * time.Millisecond})
	if n := drain(t, w); n != 3 {
		t.Fatalf("expected 3 deliveries (one retry), got %d", n)
	}

	ws, err := e.GetWorkflow(ctx, wf)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if ws.State != api.StateCompleted || ws.Result != 6.0 {
		t.Fatalf("expected COMPLETED with 6, got %s %v", ws.State, ws.Result)
	}
	if ws.Members[1].RetryCount != 1 {
		t.Fatalf("expected one retry on second node, got %d", ws.Members[1].RetryCount)
	}
}
