package taskq

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/taskq/pkg/worker"
)

func openBundleDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "taskq.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteBundle_RunsChain(t *testing.T) {
	db := openBundleDB(t)

	b, err := NewSQLiteBundle(db, EngineConfig{}, BundleConfig{
		Queues:              map[string]int{DefaultQueue: 2},
		MaintenanceSchedule: "@every 1m",
	})
	if err != nil {
		t.Fatalf("NewSQLiteBundle: %v", err)
	}
	b.cfg.Worker.PollTimeout = 20 * time.Millisecond
	NewTask("add").Handler(add).MustRegister(b.Engine)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := b.Engine.SubmitChain(ctx, Sig("add", 1, 2), Sig("add", 3), Sig("add", 4))
	if err != nil {
		t.Fatalf("SubmitChain: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b.Run(runCtx) }()

	ws, err := WaitForWorkflow(ctx, b.Engine, id, 20*time.Millisecond)
	stop()
	if err != nil {
		t.Fatalf("WaitForWorkflow: %v", err)
	}
	if ws.State != StateCompleted || ws.Result != 10.0 {
		t.Fatalf("unexpected workflow: state=%s result=%v err=%s", ws.State, ws.Result, ws.Error)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(b.Workers()); n != 1 {
		t.Fatalf("expected 1 worker, got %d", n)
	}
}

func TestSQLiteBundle_DurableAcrossEngines(t *testing.T) {
	db := openBundleDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	producer, err := NewSQLiteEngine(db, EngineConfig{})
	if err != nil {
		t.Fatalf("NewSQLiteEngine: %v", err)
	}
	NewTask("add").Handler(add).MustRegister(producer)
	id, err := producer.Submit(ctx, Sig("add", 20, 22))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b, err := NewSQLiteBundle(db, EngineConfig{}, BundleConfig{
		Worker: worker.Config{Concurrency: 1, PollTimeout: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewSQLiteBundle: %v", err)
	}
	NewTask("add").Handler(add).MustRegister(b.Engine)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = b.Run(runCtx) }()

	st, err := WaitForStatus(ctx, producer, id, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}
	if st.State != StateCompleted || st.Result != 42.0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestNewBundle_InvalidSchedule(t *testing.T) {
	eng := NewInMemoryEngine(EngineConfig{})
	if _, err := NewBundle(eng, BundleConfig{MaintenanceSchedule: "not a schedule"}); err == nil {
		t.Fatalf("expected schedule error")
	}
}
