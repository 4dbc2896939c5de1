package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/internal/taskqueue"
	"github.com/petrijr/taskq/pkg/api"
)

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty schedule")
	}
	if _, err := New(Config{Schedule: "every now and then"}); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestRunOnce_PurgesAndReportsDepth(t *testing.T) {
	mock := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := persistence.NewInMemoryStore(persistence.Options{ResultTTL: time.Minute, Clock: mock})
	broker := taskqueue.NewInMemoryQueue(mock)
	ctx := context.Background()

	for _, st := range []*api.TaskStatus{
		{TaskID: "done", State: api.StateCompleted},
		{TaskID: "running", State: api.StateStarted},
	} {
		if err := store.PutStatus(ctx, st); err != nil {
			t.Fatalf("PutStatus: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := broker.Enqueue(ctx, "compute", &api.Invocation{TaskID: "x", TaskName: "x"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	mock.Advance(2 * time.Minute)

	j, err := New(Config{
		Schedule: "@every 1m",
		Results:  store,
		Broker:   broker,
		Queues:   []string{"default", "compute"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := j.RunOnce(ctx)
	if r.Purged != 1 {
		t.Fatalf("expected 1 purged record, got %d", r.Purged)
	}
	if r.Depth["compute"] != 3 || r.Depth["default"] != 0 {
		t.Fatalf("unexpected depth: %v", r.Depth)
	}
	if _, err := store.GetStatus(ctx, "running"); err != nil {
		t.Fatalf("non-terminal status must survive: %v", err)
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	j, err := New(Config{Schedule: "@every 1s", Results: persistence.NewInMemoryStore(persistence.Options{})})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ran := make(chan Report, 1)
	j.onRun = func(r Report) {
		select {
		case ran <- r:
		default:
		}
	}

	j.Start()
	defer j.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduled run did not happen")
	}
}
