package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/taskq/internal/engine"
	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/internal/taskqueue"
	"github.com/petrijr/taskq/pkg/api"
)

// recordingStore remembers every state the underlying store accepted for
// each task.
type recordingStore struct {
	api.ResultStore

	mu     sync.Mutex
	states map[string][]api.State
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		ResultStore: persistence.NewInMemoryStore(persistence.Options{}),
		states:      make(map[string][]api.State),
	}
}

func (s *recordingStore) PutStatus(ctx context.Context, st *api.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ResultStore.PutStatus(ctx, st); err != nil {
		return err
	}
	s.states[st.TaskID] = append(s.states[st.TaskID], st.State)
	return nil
}

func (s *recordingStore) history(taskID string) []api.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.State(nil), s.states[taskID]...)
}

type fixture struct {
	engine *engine.Engine
	broker *taskqueue.InMemoryQueue
	store  *recordingStore
}

func newFixture(t *testing.T, defs ...api.TaskDefinition) *fixture {
	t.Helper()
	f := &fixture{
		broker: taskqueue.NewInMemoryQueue(nil),
		store:  newRecordingStore(),
	}
	e, err := engine.New(engine.Config{Broker: f.broker, Results: f.store})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	for _, def := range defs {
		if err := e.Register(def); err != nil {
			t.Fatalf("Register(%s): %v", def.Name, err)
		}
	}
	f.engine = e
	return f
}

func (f *fixture) worker(cfg Config) *Worker {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	return New(f.engine, cfg)
}

func (f *fixture) submit(t *testing.T, name string, args ...any) string {
	t.Helper()
	id, err := f.engine.Submit(context.Background(), api.NewSignature(name, args...))
	if err != nil {
		t.Fatalf("Submit(%s): %v", name, err)
	}
	return id
}

// drain processes invocations until the queue has been empty for a poll.
func drain(t *testing.T, w *Worker) int {
	t.Helper()
	var n int
	for i := 0; i < 100; i++ {
		processed, err := w.ProcessOne(context.Background())
		if err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
		if !processed {
			return n
		}
		n++
	}
	t.Fatalf("queue did not drain")
	return n
}

func (f *fixture) status(t *testing.T, id string) *api.TaskStatus {
	t.Helper()
	st, err := f.engine.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus(%s): %v", id, err)
	}
	return st
}
