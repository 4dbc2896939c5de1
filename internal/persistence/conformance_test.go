package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskq/pkg/api"
)

// storeHarness wires a store with a way to let time pass. Stores under
// test must be configured with a result TTL of resultTTL.
type storeHarness struct {
	store   api.ResultStore
	advance func(d time.Duration)
}

const resultTTL = 500 * time.Millisecond

func runStoreConformance(t *testing.T, h storeHarness) {
	t.Helper()
	ctx := context.Background()
	s := h.store

	t.Run("status round trip", func(t *testing.T) {
		st := &api.TaskStatus{
			TaskID:   uuid.NewString(),
			TaskName: "tasks.add",
			Queue:    "compute",
			State:    api.StatePending,
		}
		if err := s.PutStatus(ctx, st); err != nil {
			t.Fatalf("PutStatus failed: %v", err)
		}
		for _, state := range []api.State{api.StateStarted, api.StateCompleted} {
			st.State = state
			st.Result = float64(15)
			if err := s.PutStatus(ctx, st); err != nil {
				t.Fatalf("PutStatus(%s) failed: %v", state, err)
			}
		}

		got, err := s.GetStatus(ctx, st.TaskID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if got.State != api.StateCompleted || got.Result != float64(15) || got.Queue != "compute" {
			t.Fatalf("unexpected status: %+v", got)
		}
	})

	t.Run("status writes follow the lifecycle", func(t *testing.T) {
		put := func(st *api.TaskStatus, state api.State) error {
			cp := *st
			cp.State = state
			return s.PutStatus(ctx, &cp)
		}
		st := &api.TaskStatus{TaskID: uuid.NewString(), TaskName: "tasks.add", State: api.StatePending}
		if err := s.PutStatus(ctx, st); err != nil {
			t.Fatalf("PutStatus failed: %v", err)
		}
		if err := put(st, api.StateCompleted); !errors.Is(err, api.ErrInvalidTransition) {
			t.Fatalf("PENDING -> COMPLETED: expected ErrInvalidTransition, got %v", err)
		}
		for _, state := range []api.State{api.StateStarted, api.StateStarted, api.StateRetrying, api.StateStarted, api.StateFailed} {
			if err := put(st, state); err != nil {
				t.Fatalf("move to %s: %v", state, err)
			}
		}

		// A late writer must not resurrect or overwrite a finished task.
		for _, state := range []api.State{api.StatePending, api.StateStarted, api.StateRetrying, api.StateCompleted, api.StateFailed} {
			if err := put(st, state); !errors.Is(err, api.ErrInvalidTransition) {
				t.Fatalf("FAILED -> %s: expected ErrInvalidTransition, got %v", state, err)
			}
		}
		got, err := s.GetStatus(ctx, st.TaskID)
		if err != nil || got.State != api.StateFailed {
			t.Fatalf("terminal status changed: %+v, %v", got, err)
		}
	})

	t.Run("concurrent terminal writes keep the first", func(t *testing.T) {
		st := &api.TaskStatus{TaskID: uuid.NewString(), State: api.StateStarted}
		if err := s.PutStatus(ctx, st); err != nil {
			t.Fatalf("PutStatus failed: %v", err)
		}
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []api.State
		)
		for i := 0; i < 10; i++ {
			state := api.StateCompleted
			if i%2 == 1 {
				state = api.StateFailed
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				cp := *st
				cp.State = state
				err := s.PutStatus(ctx, &cp)
				switch {
				case err == nil:
					mu.Lock()
					accepted = append(accepted, state)
					mu.Unlock()
				case !errors.Is(err, api.ErrInvalidTransition):
					t.Errorf("PutStatus(%s): %v", state, err)
				}
			}()
		}
		wg.Wait()
		if len(accepted) != 1 {
			t.Fatalf("expected exactly one terminal write to win, got %v", accepted)
		}
		got, err := s.GetStatus(ctx, st.TaskID)
		if err != nil || got.State != accepted[0] {
			t.Fatalf("stored %+v, %v; want %s", got, err, accepted[0])
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		if _, err := s.GetStatus(ctx, uuid.NewString()); !errors.Is(err, api.ErrStatusNotFound) {
			t.Fatalf("expected ErrStatusNotFound, got %v", err)
		}
	})

	t.Run("terminal status expires, pending does not", func(t *testing.T) {
		pending := &api.TaskStatus{TaskID: uuid.NewString(), State: api.StatePending}
		done := &api.TaskStatus{TaskID: uuid.NewString(), State: api.StateFailed, Error: "boom"}
		if err := s.PutStatus(ctx, pending); err != nil {
			t.Fatalf("PutStatus failed: %v", err)
		}
		if err := s.PutStatus(ctx, done); err != nil {
			t.Fatalf("PutStatus failed: %v", err)
		}

		// Reads are idempotent until expiry.
		for i := 0; i < 2; i++ {
			got, err := s.GetStatus(ctx, done.TaskID)
			if err != nil || got.Error != "boom" {
				t.Fatalf("read %d: %+v, %v", i, got, err)
			}
		}

		h.advance(resultTTL + 300*time.Millisecond)
		if _, err := s.GetStatus(ctx, done.TaskID); !errors.Is(err, api.ErrStatusNotFound) {
			t.Fatalf("expected terminal status to expire, got %v", err)
		}
		if _, err := s.GetStatus(ctx, pending.TaskID); err != nil {
			t.Fatalf("pending status must not expire: %v", err)
		}

		// An expired record no longer guards the task ID.
		again := &api.TaskStatus{TaskID: done.TaskID, State: api.StatePending}
		if err := s.PutStatus(ctx, again); err != nil {
			t.Fatalf("PutStatus over expired record: %v", err)
		}
	})

	t.Run("values with ttl", func(t *testing.T) {
		key := "v-" + uuid.NewString()
		forever := "f-" + uuid.NewString()
		if err := s.SetWithTTL(ctx, key, []byte(`{"a":1}`), resultTTL); err != nil {
			t.Fatalf("SetWithTTL failed: %v", err)
		}
		if err := s.SetWithTTL(ctx, forever, []byte("x"), 0); err != nil {
			t.Fatalf("SetWithTTL failed: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil || string(got) != `{"a":1}` {
			t.Fatalf("Get: %q, %v", got, err)
		}

		h.advance(resultTTL + 300*time.Millisecond)
		if _, err := s.Get(ctx, key); !errors.Is(err, api.ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound after expiry, got %v", err)
		}
		if _, err := s.Get(ctx, forever); err != nil {
			t.Fatalf("value without ttl expired: %v", err)
		}
	})

	t.Run("decrement", func(t *testing.T) {
		key := "c-" + uuid.NewString()
		if _, err := s.AtomicDecrement(ctx, key, 1); !errors.Is(err, api.ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound for missing counter, got %v", err)
		}
		if err := s.SetWithTTL(ctx, key, []byte("3"), time.Hour); err != nil {
			t.Fatalf("SetWithTTL failed: %v", err)
		}
		for want := int64(2); want >= 0; want-- {
			n, err := s.AtomicDecrement(ctx, key, 1)
			if err != nil || n != want {
				t.Fatalf("AtomicDecrement = %d, %v; want %d", n, err, want)
			}
		}
		v, err := s.Get(ctx, key)
		if err != nil || string(v) != "0" {
			t.Fatalf("counter should read back as text: %q, %v", v, err)
		}
	})

	t.Run("concurrent decrement reaches zero once", func(t *testing.T) {
		key := "cc-" + uuid.NewString()
		const n = 20
		if err := s.SetWithTTL(ctx, key, EncodeCounter(n), time.Hour); err != nil {
			t.Fatalf("SetWithTTL failed: %v", err)
		}
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			zeros int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.AtomicDecrement(ctx, key, 1)
				if err != nil {
					t.Errorf("AtomicDecrement failed: %v", err)
					return
				}
				if v == 0 {
					mu.Lock()
					zeros++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if zeros != 1 {
			t.Fatalf("expected exactly one caller to observe zero, got %d", zeros)
		}
	})

	t.Run("increment with ttl", func(t *testing.T) {
		key := "i-" + uuid.NewString()
		for want := int64(1); want <= 3; want++ {
			n, err := s.AtomicIncrement(ctx, key, 1, resultTTL)
			if err != nil || n != want {
				t.Fatalf("AtomicIncrement = %d, %v; want %d", n, err, want)
			}
		}
		h.advance(resultTTL + 300*time.Millisecond)
		n, err := s.AtomicIncrement(ctx, key, 1, resultTTL)
		if err != nil || n != 1 {
			t.Fatalf("expired counter should restart at 1, got %d, %v", n, err)
		}
		if _, err := s.AtomicIncrement(ctx, key, 1, 0); err == nil {
			t.Fatalf("expected error for non-positive ttl")
		}
	})
}
