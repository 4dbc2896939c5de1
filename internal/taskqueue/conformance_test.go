package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskq/pkg/api"
)

func newInv(name string) *api.Invocation {
	return &api.Invocation{
		TaskID:   uuid.NewString(),
		TaskName: name,
		Args:     []any{1, "two"},
		Kwargs:   map[string]any{"k": true},
	}
}

// runBrokerConformance exercises the Broker contract. Each subtest uses its
// own queue name so brokers can be shared between subtests.
func runBrokerConformance(t *testing.T, b api.Broker) {
	t.Helper()
	ctx := context.Background()
	queue := func() string { return "q-" + uuid.NewString() }

	t.Run("fifo order and ack", func(t *testing.T) {
		q := queue()
		var ids []string
		for _, name := range []string{"a", "b", "c"} {
			inv := newInv(name)
			if err := b.Enqueue(ctx, q, inv); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if inv.ID == "" {
				t.Fatalf("Enqueue should assign a message id")
			}
			ids = append(ids, inv.ID)
			// Distinct enqueue timestamps keep the order deterministic.
			time.Sleep(2 * time.Millisecond)
		}
		if n := b.Len(q); n != 3 {
			t.Fatalf("expected Len 3, got %d", n)
		}

		for i, want := range []string{"a", "b", "c"} {
			got, err := b.Dequeue(ctx, q, time.Second, time.Minute)
			if err != nil {
				t.Fatalf("Dequeue %d failed: %v", i, err)
			}
			if got == nil || got.TaskName != want || got.ID != ids[i] {
				t.Fatalf("Dequeue %d: expected %s/%s, got %+v", i, want, ids[i], got)
			}
			if err := b.Ack(ctx, q, got.ID); err != nil {
				t.Fatalf("Ack failed: %v", err)
			}
		}
		if n := b.Len(q); n != 0 {
			t.Fatalf("expected empty queue, got %d", n)
		}
	})

	t.Run("arguments survive encoding", func(t *testing.T) {
		q := queue()
		if err := b.Enqueue(ctx, q, newInv("args")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		got, err := b.Dequeue(ctx, q, time.Second, time.Minute)
		if err != nil || got == nil {
			t.Fatalf("Dequeue failed: %v, %v", got, err)
		}
		if len(got.Args) != 2 || got.Args[0] != float64(1) || got.Args[1] != "two" {
			t.Fatalf("unexpected args: %#v", got.Args)
		}
		if got.Kwargs["k"] != true {
			t.Fatalf("unexpected kwargs: %#v", got.Kwargs)
		}
	})

	t.Run("empty queue returns nil after wait", func(t *testing.T) {
		start := time.Now()
		got, err := b.Dequeue(ctx, queue(), 100*time.Millisecond, time.Minute)
		if err != nil || got != nil {
			t.Fatalf("expected nil, nil; got %v, %v", got, err)
		}
		if time.Since(start) < 90*time.Millisecond {
			t.Fatalf("Dequeue returned before the wait elapsed")
		}
	})

	t.Run("queues are isolated", func(t *testing.T) {
		q1, q2 := queue(), queue()
		if err := b.Enqueue(ctx, q1, newInv("x")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		got, err := b.Dequeue(ctx, q2, 0, time.Minute)
		if err != nil || got != nil {
			t.Fatalf("expected nothing on other queue, got %v, %v", got, err)
		}
	})

	t.Run("unacked message is redelivered after lease", func(t *testing.T) {
		q := queue()
		if err := b.Enqueue(ctx, q, newInv("lease")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		first, err := b.Dequeue(ctx, q, time.Second, 200*time.Millisecond)
		if err != nil || first == nil {
			t.Fatalf("first Dequeue failed: %v, %v", first, err)
		}
		again, err := b.Dequeue(ctx, q, 0, time.Minute)
		if err != nil || again != nil {
			t.Fatalf("leased message must be invisible, got %v, %v", again, err)
		}

		time.Sleep(300 * time.Millisecond)
		second, err := b.Dequeue(ctx, q, time.Second, time.Minute)
		if err != nil || second == nil {
			t.Fatalf("expected redelivery, got %v, %v", second, err)
		}
		if second.ID != first.ID {
			t.Fatalf("expected same message, got %s and %s", first.ID, second.ID)
		}
	})

	t.Run("extend keeps the lease", func(t *testing.T) {
		ext, ok := b.(api.LeaseExtender)
		if !ok {
			t.Skip("broker cannot extend leases")
		}
		q := queue()
		if err := b.Enqueue(ctx, q, newInv("extend")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		got, err := b.Dequeue(ctx, q, time.Second, 200*time.Millisecond)
		if err != nil || got == nil {
			t.Fatalf("Dequeue failed: %v, %v", got, err)
		}
		if err := ext.Extend(ctx, q, got.ID, 5*time.Second); err != nil {
			t.Fatalf("Extend failed: %v", err)
		}
		time.Sleep(300 * time.Millisecond)
		if again, _ := b.Dequeue(ctx, q, 0, time.Minute); again != nil {
			t.Fatalf("extended message was redelivered")
		}

		if err := b.Ack(ctx, q, got.ID); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
		if err := ext.Extend(ctx, q, got.ID, time.Second); !errors.Is(err, api.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost after ack, got %v", err)
		}
	})

	t.Run("delayed message becomes visible", func(t *testing.T) {
		q := queue()
		inv := newInv("delayed")
		inv.NotBefore = time.Now().Add(300 * time.Millisecond)
		if err := b.Enqueue(ctx, q, inv); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if got, _ := b.Dequeue(ctx, q, 0, time.Minute); got != nil {
			t.Fatalf("delayed message delivered early")
		}
		if n := b.Len(q); n != 1 {
			t.Fatalf("delayed message should count in Len, got %d", n)
		}
		got, err := b.Dequeue(ctx, q, 2*time.Second, time.Minute)
		if err != nil || got == nil {
			t.Fatalf("expected delayed message, got %v, %v", got, err)
		}
		if time.Now().Before(inv.NotBefore) {
			t.Fatalf("delivered before NotBefore")
		}
	})

	t.Run("waiting dequeue picks up new message", func(t *testing.T) {
		q := queue()
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = b.Enqueue(context.Background(), q, newInv("late"))
		}()
		got, err := b.Dequeue(ctx, q, 3*time.Second, time.Minute)
		if err != nil || got == nil || got.TaskName != "late" {
			t.Fatalf("expected late message, got %v, %v", got, err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.Dequeue(cctx, queue(), time.Second, time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
