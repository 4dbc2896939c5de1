package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/pkg/api"
)

func newTestLimiter(opts Options) (*Limiter, *clock.Mock) {
	// Start a few seconds into a minute so the first window is not empty
	// of time.
	mock := clock.NewMock(time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC))
	store := persistence.NewInMemoryStore(persistence.Options{Clock: mock})
	opts.Clock = mock
	return New(store, opts), mock
}

func TestAllow_FixedWindow(t *testing.T) {
	l, mock := newTestLimiter(Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ok, err := l.Allow(ctx, "client-a", 5, time.Minute)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d denied, want allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "client-a", 5, time.Minute)
	if err != nil {
		t.Fatalf("Allow #6: %v", err)
	}
	if ok {
		t.Fatalf("Allow #6 allowed, want denied")
	}

	// Other clients have their own counter.
	if ok, _ := l.Allow(ctx, "client-b", 5, time.Minute); !ok {
		t.Fatalf("client-b should not be limited")
	}

	mock.Advance(time.Minute)
	ok, err = l.Allow(ctx, "client-a", 5, time.Minute)
	if err != nil {
		t.Fatalf("Allow after rollover: %v", err)
	}
	if !ok {
		t.Fatalf("counter did not reset in the next window")
	}
}

func TestAllow_BoundaryBurst(t *testing.T) {
	l, mock := newTestLimiter(Options{})
	ctx := context.Background()

	// 5 requests in the last second of a window and 5 in the first second
	// of the next are all allowed.
	mock.Set(time.Date(2024, 3, 1, 10, 0, 59, 0, time.UTC))
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "c", 5, time.Minute); !ok {
			t.Fatalf("request %d before boundary denied", i)
		}
	}
	mock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "c", 5, time.Minute); !ok {
			t.Fatalf("request %d after boundary denied", i)
		}
	}
}

func TestTake_ReturnsRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(Options{})
	ctx := context.Background()

	if err := l.Take(ctx, "c", 1, time.Minute); err != nil {
		t.Fatalf("first Take: %v", err)
	}
	err := l.Take(ctx, "c", 1, time.Minute)
	if !errors.Is(err, api.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	var ex *ExceededError
	if !errors.As(err, &ex) {
		t.Fatalf("expected *ExceededError, got %T", err)
	}
	if ex.RetryAfter != 55*time.Second {
		t.Fatalf("RetryAfter = %s, want 55s", ex.RetryAfter)
	}
}

func TestCheckRules(t *testing.T) {
	l, mock := newTestLimiter(Options{})
	ctx := context.Background()
	rules := []Rule{{Limit: 2, Window: time.Minute}, {Limit: 3, Window: time.Hour}}

	for i := 0; i < 2; i++ {
		if err := l.CheckRules(ctx, "c", rules...); err != nil {
			t.Fatalf("CheckRules #%d: %v", i, err)
		}
	}
	var ex *ExceededError
	if err := l.CheckRules(ctx, "c", rules...); !errors.As(err, &ex) || ex.Window != time.Minute {
		t.Fatalf("expected per-minute violation, got %v", err)
	}

	mock.Advance(time.Minute)
	if err := l.CheckRules(ctx, "c", rules...); err != nil {
		t.Fatalf("CheckRules in new minute: %v", err)
	}
	if err := l.CheckRules(ctx, "c", rules...); !errors.As(err, &ex) || ex.Window != time.Hour {
		t.Fatalf("expected per-hour violation, got %v", err)
	}
}

func TestUsage(t *testing.T) {
	l, _ := newTestLimiter(Options{})
	ctx := context.Background()

	c, err := l.Usage(ctx, "c", time.Minute)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if c.Count != 0 {
		t.Fatalf("expected empty counter, got %d", c.Count)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Allow(ctx, "c", 10, time.Minute); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	c, err = l.Usage(ctx, "c", time.Minute)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if c.Count != 3 || !c.WindowStart.Equal(want) || c.ClientKey != "c" {
		t.Fatalf("unexpected counter: %+v", c)
	}
}

type brokenStore struct{}

func (brokenStore) AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestAllow_StoreFailure(t *testing.T) {
	ctx := context.Background()

	closed := New(brokenStore{}, Options{})
	if _, err := closed.Allow(ctx, "c", 1, time.Minute); !errors.Is(err, api.ErrResultStoreUnavailable) {
		t.Fatalf("expected ErrResultStoreUnavailable, got %v", err)
	}

	open := New(brokenStore{}, Options{FailOpen: true})
	ok, err := open.Allow(ctx, "c", 1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("fail-open Allow = %v, %v", ok, err)
	}
}

func TestAllow_RejectsSubSecondWindow(t *testing.T) {
	l, _ := newTestLimiter(Options{})
	if _, err := l.Allow(context.Background(), "c", 1, time.Millisecond); err == nil {
		t.Fatalf("expected error for sub-second window")
	}
}
