// Package ratelimit implements a fixed-window request counter on top of an
// atomic key-value store such as an api.ResultStore.
//
// Each (client, window) pair gets its own counter, created with a TTL of one
// window on first use. The window is fixed, not sliding: a client can make
// up to limit requests at the very end of one window and limit more at the
// start of the next, so up to 2×limit requests may land within one window
// length across a boundary.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/pkg/api"
)

// Store is the subset of api.ResultStore the limiter needs.
type Store interface {
	AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

var _ Store = (api.ResultStore)(nil)

// Rule is a limit of Limit requests per Window.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRules are 60 requests per minute and 1000 per hour.
func DefaultRules() []Rule {
	return []Rule{
		{Limit: 60, Window: time.Minute},
		{Limit: 1000, Window: time.Hour},
	}
}

// Counter is the state of one client's counter in the current window.
type Counter struct {
	ClientKey   string
	WindowStart time.Time
	Count       int64
}

// ExceededError is returned by Take and CheckRules when a limit is hit.
type ExceededError struct {
	Limit      int64
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: max %d requests per %s, retry after %s", e.Limit, e.Window, e.RetryAfter)
}

func (e *ExceededError) Unwrap() error { return api.ErrRateLimitExceeded }

// Options configures a Limiter.
type Options struct {
	// Prefix namespaces counter keys. Defaults to "rate_limit".
	Prefix string

	// FailOpen allows requests when the store cannot be reached instead of
	// returning the error.
	FailOpen bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Limiter counts requests per client in fixed windows.
type Limiter struct {
	store    Store
	prefix   string
	failOpen bool
	clock    clock.Clock
	logger   *slog.Logger
}

func New(store Store, opts Options) *Limiter {
	if opts.Prefix == "" {
		opts.Prefix = "rate_limit"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Limiter{
		store:    store,
		prefix:   opts.Prefix,
		failOpen: opts.FailOpen,
		clock:    clock.OrReal(opts.Clock),
		logger:   opts.Logger,
	}
}

// window returns the counter key for clientKey at now and the start of the
// window now falls into.
func (l *Limiter) window(clientKey string, size time.Duration, now time.Time) (string, time.Time) {
	idx := now.UnixNano() / int64(size)
	start := time.Unix(0, idx*int64(size)).UTC()
	key := l.prefix + ":" + clientKey + ":" + strconv.FormatInt(int64(size/time.Second), 10) + "s:" + strconv.FormatInt(idx, 10)
	return key, start
}

// Allow counts a request for clientKey and reports whether it is within
// limit for the current window.
func (l *Limiter) Allow(ctx context.Context, clientKey string, limit int64, window time.Duration) (bool, error) {
	if window < time.Second {
		return false, fmt.Errorf("ratelimit: window %s is shorter than one second", window)
	}
	key, _ := l.window(clientKey, window, l.clock.Now())

	n, err := l.store.AtomicIncrement(ctx, key, 1, window)
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit store unavailable, allowing request", "client", clientKey, "error", err)
			return true, nil
		}
		return false, fmt.Errorf("%w: %v", api.ErrResultStoreUnavailable, err)
	}
	return n <= limit, nil
}

// Take is Allow returning an *ExceededError instead of false.
func (l *Limiter) Take(ctx context.Context, clientKey string, limit int64, window time.Duration) error {
	ok, err := l.Allow(ctx, clientKey, limit, window)
	if err != nil || ok {
		return err
	}
	now := l.clock.Now()
	_, start := l.window(clientKey, window, now)
	return &ExceededError{
		Limit:      limit,
		Window:     window,
		RetryAfter: start.Add(window).Sub(now),
	}
}

// CheckRules applies every rule in order and returns the first violation.
// A request rejected by a later rule is still counted by earlier ones.
func (l *Limiter) CheckRules(ctx context.Context, clientKey string, rules ...Rule) error {
	for _, r := range rules {
		if err := l.Take(ctx, clientKey, r.Limit, r.Window); err != nil {
			return err
		}
	}
	return nil
}

// Usage returns the counter of clientKey for the current window without
// counting a request.
func (l *Limiter) Usage(ctx context.Context, clientKey string, window time.Duration) (Counter, error) {
	if window < time.Second {
		return Counter{}, fmt.Errorf("ratelimit: window %s is shorter than one second", window)
	}
	key, start := l.window(clientKey, window, l.clock.Now())
	c := Counter{ClientKey: clientKey, WindowStart: start}

	data, err := l.store.Get(ctx, key)
	if errors.Is(err, api.ErrKeyNotFound) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("%w: %v", api.ErrResultStoreUnavailable, err)
	}
	c.Count, err = persistence.DecodeCounter(data)
	return c, err
}
