// Package taskqueue contains the Broker implementations: an in-memory queue
// for tests and single-process use, and durable queues backed by SQLite,
// PostgreSQL, Redis and MongoDB.
//
// Every implementation leases messages instead of removing them on
// Dequeue. A message that is not acknowledged before its lease expires is
// delivered again, so consumers must tolerate duplicates.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskq/pkg/api"
)

// defaultPollInterval is how often polling brokers re-check for visible
// messages while Dequeue is waiting.
const defaultPollInterval = 50 * time.Millisecond

// prepare assigns a message id and creation time if missing and returns the
// time from which inv is visible.
func prepare(inv *api.Invocation, now time.Time) time.Time {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	if inv.NotBefore.IsZero() || inv.NotBefore.Before(now) {
		return now
	}
	return inv.NotBefore
}

// poll calls claim until it returns a message, wait elapses or ctx is done.
// Between attempts it sleeps for interval on a reused timer.
func poll(ctx context.Context, wait, interval time.Duration, claim func() (*api.Invocation, error)) (*api.Invocation, error) {
	deadline := time.Now().Add(wait)

	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		inv, err := claim()
		if err != nil || inv != nil {
			return inv, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		tmr.Reset(min(interval, remaining))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}
