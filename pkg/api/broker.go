package api

import (
	"context"
	"time"
)

// Broker moves invocations between producers and worker executors.
//
// Delivery is at-least-once: a dequeued invocation is leased, not removed.
// If it is not acknowledged before the lease expires it becomes visible to
// other executors again.
type Broker interface {
	// Enqueue durably stores inv on queue. The invocation is not visible to
	// Dequeue before inv.NotBefore.
	Enqueue(ctx context.Context, queue string, inv *Invocation) error

	// Dequeue waits up to wait for a visible invocation on queue and leases
	// it for lease. It returns (nil, nil) when wait elapses without a
	// message, and ctx.Err() when ctx is done first.
	Dequeue(ctx context.Context, queue string, wait, lease time.Duration) (*Invocation, error)

	// Ack permanently removes a leased message.
	Ack(ctx context.Context, queue, messageID string) error

	// Len returns the approximate number of messages on queue that are not
	// leased, including delayed ones.
	Len(queue string) int
}

// LeaseExtender is implemented by brokers that can renew the lease of an
// in-flight message. Workers use it to heartbeat long-running tasks.
type LeaseExtender interface {
	Extend(ctx context.Context, queue, messageID string, lease time.Duration) error
}

// ResultStore persists task status records and small keyed values used for
// workflow coordination and rate limiting.
type ResultStore interface {
	// PutStatus writes st. A missing or expired record is always created;
	// an existing one is replaced only if CanTransition allows the move
	// from its stored state, otherwise the write fails with
	// ErrInvalidTransition. Records in a terminal state expire after the
	// store's configured result TTL.
	PutStatus(ctx context.Context, st *TaskStatus) error

	// GetStatus returns ErrStatusNotFound for unknown or expired records.
	GetStatus(ctx context.Context, taskID string) (*TaskStatus, error)

	// SetWithTTL stores value under key. ttl <= 0 stores without expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrKeyNotFound for unknown or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// AtomicDecrement subtracts by from the integer stored at key and returns
	// the new value. The key must exist (see SetWithTTL); counters are stored
	// as decimal text.
	AtomicDecrement(ctx context.Context, key string, by int64) (int64, error)

	// AtomicIncrement adds by to the integer stored at key and returns the new
	// value. A missing or expired key starts from zero and expires after
	// ttl, which must be positive. An existing key keeps its expiry.
	AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error)
}

// Purger is implemented by stores that do not expire data on their own and
// need periodic cleanup.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}
