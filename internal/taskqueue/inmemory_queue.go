package taskqueue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/pkg/api"
)

type memMessage struct {
	id          string
	seq         uint64
	data        []byte
	notBefore   time.Time
	leasedUntil time.Time
}

type memQueue struct {
	ready    []*memMessage // ordered by seq; includes delayed messages
	inflight map[string]*memMessage
}

// InMemoryQueue is a Broker kept entirely in process memory. Messages are
// stored encoded, so handlers observe the same argument types as with the
// durable brokers. It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	clock  clock.Clock
	seq    uint64
	queues map[string]*memQueue

	// signal is closed and replaced whenever a message becomes visible.
	signal chan struct{}
}

// NewInMemoryQueue creates an empty queue. A nil clock uses the wall clock.
func NewInMemoryQueue(c clock.Clock) *InMemoryQueue {
	return &InMemoryQueue{
		clock:  clock.OrReal(c),
		queues: make(map[string]*memQueue),
		signal: make(chan struct{}),
	}
}

var (
	_ api.Broker        = (*InMemoryQueue)(nil)
	_ api.LeaseExtender = (*InMemoryQueue)(nil)
)

func (q *InMemoryQueue) queue(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{inflight: make(map[string]*memMessage)}
		q.queues[name] = mq
	}
	return mq
}

func (q *InMemoryQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, queue string, inv *api.Invocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.clock.Now()
	visibleAt := prepare(inv, now)
	data, err := EncodeInvocation(inv)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	mq := q.queue(queue)
	mq.ready = append(mq.ready, &memMessage{
		id:        inv.ID,
		seq:       q.seq,
		data:      data,
		notBefore: visibleAt,
	})
	q.wake()
	return nil
}

// claim leases the first visible message of queue. Expired leases are
// returned to the ready list first. Caller holds q.mu.
func (q *InMemoryQueue) claim(queue string, lease time.Duration) *memMessage {
	now := q.clock.Now()
	mq := q.queue(queue)

	requeued := false
	for id, m := range mq.inflight {
		if !m.leasedUntil.After(now) {
			delete(mq.inflight, id)
			m.leasedUntil = time.Time{}
			mq.ready = append(mq.ready, m)
			requeued = true
		}
	}
	if requeued {
		slices.SortFunc(mq.ready, func(a, b *memMessage) int {
			return cmp.Compare(a.seq, b.seq)
		})
	}

	for i, m := range mq.ready {
		if m.notBefore.After(now) {
			continue
		}
		mq.ready = slices.Delete(mq.ready, i, i+1)
		m.leasedUntil = now.Add(lease)
		mq.inflight[m.id] = m
		return m
	}
	return nil
}

// Dequeue waits for a visible message. Delayed messages and expired leases
// are picked up at the poll interval even without a new Enqueue.
func (q *InMemoryQueue) Dequeue(ctx context.Context, queue string, wait, lease time.Duration) (*api.Invocation, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		m := q.claim(queue, lease)
		signal := q.signal
		q.mu.Unlock()

		if m != nil {
			return DecodeInvocation(m.data)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		tmr := time.NewTimer(min(remaining, defaultPollInterval))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-signal:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// Ack removes the message whether it is leased or, after an expired lease,
// back on the ready list.
func (q *InMemoryQueue) Ack(ctx context.Context, queue, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.queue(queue)
	if _, ok := mq.inflight[messageID]; ok {
		delete(mq.inflight, messageID)
		return nil
	}
	mq.ready = slices.DeleteFunc(mq.ready, func(m *memMessage) bool {
		return m.id == messageID
	})
	return nil
}

func (q *InMemoryQueue) Extend(ctx context.Context, queue, messageID string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.queue(queue).inflight[messageID]
	if !ok {
		return api.ErrLeaseLost
	}
	m.leasedUntil = q.clock.Now().Add(lease)
	return nil
}

func (q *InMemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(mq.ready)
}

// InFlight returns the number of leased messages on queue.
func (q *InMemoryQueue) InFlight(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(mq.inflight)
}
