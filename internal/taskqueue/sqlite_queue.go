package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/pkg/api"
)

// SQLiteQueue is a persistent Broker backed by SQLite. All queues share one
// table; a message is claimed by a single UPDATE ... RETURNING statement, so
// concurrent executors never lease the same message.
//
// With an in-memory database (":memory:") callers must limit the pool to a
// single connection, since every connection opens a separate database.
type SQLiteQueue struct {
	db           *sql.DB
	clock        clock.Clock
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the messages table in the given DB and returns
// a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		clock:        clock.Real{},
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// WithClock replaces the clock used for visibility and leases.
func (q *SQLiteQueue) WithClock(c clock.Clock) *SQLiteQueue {
	q.clock = clock.OrReal(c)
	return q
}

func (q *SQLiteQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS taskq_messages (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			leased_until INTEGER NOT NULL DEFAULT 0,
			deliveries INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS taskq_messages_queue_idx
			ON taskq_messages (queue, not_before, enqueued_at)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ api.Broker        = (*SQLiteQueue)(nil)
	_ api.LeaseExtender = (*SQLiteQueue)(nil)
)

func (q *SQLiteQueue) Enqueue(ctx context.Context, queue string, inv *api.Invocation) error {
	now := q.clock.Now()
	visibleAt := prepare(inv, now)
	payload, err := EncodeInvocation(inv)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO taskq_messages (id, queue, payload, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?)`,
		inv.ID,
		queue,
		payload,
		now.UnixNano(),
		visibleAt.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, queue string, wait, lease time.Duration) (*api.Invocation, error) {
	return poll(ctx, wait, q.pollInterval, func() (*api.Invocation, error) {
		return q.claim(ctx, queue, lease)
	})
}

func (q *SQLiteQueue) claim(ctx context.Context, queue string, lease time.Duration) (*api.Invocation, error) {
	now := q.clock.Now()

	var (
		id      string
		payload []byte
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE taskq_messages
		SET leased_until = ?, deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM taskq_messages
			WHERE queue = ? AND not_before <= ? AND leased_until <= ?
			ORDER BY not_before, enqueued_at
			LIMIT 1
		)
		RETURNING id, payload`,
		now.Add(lease).UnixNano(),
		queue,
		now.UnixNano(),
		now.UnixNano(),
	).Scan(&id, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeInvocation(payload)
}

func (q *SQLiteQueue) Ack(ctx context.Context, queue, messageID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM taskq_messages WHERE id = ? AND queue = ?`, messageID, queue)
	return err
}

func (q *SQLiteQueue) Extend(ctx context.Context, queue, messageID string, lease time.Duration) error {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE taskq_messages SET leased_until = ?
		WHERE id = ? AND queue = ? AND leased_until > 0`,
		now.Add(lease).UnixNano(), messageID, queue)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Len(queue string) int {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM taskq_messages WHERE queue = ? AND leased_until <= ?`,
		queue, q.clock.Now().UnixNano()).Scan(&n)
	if err != nil {
		log.Printf("SQLiteQueue: Len failed: %v", err)
		return 0
	}
	return n
}
