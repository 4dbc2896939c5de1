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

// PostgresQueue is a persistent Broker backed by PostgreSQL, used through
// database/sql with the pgx driver. Claims use FOR UPDATE SKIP LOCKED so
// executors on many hosts can poll the same table without blocking each
// other.
type PostgresQueue struct {
	db           *sql.DB
	clock        clock.Clock
	pollInterval time.Duration
}

// NewPostgresQueue creates the messages table if needed and returns a queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		clock:        clock.Real{},
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS taskq_messages (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload BYTEA NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			leased_until BIGINT NOT NULL DEFAULT 0,
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
	_ api.Broker        = (*PostgresQueue)(nil)
	_ api.LeaseExtender = (*PostgresQueue)(nil)
)

func (q *PostgresQueue) Enqueue(ctx context.Context, queue string, inv *api.Invocation) error {
	now := q.clock.Now()
	visibleAt := prepare(inv, now)
	payload, err := EncodeInvocation(inv)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO taskq_messages (id, queue, payload, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5)`,
		inv.ID, queue, payload, now.UnixNano(), visibleAt.UnixNano(),
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context, queue string, wait, lease time.Duration) (*api.Invocation, error) {
	return poll(ctx, wait, q.pollInterval, func() (*api.Invocation, error) {
		return q.claim(ctx, queue, lease)
	})
}

func (q *PostgresQueue) claim(ctx context.Context, queue string, lease time.Duration) (*api.Invocation, error) {
	now := q.clock.Now()

	var (
		id      string
		payload []byte
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE taskq_messages
		SET leased_until = $1, deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM taskq_messages
			WHERE queue = $2 AND not_before <= $3 AND leased_until <= $3
			ORDER BY not_before, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload`,
		now.Add(lease).UnixNano(), queue, now.UnixNano(),
	).Scan(&id, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeInvocation(payload)
}

func (q *PostgresQueue) Ack(ctx context.Context, queue, messageID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM taskq_messages WHERE id = $1 AND queue = $2`, messageID, queue)
	return err
}

func (q *PostgresQueue) Extend(ctx context.Context, queue, messageID string, lease time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE taskq_messages SET leased_until = $1
		WHERE id = $2 AND queue = $3 AND leased_until > 0`,
		q.clock.Now().Add(lease).UnixNano(), messageID, queue)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Len(queue string) int {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM taskq_messages WHERE queue = $1 AND leased_until <= $2`,
		queue, q.clock.Now().UnixNano()).Scan(&n)
	if err != nil {
		log.Printf("PostgresQueue: Len failed: %v", err)
		return 0
	}
	return n
}
