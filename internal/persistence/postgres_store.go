package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

// PostgresStore is a ResultStore backed by PostgreSQL through database/sql
// and the pgx driver. Counters are decimal text in a BYTEA column and are
// converted inside the UPDATE, so decrements are atomic.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

// NewPostgresStore creates the schema if needed and returns a store.
func NewPostgresStore(db *sql.DB, opts Options) (*PostgresStore, error) {
	s := &PostgresStore{db: db, opts: opts.withDefaults()}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS taskq_status (
			task_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			payload BYTEA NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS taskq_kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ api.ResultStore = (*PostgresStore)(nil)
	_ api.Purger      = (*PostgresStore)(nil)
)

// PutStatus upserts st unless the stored row is live and may not move to
// st.State, in which case it reports ErrInvalidTransition.
func (s *PostgresStore) PutStatus(ctx context.Context, st *api.TaskStatus) error {
	data, err := EncodeStatus(st)
	if err != nil {
		return err
	}
	now := s.opts.Clock.Now()
	args := []any{st.TaskID, string(st.State), data, now.UnixNano(), expiresAt(now, s.opts.statusTTL(st)), now.UnixNano()}

	guard := "FALSE"
	if from := stateNames(api.AllowedFrom(st.State)); len(from) > 0 {
		marks := make([]string, len(from))
		for i, f := range from {
			args = append(args, f)
			marks[i] = "$" + strconv.Itoa(len(args))
		}
		guard = "taskq_status.state IN (" + strings.Join(marks, ", ") + ")"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO taskq_status (task_id, state, payload, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE (taskq_status.expires_at <> 0 AND taskq_status.expires_at <= $6) OR `+guard,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rejectTransition(st)
	}
	return nil
}

func (s *PostgresStore) GetStatus(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM taskq_status
		WHERE task_id = $1 AND (expires_at = 0 OR expires_at > $2)`,
		taskID, s.opts.Clock.Now().UnixNano(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrStatusNotFound
		}
		return nil, err
	}
	return DecodeStatus(data)
}

func (s *PostgresStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taskq_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt(s.opts.Clock.Now(), ttl),
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM taskq_kv
		WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`,
		key, s.opts.Clock.Now().UnixNano(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *PostgresStore) AtomicDecrement(ctx context.Context, key string, by int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE taskq_kv
		SET value = convert_to((convert_from(value, 'UTF8')::bigint - $1::bigint)::text, 'UTF8')
		WHERE key = $2 AND (expires_at = 0 OR expires_at > $3)
		RETURNING convert_from(value, 'UTF8')::bigint`,
		by, key, s.opts.Clock.Now().UnixNano(),
	).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, api.ErrKeyNotFound
		}
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("AtomicIncrement %q: ttl must be positive", key)
	}
	now := s.opts.Clock.Now()

	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO taskq_kv (key, value, expires_at)
		VALUES ($1, convert_to($2::bigint::text, 'UTF8'), $3)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN taskq_kv.expires_at <> 0 AND taskq_kv.expires_at <= $4 THEN EXCLUDED.value
				ELSE convert_to((convert_from(taskq_kv.value, 'UTF8')::bigint + $2::bigint)::text, 'UTF8')
			END,
			expires_at = CASE
				WHEN taskq_kv.expires_at <> 0 AND taskq_kv.expires_at <= $4 THEN EXCLUDED.expires_at
				ELSE taskq_kv.expires_at
			END
		RETURNING convert_from(value, 'UTF8')::bigint`,
		key, by, expiresAt(now, ttl), now.UnixNano(),
	).Scan(&n)
	return n, err
}

// PurgeExpired deletes expired status records and values.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.opts.Clock.Now().UnixNano()
	total := 0
	for _, table := range []string{"taskq_status", "taskq_kv"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at <> 0 AND expires_at <= $1`, now)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
