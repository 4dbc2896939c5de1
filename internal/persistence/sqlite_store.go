package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

// SQLiteStore is a ResultStore backed by SQLite. Expiry deadlines are unix
// nanoseconds, 0 meaning no expiry.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteStore initializes the schema in the given DB and returns a store.
func NewSQLiteStore(db *sql.DB, opts Options) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS taskq_status (
			task_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS taskq_kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
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
	_ api.ResultStore = (*SQLiteStore)(nil)
	_ api.Purger      = (*SQLiteStore)(nil)
)

// PutStatus upserts st. The conflict branch only fires when the stored row
// has expired or its state may move to st.State; otherwise no row changes.
func (s *SQLiteStore) PutStatus(ctx context.Context, st *api.TaskStatus) error {
	data, err := EncodeStatus(st)
	if err != nil {
		return err
	}
	now := s.opts.Clock.Now()
	args := []any{st.TaskID, string(st.State), data, now.UnixNano(), expiresAt(now, s.opts.statusTTL(st)), now.UnixNano()}

	guard := "0"
	if from := stateNames(api.AllowedFrom(st.State)); len(from) > 0 {
		guard = "taskq_status.state IN (?" + strings.Repeat(", ?", len(from)-1) + ")"
		for _, f := range from {
			args = append(args, f)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO taskq_status (task_id, state, payload, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		WHERE (taskq_status.expires_at <> 0 AND taskq_status.expires_at <= ?) OR `+guard,
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

func (s *SQLiteStore) GetStatus(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM taskq_status
		WHERE task_id = ? AND (expires_at = 0 OR expires_at > ?)`,
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

func (s *SQLiteStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taskq_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt(s.opts.Clock.Now(), ttl),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT CAST(value AS BLOB) FROM taskq_kv
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
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

func (s *SQLiteStore) AtomicDecrement(ctx context.Context, key string, by int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE taskq_kv
		SET value = CAST(CAST(value AS TEXT) AS INTEGER) - ?
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
		RETURNING CAST(value AS INTEGER)`,
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

func (s *SQLiteStore) AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("AtomicIncrement %q: ttl must be positive", key)
	}
	now := s.opts.Clock.Now()

	// An expired row is reset as if it did not exist.
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO taskq_kv (key, value, expires_at) VALUES (?1, ?2, ?3)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN taskq_kv.expires_at <> 0 AND taskq_kv.expires_at <= ?4 THEN excluded.value
				ELSE CAST(CAST(taskq_kv.value AS TEXT) AS INTEGER) + excluded.value
			END,
			expires_at = CASE
				WHEN taskq_kv.expires_at <> 0 AND taskq_kv.expires_at <= ?4 THEN excluded.expires_at
				ELSE taskq_kv.expires_at
			END
		RETURNING CAST(value AS INTEGER)`,
		key, by, expiresAt(now, ttl), now.UnixNano(),
	).Scan(&n)
	return n, err
}

// PurgeExpired deletes expired status records and values.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.opts.Clock.Now().UnixNano()
	total := 0
	for _, table := range []string{"taskq_status", "taskq_kv"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at <> 0 AND expires_at <= ?`, now)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
