// Package persistence contains the ResultStore implementations used for task
// status records and the small keyed values behind chord counters, workflow
// records and rate limit windows.
//
// Stores that cannot expire data natively (memory, SQLite, PostgreSQL) hide
// expired entries on read and implement api.Purger for periodic cleanup.
// Redis and MongoDB expire data themselves.
package persistence

import (
	"strconv"
	"time"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/pkg/api"
)

// DefaultResultTTL is how long terminal status records are kept when
// Options.ResultTTL is zero.
const DefaultResultTTL = time.Hour

// Options configures a result store.
type Options struct {
	// ResultTTL is how long a status record is kept once it reaches a
	// terminal state. Negative keeps records forever.
	ResultTTL time.Duration

	// Prefix namespaces keys in shared key-value backends (Redis).
	Prefix string

	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ResultTTL == 0 {
		o.ResultTTL = DefaultResultTTL
	}
	if o.Prefix == "" {
		o.Prefix = "taskq:"
	}
	o.Clock = clock.OrReal(o.Clock)
	return o
}

// statusTTL returns the expiry to apply to st, or 0 for none.
func (o Options) statusTTL(st *api.TaskStatus) time.Duration {
	if !st.State.Terminal() || o.ResultTTL < 0 {
		return 0
	}
	return o.ResultTTL
}

// expiresAt converts a ttl into a unix-nano deadline, 0 meaning never.
func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// EncodeCounter formats n the way the stores expect counter values.
func EncodeCounter(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

func DecodeCounter(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
