package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/taskq/pkg/api"
)

// RedisStore is a ResultStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>status:<task id>  => JSON status record, expiring once terminal
//	<prefix>kv:<key>          => raw value; counters are plain integers
//
// Expiry is native, so there is nothing to purge.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
}

// NewRedisStore creates a RedisStore. opts.Prefix defaults to "taskq:".
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults()}
}

var _ api.ResultStore = (*RedisStore)(nil)

// decrScript refuses to create missing counters.
var decrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('DECRBY', KEYS[1], ARGV[1])
`)

// incrScript sets the expiry only when the key is created.
var incrScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if existed == 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// putStatusScript replaces the record in KEYS[1] with ARGV[1] only if no
// record exists or its state is one of ARGV[3:]. ARGV[2] is the expiry in
// milliseconds, 0 for none.
var putStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local state = cjson.decode(cur)['state']
	local allowed = false
	for i = 3, #ARGV do
		if ARGV[i] == state then
			allowed = true
			break
		end
	end
	if not allowed then
		return 0
	end
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

func (s *RedisStore) statusKey(taskID string) string { return s.opts.Prefix + "status:" + taskID }
func (s *RedisStore) valueKey(key string) string     { return s.opts.Prefix + "kv:" + key }

func (s *RedisStore) PutStatus(ctx context.Context, st *api.TaskStatus) error {
	data, err := EncodeStatus(st)
	if err != nil {
		return err
	}
	args := []any{data, s.opts.statusTTL(st).Milliseconds()}
	for _, f := range stateNames(api.AllowedFrom(st.State)) {
		args = append(args, f)
	}
	ok, err := putStatusScript.Run(ctx, s.client, []string{s.statusKey(st.TaskID)}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return rejectTransition(st)
	}
	return nil
}

func (s *RedisStore) GetStatus(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	data, err := s.client.Get(ctx, s.statusKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrStatusNotFound
		}
		return nil, err
	}
	return DecodeStatus(data)
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, s.valueKey(key), value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.valueKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) AtomicDecrement(ctx context.Context, key string, by int64) (int64, error) {
	n, err := decrScript.Run(ctx, s.client, []string{s.valueKey(key)}, by).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, api.ErrKeyNotFound
		}
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("AtomicIncrement %q: ttl must be positive", key)
	}
	return incrScript.Run(ctx, s.client, []string{s.valueKey(key)}, by, ttl.Milliseconds()).Int64()
}
