package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/taskq/pkg/api"
)

// RedisQueue implements Broker using Redis.
//
// For each queue it keeps the keys
//
//	<prefix>queue:<name>:ready     LIST of message ids, FIFO
//	<prefix>queue:<name>:delayed   ZSET of message ids scored by visibility time (ms)
//	<prefix>queue:<name>:inflight  ZSET of message ids scored by lease expiry (ms)
//
// and stores each encoded invocation under <prefix>msg:<id>. Promotion of
// due delayed messages, recovery of expired leases and the claim itself run
// in one Lua script, so a message is never leased twice.
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Broker.
// prefix is optional but recommended (e.g. "taskq:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "taskq:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: defaultPollInterval,
	}
}

var (
	_ api.Broker        = (*RedisQueue)(nil)
	_ api.LeaseExtender = (*RedisQueue)(nil)
)

func (q *RedisQueue) readyKey(queue string) string    { return q.prefix + "queue:" + queue + ":ready" }
func (q *RedisQueue) delayedKey(queue string) string  { return q.prefix + "queue:" + queue + ":delayed" }
func (q *RedisQueue) inflightKey(queue string) string { return q.prefix + "queue:" + queue + ":inflight" }
func (q *RedisQueue) msgPrefix() string               { return q.prefix + "msg:" }

// claimScript moves due delayed messages and expired leases to the ready
// list, then pops one id and leases it.
//
// KEYS[1] = ready, KEYS[2] = delayed, KEYS[3] = inflight
// ARGV[1] = now (ms), ARGV[2] = lease expiry (ms), ARGV[3] = message key prefix
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('LPUSH', KEYS[1], id)
end
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local body = redis.call('GET', ARGV[3] .. id)
	if body then
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		return {id, body}
	end
end
`)

// extendScript renews a lease only if the message is still in flight.
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Enqueue stores the message body and pushes its id onto the ready list, or
// onto the delayed set when inv.NotBefore is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, inv *api.Invocation) error {
	now := time.Now()
	visibleAt := prepare(inv, now)
	data, err := EncodeInvocation(inv)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgPrefix()+inv.ID, data, 0)
	if visibleAt.After(now) {
		pipe.ZAdd(ctx, q.delayedKey(queue), redis.Z{
			Score:  float64(visibleAt.UnixMilli()),
			Member: inv.ID,
		})
	} else {
		pipe.RPush(ctx, q.readyKey(queue), inv.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, wait, lease time.Duration) (*api.Invocation, error) {
	return poll(ctx, wait, q.pollInterval, func() (*api.Invocation, error) {
		return q.claim(ctx, queue, lease)
	})
}

func (q *RedisQueue) claim(ctx context.Context, queue string, lease time.Duration) (*api.Invocation, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(queue), q.delayedKey(queue), q.inflightKey(queue)},
		now.UnixMilli(), now.Add(lease).UnixMilli(), q.msgPrefix(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 2 {
		log.Printf("RedisQueue: claim returned unexpected result: %#v", res)
		return nil, nil
	}
	body, ok := res[1].(string)
	if !ok {
		log.Printf("RedisQueue: claim returned unexpected body type %T", res[1])
		return nil, nil
	}
	return DecodeInvocation([]byte(body))
}

// Ack deletes the message body and removes its id from every structure of
// the queue.
func (q *RedisQueue) Ack(ctx context.Context, queue, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(queue), messageID)
	pipe.ZRem(ctx, q.delayedKey(queue), messageID)
	pipe.LRem(ctx, q.readyKey(queue), 0, messageID)
	pipe.Del(ctx, q.msgPrefix()+messageID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Extend(ctx context.Context, queue, messageID string, lease time.Duration) error {
	n, err := extendScript.Run(ctx, q.client,
		[]string{q.inflightKey(queue)},
		messageID, time.Now().Add(lease).UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

// Len returns LLEN(ready) + ZCARD(delayed).
func (q *RedisQueue) Len(queue string) int {
	ctx := context.Background()
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey(queue))
	delayed := pipe.ZCard(ctx, q.delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		log.Printf("RedisQueue: Len failed: %v", err)
		return 0
	}
	return int(ready.Val() + delayed.Val())
}
