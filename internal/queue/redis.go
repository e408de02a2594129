package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kujo/internal/model"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

const keyPrefix = "kujo:queue:"

func readyKey(queue string) string   { return keyPrefix + queue }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }

// promoteScript moves due members of a delayed set onto the ready list in
// one step so two consumers never both deliver the same retry.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisQueue keeps each queue as a list consumed with BRPOP and a sorted
// set of delayed retries scored by due time.
type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisQueue connects to url (redis://...) and verifies the server is
// reachable.
func NewRedisQueue(ctx context.Context, url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	return NewRedisQueueFromClient(client), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey(queue), data).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", queue, err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (model.Job, bool, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, []string{delayedKey(queue), readyKey(queue)}, now).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return model.Job{}, false, ErrClosed
		}
		return model.Job{}, false, fmt.Errorf("queue: promote delayed %s: %w", queue, err)
	}

	res, err := q.client.BRPop(ctx, wait, readyKey(queue)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return model.Job{}, false, nil
	case errors.Is(err, redis.ErrClosed):
		return model.Job{}, false, ErrClosed
	case err != nil:
		if ctx.Err() != nil {
			return model.Job{}, false, ctx.Err()
		}
		return model.Job{}, false, fmt.Errorf("queue: dequeue %s: %w", queue, err)
	}

	// res is [key, value].
	var job model.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return model.Job{}, false, fmt.Errorf("queue: decode job: %w", err)
	}
	return job, true, nil
}

// Retry implements Queue.
func (q *RedisQueue) Retry(ctx context.Context, queue string, job model.Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	due := float64(q.now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("queue: schedule retry on %s: %w", queue, err)
	}
	return nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context, queue string) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, readyKey(queue))
	later := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: length of %s: %w", queue, err)
	}
	return int(ready.Val() + later.Val()), nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
