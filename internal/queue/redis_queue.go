package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetcore/internal/config"
)

// Delivery is a leased job id together with the lane it was delivered on.
type Delivery struct {
	JobID string
	Queue string
}

// RedisQueue is the delivery transport: per-lane ready lists, a scheduled set for
// delayed redelivery and an in-flight set holding lease deadlines.
// Scheduled and in-flight members are encoded as "<queue>|<job id>".
type RedisQueue struct {
	client        *redis.Client
	queues        []string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		queues:        queues,
		inflightKey:   "jobs:inflight",
		scheduledKey:  "jobs:scheduled",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying redis client for shared use (rate limiting).
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close releases the redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) readyKey(queue string) string {
	return fmt.Sprintf("jobs:ready:%s", queue)
}

func member(queue, jobID string) string {
	return queue + "|" + jobID
}

func splitMember(m string) (queue, jobID string, err error) {
	queue, jobID, ok := strings.Cut(m, "|")
	if !ok || queue == "" || jobID == "" {
		return "", "", fmt.Errorf("malformed queue member %q", m)
	}
	return queue, jobID, nil
}

func (q *RedisQueue) known(queue string) bool {
	for _, name := range q.queues {
		if name == queue {
			return true
		}
	}
	return false
}

// Push appends a job id to the ready list of its lane.
func (q *RedisQueue) Push(ctx context.Context, jobID, queue string) Result {
	if !q.known(queue) {
		return Undelivered(fmt.Errorf("queue %q is not served", queue))
	}
	if err := q.client.RPush(ctx, q.readyKey(queue), jobID).Err(); err != nil {
		return Undelivered(fmt.Errorf("push %s: %w", jobID, err))
	}
	return Delivered()
}

// PushAfter schedules a redelivery of the job once delay has elapsed.
func (q *RedisQueue) PushAfter(ctx context.Context, jobID, queue string, delay time.Duration) Result {
	if !q.known(queue) {
		return Undelivered(fmt.Errorf("queue %q is not served", queue))
	}
	runAt := time.Now().Add(delay)
	err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member(queue, jobID)}).Err()
	if err != nil {
		return Undelivered(fmt.Errorf("schedule %s: %w", jobID, err))
	}
	return Delivered()
}

// PromoteScheduled moves due scheduled deliveries into ready lists. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	return q.moveToReady(ctx, q.scheduledKey, members)
}

// DequeueWithLease pops a job from ready lists (configured lane order) and places it
// into in-flight with a visibility deadline. It returns a zero Delivery when idle.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Delivery, error) {
	keys := make([]string, 0, len(q.queues)+1)
	args := make([]any, 0, len(q.queues)+1)
	args = append(args, time.Now().Add(q.visibilityTTL).UnixMilli())
	for _, name := range q.queues {
		keys = append(keys, q.readyKey(name))
		args = append(args, name)
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, nil
	}
	if err != nil {
		return Delivery{}, err
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return Delivery{}, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, _ := pair[0].(string)
	queue, _ := pair[1].(string)
	if jobID == "" || queue == "" {
		return Delivery{}, fmt.Errorf("unexpected reply from dequeue script: %v", pair)
	}
	return Delivery{JobID: jobID, Queue: queue}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: member(d.Queue, d.JobID),
	}).Err()
}

// Ack removes a delivery from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey, member(d.Queue, d.JobID)).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. It returns the reclaimed job ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if _, err := q.moveToReady(ctx, q.inflightKey, members); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if _, id, err := splitMember(m); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, members []string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	moved := 0
	for _, m := range members {
		pipe.ZRem(ctx, from, m)
		queue, jobID, err := splitMember(m)
		if err != nil {
			continue
		}
		if !q.known(queue) {
			queue = q.queues[0]
		}
		pipe.RPush(ctx, q.readyKey(queue), jobID)
		moved++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return moved, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.queues))
	for _, name := range q.queues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// ScheduledDepth returns the number of pending delayed redeliveries.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// KEYS: ready lists in lane order, then the in-flight set.
// ARGV: lease deadline, then the lane names matching KEYS.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    local queue = ARGV[i+1]
    redis.call('ZADD', inflight, ARGV[1], queue .. '|' .. job)
    return {job, queue}
  end
end
return nil
`)
