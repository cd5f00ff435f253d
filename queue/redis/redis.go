// Package redis provides a Redis implementation of entitlement.TaskQueue.
// Due tasks live in a sorted set scored by run time; Lua scripts make each
// queue transition atomic so several workers can share one queue.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Queue implements entitlement.TaskQueue using Redis
type Queue struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis queue configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:queue:")
	KeyPrefix string

	// LeaseTimeout returns a dequeued task to the queue if it is neither
	// completed nor retried in time (default: 5m)
	LeaseTimeout time.Duration

	// FailedLimit caps the failed task list (default: 1000)
	FailedLimit int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "goentitle:queue:",
		LeaseTimeout: 5 * time.Minute,
		FailedLimit:  1000,
	}
}

// New creates a new Redis task queue
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	def := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = def.LeaseTimeout
	}
	if config.FailedLimit <= 0 {
		config.FailedLimit = def.FailedLimit
	}

	q := &Queue{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	q.loadScripts()
	return q, nil
}

func (q *Queue) loadScripts() {
	// Replace a queued, unleased task with the same dedupe key. The attempt
	// count of the earlier task carries over.
	q.scripts["enqueue"] = redis.NewScript(`
		local keyIdx = KEYS[1]
		local due = KEYS[2]
		local leased = KEYS[3]
		local id = ARGV[1]
		local body = ARGV[2]
		local runAt = tonumber(ARGV[3])
		local taskPrefix = ARGV[4]

		local old = redis.call('GET', keyIdx)
		if old then
			local prev = redis.call('GET', taskPrefix .. old)
			if prev then
				local attempts = tonumber(cjson.decode(prev)['attempts']) or 0
				if attempts > tonumber(ARGV[5]) then
					local task = cjson.decode(body)
					task['attempts'] = attempts
					body = cjson.encode(task)
				end
			end
		end
		if old and redis.call('ZSCORE', leased, old) == false then
			local score = redis.call('ZSCORE', due, old)
			if score then
				if tonumber(score) < runAt then
					runAt = tonumber(score)
				end
				redis.call('ZREM', due, old)
				redis.call('DEL', taskPrefix .. old)
			end
		end

		redis.call('SET', taskPrefix .. id, body)
		redis.call('ZADD', due, runAt, id)
		redis.call('SET', keyIdx, id)
		return runAt
	`)

	// Reclaim expired leases, then lease the earliest due task
	q.scripts["dequeue"] = redis.NewScript(`
		local due = KEYS[1]
		local leased = KEYS[2]
		local now = tonumber(ARGV[1])
		local lease = tonumber(ARGV[2])
		local taskPrefix = ARGV[3]

		local expired = redis.call('ZRANGEBYSCORE', leased, '-inf', now)
		for _, id in ipairs(expired) do
			redis.call('ZREM', leased, id)
			redis.call('ZADD', due, now, id)
		end

		local ids = redis.call('ZRANGEBYSCORE', due, '-inf', now, 'LIMIT', 0, 1)
		if #ids == 0 then
			return false
		end
		local id = ids[1]
		redis.call('ZREM', due, id)

		local body = redis.call('GET', taskPrefix .. id)
		if not body then
			return false
		end
		redis.call('ZADD', leased, now + lease, id)
		return body
	`)

	q.scripts["retry"] = redis.NewScript(`
		local due = KEYS[1]
		local leased = KEYS[2]
		local taskKey = KEYS[3]
		local id = ARGV[1]

		redis.call('ZREM', leased, id)
		redis.call('SET', taskKey, ARGV[2])
		redis.call('ZADD', due, tonumber(ARGV[3]), id)
		return 1
	`)

	// Remove a task; with a body in ARGV[2] it is pushed to the failed list
	q.scripts["remove"] = redis.NewScript(`
		local due = KEYS[1]
		local leased = KEYS[2]
		local taskKey = KEYS[3]
		local keyIdx = KEYS[4]
		local failed = KEYS[5]
		local id = ARGV[1]

		redis.call('ZREM', due, id)
		redis.call('ZREM', leased, id)
		redis.call('DEL', taskKey)
		if redis.call('GET', keyIdx) == id then
			redis.call('DEL', keyIdx)
		end
		if ARGV[2] ~= '' then
			redis.call('LPUSH', failed, ARGV[2])
			redis.call('LTRIM', failed, 0, tonumber(ARGV[3]) - 1)
		end
		return 1
	`)
}

func (q *Queue) dueKey() string    { return q.config.KeyPrefix + "due" }
func (q *Queue) leasedKey() string { return q.config.KeyPrefix + "leased" }
func (q *Queue) failedKey() string { return q.config.KeyPrefix + "failed" }
func (q *Queue) taskPrefix() string {
	return q.config.KeyPrefix + "task:"
}
func (q *Queue) dedupeKey(key string) string {
	return q.config.KeyPrefix + "key:" + key
}

// Enqueue implements entitlement.TaskQueue
func (q *Queue) Enqueue(ctx context.Context, task *entitlement.Task) error {
	t := *task
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.RunAt.IsZero() {
		t.RunAt = t.CreatedAt
	}
	t.Status = entitlement.TaskQueued

	body, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	keys := []string{q.dedupeKey(t.Key), q.dueKey(), q.leasedKey()}
	err = q.scripts["enqueue"].Run(ctx, q.client, keys,
		t.ID, string(body), t.RunAt.UnixMilli(), q.taskPrefix(), t.Attempts).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue implements entitlement.TaskQueue
func (q *Queue) Dequeue(ctx context.Context, now time.Time) (*entitlement.Task, error) {
	keys := []string{q.dueKey(), q.leasedKey()}
	body, err := q.scripts["dequeue"].Run(ctx, q.client, keys,
		now.UnixMilli(), q.config.LeaseTimeout.Milliseconds(), q.taskPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}

	var task entitlement.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// Complete implements entitlement.TaskQueue
func (q *Queue) Complete(ctx context.Context, task *entitlement.Task) error {
	return q.remove(ctx, task, "")
}

// Retry implements entitlement.TaskQueue
func (q *Queue) Retry(ctx context.Context, task *entitlement.Task, runAt time.Time, cause error) error {
	t := *task
	t.RunAt = runAt
	if cause != nil {
		t.LastError = cause.Error()
	}
	body, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	keys := []string{q.dueKey(), q.leasedKey(), q.taskPrefix() + t.ID}
	if err := q.scripts["retry"].Run(ctx, q.client, keys, t.ID, string(body), runAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

// Fail implements entitlement.TaskQueue
func (q *Queue) Fail(ctx context.Context, task *entitlement.Task, cause error) error {
	t := *task
	t.Status = entitlement.TaskFailed
	if cause != nil {
		t.LastError = cause.Error()
	}
	body, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return q.remove(ctx, task, string(body))
}

func (q *Queue) remove(ctx context.Context, task *entitlement.Task, failedBody string) error {
	keys := []string{
		q.dueKey(),
		q.leasedKey(),
		q.taskPrefix() + task.ID,
		q.dedupeKey(task.Key),
		q.failedKey(),
	}
	err := q.scripts["remove"].Run(ctx, q.client, keys, task.ID, failedBody, q.config.FailedLimit).Err()
	if err != nil {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	return nil
}

// ListFailed implements entitlement.TaskQueue
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*entitlement.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	bodies, err := q.client.LRange(ctx, q.failedKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed tasks: %w", err)
	}

	tasks := make([]*entitlement.Task, 0, len(bodies))
	for _, body := range bodies {
		var task entitlement.Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// Len returns the number of queued and leased tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	due := pipe.ZCard(ctx, q.dueKey())
	leased := pipe.ZCard(ctx, q.leasedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return due.Val() + leased.Val(), nil
}
