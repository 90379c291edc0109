package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/models"
)

// Outcome tags an acknowledged delivery for archival.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Counts is a point-in-time census of one queue. Total is the sum of
// the five buckets.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

func (c Counts) sum() Counts {
	c.Total = c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
	return c
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates the ready list, delayed set, in-flight leases,
// and finished-job archives for one job type.
type RedisQueue struct {
	client        *redis.Client
	name          string
	visibilityTTL time.Duration
}

// NewRedisQueue wraps an existing client for the named queue. Several
// queues may share one client.
func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		name:          name,
		visibilityTTL: visibility,
	}
}

// ForJobTypes builds one queue per known job type, all sharing client.
func ForJobTypes(client *redis.Client, visibility time.Duration) map[models.JobType]*RedisQueue {
	queues := make(map[models.JobType]*RedisQueue, len(models.JobTypes()))
	for _, jt := range models.JobTypes() {
		queues[jt] = NewRedisQueue(client, string(jt), visibility)
	}
	return queues
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) readyKey() string    { return fmt.Sprintf("queue:%s:ready", q.name) }
func (q *RedisQueue) inflightKey() string { return fmt.Sprintf("queue:%s:inflight", q.name) }
func (q *RedisQueue) delayedKey() string  { return fmt.Sprintf("queue:%s:delayed", q.name) }
func (q *RedisQueue) metaPrefix() string  { return fmt.Sprintf("queue:%s:msg:", q.name) }
func (q *RedisQueue) metaKey(jobID string) string { return q.metaPrefix() + jobID }

func (q *RedisQueue) archiveKey(outcome Outcome) string {
	return fmt.Sprintf("queue:%s:%s", q.name, outcome)
}

// Enqueue inserts a job at the tail of the ready list, or into the
// delayed set when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "enqueued_at", time.Now().UnixMilli())
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue pops the oldest ready job and leases it for the visibility
// window. The delivery count is incremented atomically with the pop, so
// the first delivery observes attempts == 1. ok is false when the
// queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (msg models.QueueMessage, ok bool, err error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey()},
		deadline, q.metaPrefix(),
	).Result()
	if err == redis.Nil {
		return models.QueueMessage{}, false, nil
	}
	if err != nil {
		return models.QueueMessage{}, false, err
	}

	fields, ok2 := res.([]interface{})
	if !ok2 || len(fields) != 3 {
		return models.QueueMessage{}, false, fmt.Errorf("unexpected reply from dequeue script: %#v", res)
	}
	jobID, _ := fields[0].(string)
	attempts, _ := fields[1].(int64)
	enqueuedAt := time.Now()
	if raw, ok3 := fields[2].(string); ok3 {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil && ms > 0 {
			enqueuedAt = time.UnixMilli(ms)
		}
	}
	return models.QueueMessage{
		JobID:      jobID,
		Attempts:   int(attempts),
		EnqueuedAt: enqueuedAt,
	}, true, nil
}

// Ack settles an in-flight delivery, archiving the job id under the
// given outcome so the finished buckets stay countable and purgeable.
func (q *RedisQueue) Ack(ctx context.Context, jobID string, outcome Outcome) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.ZAdd(ctx, q.archiveKey(outcome), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Nack returns an in-flight delivery to the delayed set for retry after
// delay. The message meta (and with it the attempt count) survives.
func (q *RedisQueue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: jobID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed jobs into the ready list. It returns
// how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims in-flight deliveries whose lease deadline has
// passed, pushing them back onto the ready list. The next dequeue
// observes an incremented attempt count.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Counts reads the five bucket sizes in one round trip.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey())
	active := pipe.ZCard(ctx, q.inflightKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.ZCard(ctx, q.archiveKey(OutcomeCompleted))
	failed := pipe.ZCard(ctx, q.archiveKey(OutcomeFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}.sum(), nil
}

// PurgeOlderThan drops archive entries finished before cutoff and evicts
// waiting, delayed, and in-flight jobs enqueued before cutoff. Entries
// with no surviving meta record count as stale.
func (q *RedisQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := fmt.Sprintf("%d", cutoff.UnixMilli())

	var purged int64
	for _, outcome := range []Outcome{OutcomeCompleted, OutcomeFailed} {
		n, err := q.client.ZRemRangeByScore(ctx, q.archiveKey(outcome), "-inf", cutoffMs).Result()
		if err != nil {
			return purged, err
		}
		purged += n
	}

	ready, err := q.client.LRange(ctx, q.readyKey(), 0, -1).Result()
	if err != nil {
		return purged, err
	}
	for _, id := range ready {
		stale, err := q.enqueuedBefore(ctx, id, cutoff)
		if err != nil {
			return purged, err
		}
		if !stale {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.readyKey(), 0, id)
		pipe.Del(ctx, q.metaKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, err
		}
		purged++
	}

	for _, key := range []string{q.delayedKey(), q.inflightKey()} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return purged, err
		}
		for _, id := range ids {
			stale, err := q.enqueuedBefore(ctx, id, cutoff)
			if err != nil {
				return purged, err
			}
			if !stale {
				continue
			}
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, key, id)
			pipe.Del(ctx, q.metaKey(id))
			if _, err := pipe.Exec(ctx); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

func (q *RedisQueue) enqueuedBefore(ctx context.Context, jobID string, cutoff time.Time) (bool, error) {
	raw, err := q.client.HGet(ctx, q.metaKey(jobID), "enqueued_at").Result()
	if err == redis.Nil {
		return true, nil // orphaned entry, no meta to vouch for it
	}
	if err != nil {
		return false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true, nil
	}
	return time.UnixMilli(ms).Before(cutoff), nil
}

// Obliterate deletes every key belonging to this queue.
func (q *RedisQueue) Obliterate(ctx context.Context) error {
	pattern := fmt.Sprintf("queue:%s:*", q.name)
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local meta = ARGV[2] .. job
local attempts = redis.call('HINCRBY', meta, 'attempts', 1)
local enqueued = redis.call('HGET', meta, 'enqueued_at')
if not enqueued then
  enqueued = '0'
end
return {job, attempts, enqueued}
`)
