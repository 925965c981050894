package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "assistant:worker:"

// Redis key layout:
// - <prefix>queue       (list)  ready ids, LPUSH in / BLMOVE RIGHT out
// - <prefix>processing  (list)  leased ids
// - <prefix>retry       (zset)  score=due_unix, member=task id
type Redis struct {
	rdb           redis.Cmdable
	readyKey      string
	processingKey string
	retryKey      string
}

// NewRedis builds a transport on rdb. The caller owns the client lifecycle.
func NewRedis(rdb redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{
		rdb:           rdb,
		readyKey:      prefix + "queue",
		processingKey: prefix + "processing",
		retryKey:      prefix + "retry",
	}
}

func (q *Redis) Push(ctx context.Context, id string) error {
	if err := q.rdb.LPush(ctx, q.readyKey, id).Err(); err != nil {
		return fmt.Errorf("push %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	id, err := q.rdb.BLMove(ctx, q.readyKey, q.processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	return id, true, nil
}

func (q *Redis) Processing(ctx context.Context, limit int) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey, 0, int64(limit)-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read processing list: %w", err)
	}
	return ids, nil
}

func (q *Redis) Ack(ctx context.Context, id string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 0, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *Redis) ScheduleRetry(ctx context.Context, id string, due time.Time) error {
	err := q.rdb.ZAdd(ctx, q.retryKey, redis.Z{Score: float64(dueScore(due)), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	return nil
}

func (q *Redis) DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch due retries: %w", err)
	}
	return ids, nil
}

func (q *Redis) RemoveRetry(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, q.retryKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("remove retry %s: %w", id, err)
	}
	return n > 0, nil
}

func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	processing := pipe.LLen(ctx, q.processingKey)
	retry := pipe.ZCard(ctx, q.retryKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Ready: ready.Val(), Processing: processing.Val(), Retry: retry.Val()}, nil
}
