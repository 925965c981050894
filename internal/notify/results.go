package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"taskcore/internal/domain"
)

const (
	DefaultResultPrefix = "assistant:worker:result:"
	DefaultMaxItems     = 200
	DefaultResultTTL    = 24 * time.Hour
)

// ResultQueue is the durable per-owner mailbox polled by disconnected
// clients. It is bounded (oldest evicted) and expires when idle.
type ResultQueue interface {
	Append(ctx context.Context, owner string, env domain.Envelope) error
	PopMany(ctx context.Context, owner string, limit int) ([]domain.Envelope, error)
}

type RedisResults struct {
	rdb      redis.Cmdable
	prefix   string
	maxItems int64
	ttl      time.Duration
}

func NewRedisResults(rdb redis.Cmdable, prefix string, maxItems int, ttl time.Duration) *RedisResults {
	if prefix == "" {
		prefix = DefaultResultPrefix
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisResults{rdb: rdb, prefix: prefix, maxItems: int64(maxItems), ttl: ttl}
}

func (r *RedisResults) key(owner string) string { return r.prefix + owner }

func (r *RedisResults) Append(ctx context.Context, owner string, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	key := r.key(owner)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -r.maxItems, -1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append result for %s: %w", owner, err)
	}
	return nil
}

func (r *RedisResults) PopMany(ctx context.Context, owner string, limit int) ([]domain.Envelope, error) {
	raws, err := r.rdb.LPopCount(ctx, r.key(owner), clampLimit(limit)).Result()
	if errors.Is(err, redis.Nil) {
		return []domain.Envelope{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop results for %s: %w", owner, err)
	}
	out := make([]domain.Envelope, 0, len(raws))
	for _, raw := range raws {
		var env domain.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// MemoryResults is the in-process ResultQueue used when no Redis is
// configured.
type MemoryResults struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	maxItems int
	ttl      time.Duration
	clock    clock.Clock
}

type memoryQueue struct {
	items     []domain.Envelope
	expiresAt time.Time
}

func NewMemoryResults(maxItems int, ttl time.Duration, clk clock.Clock) *MemoryResults {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryResults{queues: make(map[string]*memoryQueue), maxItems: maxItems, ttl: ttl, clock: clk}
}

func (m *MemoryResults) Append(_ context.Context, owner string, env domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	q := m.live(owner, now)
	if q == nil {
		q = &memoryQueue{}
		m.queues[owner] = q
	}
	q.items = append(q.items, env)
	if len(q.items) > m.maxItems {
		q.items = q.items[len(q.items)-m.maxItems:]
	}
	q.expiresAt = now.Add(m.ttl)
	return nil
}

func (m *MemoryResults) PopMany(_ context.Context, owner string, limit int) ([]domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.live(owner, m.clock.Now())
	if q == nil {
		return []domain.Envelope{}, nil
	}
	n := min(clampLimit(limit), len(q.items))
	out := make([]domain.Envelope, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		delete(m.queues, owner)
	}
	return out, nil
}

// live returns owner's queue, dropping it when expired. Caller holds mu.
func (m *MemoryResults) live(owner string, now time.Time) *memoryQueue {
	q, ok := m.queues[owner]
	if !ok {
		return nil
	}
	if !now.Before(q.expiresAt) {
		delete(m.queues, owner)
		return nil
	}
	return q
}

func clampLimit(limit int) int {
	return max(1, min(limit, 100))
}
