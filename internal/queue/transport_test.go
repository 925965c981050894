package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transports(t *testing.T) map[string]Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Transport{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb, "test:"),
	}
}

func TestReliableHandOff(t *testing.T) {
	for name, q := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Push(ctx, "a"))
			require.NoError(t, q.Push(ctx, "b"))

			id, ok, err := q.Dequeue(ctx, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a", id, "fresh work is FIFO")

			processing, err := q.Processing(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, processing)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Ready: 1, Processing: 1}, stats)

			require.NoError(t, q.Ack(ctx, "a"))
			processing, err = q.Processing(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, processing)

			id, ok, err = q.Dequeue(ctx, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "b", id)
		})
	}
}

func TestDequeueTimeoutIsNotAnError(t *testing.T) {
	for name, q := range transports(t) {
		t.Run(name, func(t *testing.T) {
			id, ok, err := q.Dequeue(context.Background(), time.Second)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, id)
		})
	}
}

func TestRetrySet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, q := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.ScheduleRetry(ctx, "late", now.Add(time.Minute)))
			require.NoError(t, q.ScheduleRetry(ctx, "second", now.Add(-time.Second)))
			require.NoError(t, q.ScheduleRetry(ctx, "first", now.Add(-time.Minute)))

			due, err := q.DueRetries(ctx, now, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"first", "second"}, due)

			due, err = q.DueRetries(ctx, now, 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"first"}, due)

			removed, err := q.RemoveRetry(ctx, "first")
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = q.RemoveRetry(ctx, "first")
			require.NoError(t, err)
			assert.False(t, removed)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, stats.Retry)
		})
	}
}

func TestRetryIsNeverDueEarly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, q := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.ScheduleRetry(ctx, "x", now.Add(300*time.Millisecond)))

			due, err := q.DueRetries(ctx, now.Add(299*time.Millisecond), 10)
			require.NoError(t, err)
			assert.Empty(t, due)

			due, err = q.DueRetries(ctx, now.Add(time.Second), 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, due)
		})
	}
}

func TestMemoryDequeueWakesOnPush(t *testing.T) {
	q := NewMemory()
	done := make(chan string, 1)
	go func() {
		id, _, _ := q.Dequeue(context.Background(), 5*time.Second)
		done <- id
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(context.Background(), "x"))

	select {
	case id := <-done:
		assert.Equal(t, "x", id)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake on push")
	}
}
