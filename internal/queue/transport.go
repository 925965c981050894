// Package queue holds the volatile hand-off layer between enqueue and the
// dispatcher: a ready list, a processing list of leased ids and a retry set
// ordered by due time. The store remains the system of record; everything
// here can be rebuilt from it.
package queue

import (
	"context"
	"time"
)

type Stats struct {
	Ready      int64
	Processing int64
	Retry      int64
}

type Transport interface {
	// Push appends a task id to the ready list.
	Push(ctx context.Context, id string) error
	// Dequeue atomically moves the oldest ready id onto the processing
	// list. ok is false when nothing arrived within timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (id string, ok bool, err error)
	// Processing returns up to limit ids currently leased.
	Processing(ctx context.Context, limit int) ([]string, error)
	// Ack removes id from the processing list.
	Ack(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, due time.Time) error
	// DueRetries returns up to limit ids whose due time is <= now.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error)
	// RemoveRetry reports whether id was present in the retry set.
	RemoveRetry(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
}

// dueScore is the retry-set score for due: epoch seconds rounded up, so an
// entry is never reported due before its time.
func dueScore(due time.Time) int64 {
	sec := due.Unix()
	if due.Nanosecond() > 0 {
		sec++
	}
	return sec
}
