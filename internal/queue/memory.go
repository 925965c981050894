package queue

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Transport for single-binary deployments and
// tests. It loses everything on restart; the dispatcher's store sweeps
// recover running work but not queued ids.
type Memory struct {
	mu         sync.Mutex
	ready      []string
	processing []string
	retry      map[string]int64
	wake       chan struct{}
}

func NewMemory() *Memory {
	return &Memory{retry: make(map[string]int64), wake: make(chan struct{})}
}

func (m *Memory) Push(_ context.Context, id string) error {
	m.mu.Lock()
	m.ready = append(m.ready, id)
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if len(m.ready) > 0 {
			id := m.ready[0]
			m.ready = m.ready[1:]
			m.processing = append(m.processing, id)
			m.mu.Unlock()
			return id, true, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-timer.C:
			return "", false, nil
		case <-wake:
		}
	}
}

func (m *Memory) Processing(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.processing))
	return slices.Clone(m.processing[:n]), nil
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	m.processing = slices.DeleteFunc(m.processing, func(s string) bool { return s == id })
	m.mu.Unlock()
	return nil
}

func (m *Memory) ScheduleRetry(_ context.Context, id string, due time.Time) error {
	m.mu.Lock()
	m.retry[id] = dueScore(due)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DueRetries(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Unix()
	var due []string
	for id, at := range m.retry {
		if at <= cutoff {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if m.retry[due[i]] != m.retry[due[j]] {
			return m.retry[due[i]] < m.retry[due[j]]
		}
		return due[i] < due[j]
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) RemoveRetry(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.retry[id]
	delete(m.retry, id)
	return ok, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Ready:      int64(len(m.ready)),
		Processing: int64(len(m.processing)),
		Retry:      int64(len(m.retry)),
	}, nil
}
