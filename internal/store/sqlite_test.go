package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/domain"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteRepo(db)
}

func strPtr(s string) *string { return &s }

func TestCreateAndGetTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := repo.CreateTask(ctx, domain.Task{
		Owner:      strPtr("user-1"),
		JobType:    "web_fetch",
		Payload:    map[string]any{"url": "https://x", "nested": map[string]any{"a": "b"}},
		MaxRetries: 2,
		DedupeKey:  strPtr("k1"),
		CreatedAt:  now,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "web_fetch", got.JobType)
	assert.Equal(t, created.Payload, got.Payload)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "user-1", got.OwnerID())
	assert.Equal(t, 2, got.MaxRetries)
	assert.Zero(t, got.AttemptCount)
	assert.True(t, now.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)
}

func TestGetMissingTask(t *testing.T) {
	_, err := newTestRepo(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByDedupeKeyRespectsWindowAndStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old, err := repo.CreateTask(ctx, domain.Task{JobType: "web_fetch", DedupeKey: strPtr("k"), CreatedAt: now.Add(-10 * time.Minute)})
	require.NoError(t, err)

	_, err = repo.FindActiveByDedupeKey(ctx, "k", now.Add(-5*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound, "task outside the window must not match")

	found, err := repo.FindActiveByDedupeKey(ctx, "k", now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, old.ID, found.ID)

	_, err = repo.MarkRunning(ctx, old.ID, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSucceeded(ctx, old.ID, map[string]any{"ok": true}, now))

	_, err = repo.FindActiveByDedupeKey(ctx, "k", now.Add(-15*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound, "terminal task must not match")
}

func TestStatusTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task, err := repo.CreateTask(ctx, domain.Task{JobType: "web_fetch", MaxRetries: 1, CreatedAt: now})
	require.NoError(t, err)

	err = repo.MarkSucceeded(ctx, task.ID, nil, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued task cannot succeed")

	running, err := repo.MarkRunning(ctx, task.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	assert.True(t, now.Equal(*running.StartedAt))

	_, err = repo.MarkRunning(ctx, task.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "running task cannot be leased again")

	next := now.Add(10 * time.Second)
	require.NoError(t, repo.MarkRetryScheduled(ctx, task.ID, 1, "boom", next, now))

	err = repo.MarkRetryScheduled(ctx, task.ID, 1, "boom", next, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a failure is counted once")

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, next.Equal(*got.NextRetryAt))

	require.NoError(t, repo.Requeue(ctx, task.ID, next))
	assert.ErrorIs(t, repo.Requeue(ctx, task.ID, next), ErrInvalidTransition)

	running, err = repo.MarkRunning(ctx, task.ID, next)
	require.NoError(t, err)
	assert.Nil(t, running.NextRetryAt)

	require.NoError(t, repo.MarkFailed(ctx, task.ID, 2, "boom again", next))
	got, err = repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom again", *got.Error)

	assert.ErrorIs(t, repo.MarkFailed(ctx, "missing", 1, "x", now), ErrNotFound)
}

func TestListStaleRunning(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stale, err := repo.CreateTask(ctx, domain.Task{JobType: "a", CreatedAt: now})
	require.NoError(t, err)
	fresh, err := repo.CreateTask(ctx, domain.Task{JobType: "b", CreatedAt: now})
	require.NoError(t, err)
	_, err = repo.MarkRunning(ctx, stale.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = repo.MarkRunning(ctx, fresh.ID, now)
	require.NoError(t, err)

	tasks, err := repo.ListStaleRunning(ctx, now.Add(-3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, stale.ID, tasks[0].ID)
}

func TestCronJobLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job, err := repo.CreateCronJob(ctx, domain.CronJob{
		Owner:          "user-1",
		Name:           "morning",
		CronExpression: "0 9 * * *",
		ActionType:     "send_message",
		Payload:        map[string]any{"message": "x"},
		IsActive:       true,
		CreatedAt:      now,
	})
	require.NoError(t, err)

	_, err = repo.CreateCronJob(ctx, domain.CronJob{Owner: "user-2", CronExpression: "* * * * *", ActionType: "send_message", CreatedAt: now})
	require.NoError(t, err)

	active, err := repo.ListActiveCronJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, job.ID, active[0].ID)
	assert.Equal(t, "x", active[0].Payload["message"])

	mine, err := repo.ListCronJobs(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, err := repo.ListCronJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	next := now.Add(24 * time.Hour)
	require.NoError(t, repo.UpdateCronJobRuns(ctx, job.ID, now, &next))
	got, err := repo.GetCronJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.True(t, next.Equal(*got.NextRun))

	require.NoError(t, repo.SetCronJobActive(ctx, job.ID, false, now))
	active, err = repo.ListActiveCronJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, repo.DeleteCronJob(ctx, job.ID))
	assert.ErrorIs(t, repo.DeleteCronJob(ctx, job.ID), ErrNotFound)
	_, err = repo.GetCronJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOverdueRetries(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	overdue, err := repo.CreateTask(ctx, domain.Task{JobType: "a", MaxRetries: 3, CreatedAt: now})
	require.NoError(t, err)
	pending, err := repo.CreateTask(ctx, domain.Task{JobType: "a", MaxRetries: 3, CreatedAt: now})
	require.NoError(t, err)
	for _, id := range []string{overdue.ID, pending.ID} {
		_, err = repo.MarkRunning(ctx, id, now)
		require.NoError(t, err)
	}
	require.NoError(t, repo.MarkRetryScheduled(ctx, overdue.ID, 1, "x", now.Add(-time.Hour), now))
	require.NoError(t, repo.MarkRetryScheduled(ctx, pending.ID, 1, "x", now.Add(time.Hour), now))

	tasks, err := repo.ListOverdueRetries(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, overdue.ID, tasks[0].ID)
}

func TestListStaleQueuedAndTouch(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old, err := repo.CreateTask(ctx, domain.Task{JobType: "a", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = repo.CreateTask(ctx, domain.Task{JobType: "a", CreatedAt: now})
	require.NoError(t, err)
	running, err := repo.CreateTask(ctx, domain.Task{JobType: "a", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = repo.MarkRunning(ctx, running.ID, now.Add(-time.Hour))
	require.NoError(t, err)

	tasks, err := repo.ListStaleQueued(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, old.ID, tasks[0].ID)

	require.NoError(t, repo.TouchQueued(ctx, old.ID, now))
	tasks, err = repo.ListStaleQueued(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.ErrorIs(t, repo.TouchQueued(ctx, running.ID, now), ErrInvalidTransition)
}
