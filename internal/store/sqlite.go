package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskcore/internal/domain"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS worker_tasks (
  id TEXT PRIMARY KEY,
  owner TEXT,
  job_type TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('queued','running','retry_scheduled','success','failed')),
  result TEXT,
  error TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  dedupe_key TEXT,
  started_at DATETIME,
  next_retry_at DATETIME,
  completed_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_worker_tasks_owner ON worker_tasks(owner);
CREATE INDEX IF NOT EXISTS ix_worker_tasks_status ON worker_tasks(status, started_at);
CREATE INDEX IF NOT EXISTS ix_worker_tasks_status_updated ON worker_tasks(status, updated_at);
CREATE INDEX IF NOT EXISTS ix_worker_tasks_dedupe_key ON worker_tasks(dedupe_key, created_at);
CREATE TABLE IF NOT EXISTS cron_jobs (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  cron_expression TEXT NOT NULL,
  action_type TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  is_active INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_cron_jobs_owner ON cron_jobs(owner);
CREATE INDEX IF NOT EXISTS ix_cron_jobs_active ON cron_jobs(is_active);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens the SQLite database at path (":memory:" is accepted) and
// ensures the schema. Timestamps are written in a lexically ordered UTC
// format so range predicates work in SQL.
func Open(path string) (*sql.DB, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_time_format=sqlite"
	} else {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	FindActiveByDedupeKey(ctx context.Context, key string, since time.Time) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	MarkRunning(ctx context.Context, id string, now time.Time) (domain.Task, error)
	MarkSucceeded(ctx context.Context, id string, result map[string]any, now time.Time) error
	MarkRetryScheduled(ctx context.Context, id string, attempts int, errMsg string, nextRetryAt, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string, now time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error
	ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Task, error)
	ListOverdueRetries(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Task, error)
	ListStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Task, error)
	TouchQueued(ctx context.Context, id string, now time.Time) error

	// Cron job definitions
	CreateCronJob(ctx context.Context, j domain.CronJob) (domain.CronJob, error)
	GetCronJob(ctx context.Context, id string) (domain.CronJob, error)
	ListCronJobs(ctx context.Context, owner string) ([]domain.CronJob, error)
	ListActiveCronJobs(ctx context.Context) ([]domain.CronJob, error)
	SetCronJobActive(ctx context.Context, id string, active bool, now time.Time) error
	DeleteCronJob(ctx context.Context, id string) error
	UpdateCronJobRuns(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,owner,job_type,payload,status,result,error,attempt_count,max_retries,dedupe_key,started_at,next_retry_at,completed_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		owner, result, errStr, dedupe     sql.NullString
		payload, status                   string
		startedAt, nextRetryAt, completed sql.NullTime
	)
	err := row.Scan(&t.ID, &owner, &t.JobType, &payload, &status, &result, &errStr,
		&t.AttemptCount, &t.MaxRetries, &dedupe, &startedAt, &nextRetryAt, &completed,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.Owner = stringPtr(owner)
	t.Error = stringPtr(errStr)
	t.DedupeKey = stringPtr(dedupe)
	t.StartedAt = timePtr(startedAt)
	t.NextRetryAt = timePtr(nextRetryAt)
	t.CompletedAt = timePtr(completed)
	if t.Payload, err = decodeMap(payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload of %s: %w", t.ID, err)
	}
	if result.Valid {
		if t.Result, err = decodeMap(result.String); err != nil {
			return domain.Task{}, fmt.Errorf("decode result of %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusQueued
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode payload: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.CreatedAt

	_, err = r.db.ExecContext(ctx, `
INSERT INTO worker_tasks (id,owner,job_type,payload,status,attempt_count,max_retries,dedupe_key,created_at,updated_at)
VALUES (?,?,?,?,?,0,?,?,?,?)
`, t.ID, nullString(t.Owner), t.JobType, string(payload), string(t.Status), t.MaxRetries, nullString(t.DedupeKey), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *sqliteRepo) FindActiveByDedupeKey(ctx context.Context, key string, since time.Time) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM worker_tasks
WHERE dedupe_key = ? AND status IN ('queued','running','retry_scheduled') AND created_at >= ?
ORDER BY created_at DESC
LIMIT 1`, key, since.UTC())
	return scanTask(row)
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM worker_tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.listTasks(ctx, `
SELECT `+taskColumns+` FROM worker_tasks ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *sqliteRepo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) MarkRunning(ctx context.Context, id string, now time.Time) (domain.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now = now.UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE worker_tasks
SET status='running', started_at=?, next_retry_at=NULL, updated_at=?
WHERE id=? AND status='queued'`, now, now, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := expectOne(ctx, tx, res, id); err != nil {
		return domain.Task{}, err
	}
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM worker_tasks WHERE id=?`, id))
	if err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

func (r *sqliteRepo) MarkSucceeded(ctx context.Context, id string, result map[string]any, now time.Time) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now = now.UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_tasks
SET status='success', result=?, error=NULL, completed_at=?, updated_at=?
WHERE id=? AND status='running'`, string(encoded), now, now, id)
	if err != nil {
		return err
	}
	return expectOne(ctx, r.db, res, id)
}

// MarkRetryScheduled records a failed attempt. attempts is the new count;
// the update only applies when the stored count is attempts-1, so a
// failure is never counted twice.
func (r *sqliteRepo) MarkRetryScheduled(ctx context.Context, id string, attempts int, errMsg string, nextRetryAt, now time.Time) error {
	now = now.UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_tasks
SET status='retry_scheduled', attempt_count=?, error=?, next_retry_at=?, updated_at=?
WHERE id=? AND status='running' AND attempt_count=?`, attempts, errMsg, nextRetryAt.UTC(), now, id, attempts-1)
	if err != nil {
		return err
	}
	return expectOne(ctx, r.db, res, id)
}

func (r *sqliteRepo) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, now time.Time) error {
	now = now.UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_tasks
SET status='failed', attempt_count=?, error=?, next_retry_at=NULL, completed_at=?, updated_at=?
WHERE id=? AND status='running' AND attempt_count=?`, attempts, errMsg, now, now, id, attempts-1)
	if err != nil {
		return err
	}
	return expectOne(ctx, r.db, res, id)
}

func (r *sqliteRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_tasks SET status='queued', updated_at=? WHERE id=? AND status='retry_scheduled'`, now, id)
	if err != nil {
		return err
	}
	return expectOne(ctx, r.db, res, id)
}

func (r *sqliteRepo) ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Task, error) {
	return r.listTasks(ctx, `
SELECT `+taskColumns+`
FROM worker_tasks
WHERE status='running' AND (started_at IS NULL OR started_at < ?)
ORDER BY started_at
LIMIT ?`, startedBefore.UTC(), limit)
}

func (r *sqliteRepo) ListOverdueRetries(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Task, error) {
	return r.listTasks(ctx, `
SELECT `+taskColumns+`
FROM worker_tasks
WHERE status='retry_scheduled' AND (next_retry_at IS NULL OR next_retry_at < ?)
ORDER BY next_retry_at
LIMIT ?`, dueBefore.UTC(), limit)
}

// ListStaleQueued returns queued tasks untouched since updatedBefore. A
// queued row that old may have no ready-list entry.
func (r *sqliteRepo) ListStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Task, error) {
	return r.listTasks(ctx, `
SELECT `+taskColumns+`
FROM worker_tasks
WHERE status='queued' AND updated_at < ?
ORDER BY updated_at
LIMIT ?`, updatedBefore.UTC(), limit)
}

// TouchQueued bumps updated_at of a queued task.
func (r *sqliteRepo) TouchQueued(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_tasks SET updated_at=? WHERE id=? AND status='queued'`, now.UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(ctx, r.db, res, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// expectOne turns a zero-row guarded update into ErrNotFound or
// ErrInvalidTransition.
func expectOne(ctx context.Context, q queryer, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM worker_tasks WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, status)
}

func decodeMap(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" || s == "null" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
