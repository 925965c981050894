package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskcore/internal/domain"
)

const cronColumns = `id,owner,name,cron_expression,action_type,payload,is_active,last_run,next_run,created_at,updated_at`

func scanCronJob(row scanner) (domain.CronJob, error) {
	var (
		j                domain.CronJob
		payload          string
		lastRun, nextRun sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Owner, &j.Name, &j.CronExpression, &j.ActionType, &payload,
		&j.IsActive, &lastRun, &nextRun, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CronJob{}, ErrNotFound
	}
	if err != nil {
		return domain.CronJob{}, err
	}
	j.LastRun = timePtr(lastRun)
	j.NextRun = timePtr(nextRun)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.Payload, err = decodeMap(payload); err != nil {
		return domain.CronJob{}, fmt.Errorf("decode payload of cron job %s: %w", j.ID, err)
	}
	return j, nil
}

func (r *sqliteRepo) CreateCronJob(ctx context.Context, j domain.CronJob) (domain.CronJob, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return domain.CronJob{}, fmt.Errorf("encode payload: %w", err)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.CreatedAt

	_, err = r.db.ExecContext(ctx, `
INSERT INTO cron_jobs (id,owner,name,cron_expression,action_type,payload,is_active,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, j.ID, j.Owner, j.Name, j.CronExpression, j.ActionType, string(payload), j.IsActive, nullTime(j.LastRun), nullTime(j.NextRun), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return domain.CronJob{}, err
	}
	return j, nil
}

func (r *sqliteRepo) GetCronJob(ctx context.Context, id string) (domain.CronJob, error) {
	return scanCronJob(r.db.QueryRowContext(ctx, `SELECT `+cronColumns+` FROM cron_jobs WHERE id=?`, id))
}

// ListCronJobs returns the owner's jobs newest first; an empty owner lists
// every job.
func (r *sqliteRepo) ListCronJobs(ctx context.Context, owner string) ([]domain.CronJob, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_jobs`
	var args []any
	if owner != "" {
		query += ` WHERE owner=?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC`
	return r.queryCronJobs(ctx, query, args...)
}

func (r *sqliteRepo) ListActiveCronJobs(ctx context.Context) ([]domain.CronJob, error) {
	return r.queryCronJobs(ctx, `SELECT `+cronColumns+` FROM cron_jobs WHERE is_active=1 ORDER BY created_at`)
}

func (r *sqliteRepo) queryCronJobs(ctx context.Context, query string, args ...any) ([]domain.CronJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) SetCronJobActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE cron_jobs SET is_active=?, updated_at=? WHERE id=?`, active, now.UTC(), id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(res)
}

func (r *sqliteRepo) DeleteCronJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM cron_jobs WHERE id=?", id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(res)
}

func (r *sqliteRepo) UpdateCronJobRuns(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE cron_jobs SET last_run=?, next_run=?, updated_at=? WHERE id=?`, lastRun.UTC(), nullTime(nextRun), lastRun.UTC(), id)
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func rowsOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
