package worker

import (
	"context"
	"errors"
	"fmt"

	"taskcore/internal/domain"
	"taskcore/internal/metrics"
	"taskcore/internal/store"
)

// RecoverProcessing inspects ids left on the processing list by a crashed
// iteration and returns how many were acted on. Running tasks whose lease
// has not yet expired are left alone.
func (d *Dispatcher) RecoverProcessing(ctx context.Context) (int, error) {
	ids, err := d.transport.Processing(ctx, d.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	cutoff := d.clock.Now().Add(-d.cfg.LeaseTimeout)
	n := 0
	for _, id := range ids {
		task, err := d.repo.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			d.inconsistent(id, err)
			if err := d.transport.Ack(ctx, id); err != nil {
				return n, err
			}
			n++
			continue
		}
		if err != nil {
			return n, fmt.Errorf("load %s: %w", id, err)
		}

		switch task.Status {
		case domain.StatusQueued:
			// Dequeued but never marked running.
			if err := d.transport.Push(ctx, id); err != nil {
				return n, err
			}
			if err := d.transport.Ack(ctx, id); err != nil {
				return n, err
			}
			metrics.RecoveryEventsTotal.WithLabelValues("requeued").Inc()
			d.logger.Warn().Str("task_id", id).Msg("requeued task stranded on processing list")
		case domain.StatusRunning:
			if task.StartedAt != nil && task.StartedAt.After(cutoff) {
				continue
			}
			if err := d.expireLease(ctx, task); err != nil {
				return n, err
			}
		case domain.StatusRetryScheduled:
			// Crashed between recording the failure and acking.
			due := d.clock.Now()
			if task.NextRetryAt != nil {
				due = *task.NextRetryAt
			}
			if err := d.transport.ScheduleRetry(ctx, id, due); err != nil {
				return n, err
			}
			if err := d.transport.Ack(ctx, id); err != nil {
				return n, err
			}
		default:
			if err := d.transport.Ack(ctx, id); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

// RecoverStaleRunning fails one attempt for every running task whose lease
// expired, whether or not its id is still on the processing list.
func (d *Dispatcher) RecoverStaleRunning(ctx context.Context) (int, error) {
	stale, err := d.repo.ListStaleRunning(ctx, d.clock.Now().Add(-d.cfg.LeaseTimeout), d.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	for i, task := range stale {
		if err := d.expireLease(ctx, task); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

func (d *Dispatcher) expireLease(ctx context.Context, task domain.Task) error {
	metrics.RecoveryEventsTotal.WithLabelValues("lease_expired").Inc()
	d.logger.Warn().
		Str("task_id", task.ID).
		Str("job_type", task.JobType).
		Interface("started_at", task.StartedAt).
		Msg("running lease expired")
	return d.fail(ctx, task, errLeaseExpired, true)
}

// PromoteDueRetries moves due ids from the retry set back to the ready
// list, then re-adds retry_scheduled tasks that are overdue but missing
// from the retry set.
func (d *Dispatcher) PromoteDueRetries(ctx context.Context) (int, error) {
	now := d.clock.Now()
	ids, err := d.transport.DueRetries(ctx, now, d.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		task, err := d.repo.Get(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("load %s: %w", id, err)
		}

		switch {
		case err == nil && task.Status == domain.StatusRetryScheduled:
			if err := d.repo.Requeue(ctx, id, now); err != nil {
				return n, fmt.Errorf("requeue %s: %w", id, err)
			}
			if err := d.transport.Push(ctx, id); err != nil {
				return n, err
			}
		case err == nil && task.Status == domain.StatusQueued:
			// Promotion interrupted after the status change.
			if err := d.transport.Push(ctx, id); err != nil {
				return n, err
			}
		default:
			if err == nil {
				err = fmt.Errorf("%w: retry entry for %s task", store.ErrInvalidTransition, task.Status)
			}
			d.inconsistent(id, err)
		}
		if _, err := d.transport.RemoveRetry(ctx, id); err != nil {
			return n, err
		}
		metrics.RecoveryEventsTotal.WithLabelValues("promoted").Inc()
		n++
	}

	orphans, err := d.repo.ListOverdueRetries(ctx, now.Add(-d.cfg.OrphanGrace), d.cfg.RecoveryBatch)
	if err != nil {
		return n, err
	}
	for _, task := range orphans {
		if err := d.transport.ScheduleRetry(ctx, task.ID, now); err != nil {
			return n, err
		}
		metrics.RecoveryEventsTotal.WithLabelValues("orphan_retry").Inc()
		d.logger.Warn().Str("task_id", task.ID).Msg("re-added overdue retry missing from retry set")
	}
	return n, nil
}

// RecoverStaleQueued pushes queued tasks that have sat untouched past the
// grace period back onto the ready list. It covers a failed push after
// insert and ready ids lost with a restarted transport. A duplicate ready
// entry is discarded when dequeued, and the touch bounds re-pushes to one
// per grace period.
func (d *Dispatcher) RecoverStaleQueued(ctx context.Context) (int, error) {
	now := d.clock.Now()
	stale, err := d.repo.ListStaleQueued(ctx, now.Add(-d.cfg.QueuedGrace), d.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range stale {
		if err := d.transport.Push(ctx, task.ID); err != nil {
			return n, err
		}
		if err := d.repo.TouchQueued(ctx, task.ID, now); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return n, fmt.Errorf("touch %s: %w", task.ID, err)
		}
		metrics.RecoveryEventsTotal.WithLabelValues("requeued_stale").Inc()
		d.logger.Warn().Str("task_id", task.ID).Time("updated_at", task.UpdatedAt).Msg("re-pushed stale queued task")
		n++
	}
	return n, nil
}
