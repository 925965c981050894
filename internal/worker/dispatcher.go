package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskcore/internal/alert"
	"taskcore/internal/domain"
	"taskcore/internal/handlers"
	"taskcore/internal/metrics"
	"taskcore/internal/notify"
	"taskcore/internal/queue"
	"taskcore/internal/store"
)

var errLeaseExpired = errors.New("lease expired: worker presumed crashed")

type Config struct {
	LeaseTimeout   time.Duration
	DequeueTimeout time.Duration
	RecoveryBatch  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// OrphanGrace is how long past next_retry_at a retry_scheduled task may
	// sit without a retry-set entry before it is re-added.
	OrphanGrace time.Duration
	// QueuedGrace is how long a queued task may sit untouched before its
	// id is pushed to the ready list again.
	QueuedGrace time.Duration
	LoopBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 180 * time.Second
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = 200
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 10 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 300 * time.Second
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = time.Minute
	}
	if c.QueuedGrace <= 0 {
		c.QueuedGrace = 2 * time.Minute
	}
	if c.LoopBackoff <= 0 {
		c.LoopBackoff = time.Second
	}
	return c
}

// Dispatcher is the single coordinator loop of a process. Each iteration
// recovers crashed leases, promotes due retries, then pulls at most one
// task from the ready list and runs it to a new state.
type Dispatcher struct {
	repo      store.Repository
	transport queue.Transport
	registry  *handlers.Registry
	sink      notify.Sink
	alerts    alert.Emitter
	clock     clock.Clock
	cfg       Config
	backoff   Backoff
	logger    zerolog.Logger

	lastObserved time.Time
}

func NewDispatcher(
	repo store.Repository,
	transport queue.Transport,
	registry *handlers.Registry,
	sink notify.Sink,
	alerts alert.Emitter,
	clk clock.Clock,
	cfg Config,
) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		repo:      repo,
		transport: transport,
		registry:  registry,
		sink:      sink,
		alerts:    alerts,
		clock:     clk,
		cfg:       cfg,
		backoff:   Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		logger:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run loops until ctx is cancelled. Errors and panics inside an iteration
// are logged, alerted and followed by a short pause; they never end the
// loop. Cancellation stops pulling new work but lets the task already in
// hand finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().
		Dur("lease_timeout", d.cfg.LeaseTimeout).
		Dur("dequeue_timeout", d.cfg.DequeueTimeout).
		Msg("dispatcher started")
	for {
		if ctx.Err() != nil {
			d.logger.Info().Msg("dispatcher stopped")
			return
		}
		err := d.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			d.logger.Info().Msg("dispatcher stopped")
			return
		}
		metrics.LoopFaultsTotal.Inc()
		d.alerts.Emit("worker", alert.SeverityCritical, "dispatcher loop fault", map[string]any{"error": err.Error()})

		pause := time.NewTimer(d.cfg.LoopBackoff)
		select {
		case <-ctx.Done():
			pause.Stop()
			d.logger.Info().Msg("dispatcher stopped")
			return
		case <-pause.C:
		}
	}
}

// RunOnce performs one loop iteration. A dequeue timeout is not an error.
func (d *Dispatcher) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()

	if _, err := d.RecoverProcessing(ctx); err != nil {
		return fmt.Errorf("recover processing queue: %w", err)
	}
	if _, err := d.RecoverStaleRunning(ctx); err != nil {
		return fmt.Errorf("recover stale running tasks: %w", err)
	}
	if _, err := d.PromoteDueRetries(ctx); err != nil {
		return fmt.Errorf("promote due retries: %w", err)
	}
	if _, err := d.RecoverStaleQueued(ctx); err != nil {
		return fmt.Errorf("recover stale queued tasks: %w", err)
	}
	d.observeQueues(ctx)

	id, ok, err := d.transport.Dequeue(ctx, d.cfg.DequeueTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return nil
	}
	return d.process(context.WithoutCancel(ctx), id)
}

func (d *Dispatcher) process(ctx context.Context, id string) error {
	task, err := d.repo.MarkRunning(ctx, id, d.clock.Now())
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
		// Duplicate ready entry or a row that moved on without us.
		d.inconsistent(id, err)
		return d.transport.Ack(ctx, id)
	}
	if err != nil {
		// Left in the processing list as queued; recovery re-pushes it.
		return fmt.Errorf("mark %s running: %w", id, err)
	}

	logger := d.logger.With().Str("task_id", task.ID).Str("job_type", task.JobType).Int("attempt", task.AttemptCount+1).Logger()
	logger.Info().Msg("task started")

	h, ok := d.registry.Lookup(task.JobType)
	if !ok {
		return d.fail(ctx, task, fmt.Errorf("no handler for job_type=%s", task.JobType), false)
	}

	start := time.Now()
	out := invoke(ctx, h, task.Payload)
	metrics.TaskDurationSeconds.WithLabelValues(task.JobType, out.Kind.String()).Observe(time.Since(start).Seconds())

	switch out.Kind {
	case handlers.OutcomeSuccess:
		return d.succeed(ctx, task, out.Value)
	case handlers.OutcomeFatal:
		return d.fail(ctx, task, outcomeErr(out), false)
	default:
		return d.fail(ctx, task, outcomeErr(out), true)
	}
}

// invoke runs the handler; a panic is reported as a retryable failure.
func invoke(ctx context.Context, h handlers.Handler, payload map[string]any) (out handlers.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = handlers.Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Execute(ctx, payload)
}

func outcomeErr(out handlers.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	return fmt.Errorf("handler reported %s outcome without error", out.Kind)
}

func (d *Dispatcher) succeed(ctx context.Context, task domain.Task, result map[string]any) error {
	now := d.clock.Now()
	if result == nil {
		result = map[string]any{}
	}
	if err := d.repo.MarkSucceeded(ctx, task.ID, result, now); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			d.inconsistent(task.ID, err)
			return d.transport.Ack(ctx, task.ID)
		}
		return fmt.Errorf("mark %s succeeded: %w", task.ID, err)
	}
	if err := d.transport.Ack(ctx, task.ID); err != nil {
		return err
	}

	metrics.TasksCompletedTotal.WithLabelValues(task.JobType, string(domain.StatusSuccess)).Inc()
	d.logger.Info().Str("task_id", task.ID).Str("job_type", task.JobType).Msg("task succeeded")

	task.Status = domain.StatusSuccess
	task.Result = result
	task.Error = nil
	d.sink.Push(ctx, task.OwnerID(), notify.TaskEnvelope(task, now))
	return nil
}

// fail is the single failure path for handler errors, unknown job types
// and expired leases. It counts one attempt and either schedules a retry
// or fails the task for good.
func (d *Dispatcher) fail(ctx context.Context, task domain.Task, cause error, retryable bool) error {
	now := d.clock.Now()
	attempts := task.AttemptCount + 1
	msg := cause.Error()
	logger := d.logger.With().Str("task_id", task.ID).Str("job_type", task.JobType).Int("attempt", attempts).Logger()

	if retryable && attempts <= task.MaxRetries {
		delay := d.backoff.Delay(attempts)
		next := now.Add(delay)
		if err := d.repo.MarkRetryScheduled(ctx, task.ID, attempts, msg, next, now); err != nil {
			return d.transitionFailed(ctx, task.ID, err)
		}
		if err := d.transport.ScheduleRetry(ctx, task.ID, next); err != nil {
			return err
		}
		if err := d.transport.Ack(ctx, task.ID); err != nil {
			return err
		}
		metrics.TaskRetriesTotal.WithLabelValues(task.JobType).Inc()
		logger.Warn().Err(cause).Dur("delay", delay).Time("next_retry_at", next).Msg("task failed, retry scheduled")
		return nil
	}

	if err := d.repo.MarkFailed(ctx, task.ID, attempts, msg, now); err != nil {
		return d.transitionFailed(ctx, task.ID, err)
	}
	if err := d.transport.Ack(ctx, task.ID); err != nil {
		return err
	}

	metrics.TasksCompletedTotal.WithLabelValues(task.JobType, string(domain.StatusFailed)).Inc()
	logger.Error().Err(cause).Int("max_retries", task.MaxRetries).Msg("task failed permanently")
	d.alerts.Emit("worker", alert.SeverityCritical, "task failed permanently", map[string]any{
		"task_id":  task.ID,
		"job_type": task.JobType,
		"attempts": attempts,
	})

	task.Status = domain.StatusFailed
	task.AttemptCount = attempts
	task.Error = &msg
	d.sink.Push(ctx, task.OwnerID(), notify.TaskEnvelope(task, now))
	return nil
}

func (d *Dispatcher) transitionFailed(ctx context.Context, id string, err error) error {
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		d.inconsistent(id, err)
		return d.transport.Ack(ctx, id)
	}
	return fmt.Errorf("record failure of %s: %w", id, err)
}

func (d *Dispatcher) inconsistent(id string, err error) {
	metrics.RecoveryEventsTotal.WithLabelValues("inconsistent").Inc()
	d.logger.Warn().Err(err).Str("task_id", id).Msg("queue entry does not match task state, discarded")
}

func (d *Dispatcher) observeQueues(ctx context.Context) {
	now := time.Now()
	if now.Sub(d.lastObserved) < 5*time.Second {
		return
	}
	d.lastObserved = now
	stats, err := d.transport.Stats(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("queue stats unavailable")
		return
	}
	metrics.QueueLength.WithLabelValues("ready").Set(float64(stats.Ready))
	metrics.QueueLength.WithLabelValues("processing").Set(float64(stats.Processing))
	metrics.QueueLength.WithLabelValues("retry").Set(float64(stats.Retry))
}
