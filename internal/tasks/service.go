// Package tasks is the entry point for background work: it validates and
// deduplicates enqueue requests, persists tasks and hands them to the queue
// transport.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"taskcore/internal/domain"
	"taskcore/internal/handlers"
	"taskcore/internal/metrics"
	"taskcore/internal/queue"
	"taskcore/internal/store"
)

const (
	DefaultMaxRetries  = 3
	DefaultDedupWindow = 5 * time.Minute
)

type Request struct {
	JobType    string
	Payload    map[string]any
	Owner      string
	MaxRetries *int
	DedupeKey  string
}

type Result struct {
	Task         domain.Task
	Enqueued     bool
	Deduplicated bool
}

type Options struct {
	DedupWindow time.Duration
	// DefaultMaxRetries applies when a request carries none; nil means
	// DefaultMaxRetries. Zero is a valid policy.
	DefaultMaxRetries *int
	Clock             clock.Clock
}

type Service struct {
	repo       store.Repository
	transport  queue.Transport
	registry   *handlers.Registry
	window     time.Duration
	maxRetries int
	clock      clock.Clock
}

func NewService(repo store.Repository, transport queue.Transport, registry *handlers.Registry, opts Options) *Service {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	maxRetries := DefaultMaxRetries
	if opts.DefaultMaxRetries != nil && *opts.DefaultMaxRetries >= 0 {
		maxRetries = *opts.DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Service{
		repo:       repo,
		transport:  transport,
		registry:   registry,
		window:     opts.DedupWindow,
		maxRetries: maxRetries,
		clock:      opts.Clock,
	}
}

// Enqueue persists a task and pushes it to the ready list, unless an
// equivalent non-terminal task was created within the dedup window, in
// which case that task is returned with Deduplicated set.
//
// The dedup lookup and the insert are not atomic: two concurrent
// equivalent calls can both insert. Delivery is at-least-once.
func (s *Service) Enqueue(ctx context.Context, req Request) (Result, error) {
	jobType := strings.TrimSpace(req.JobType)
	if err := s.registry.Validate(jobType, req.Payload); err != nil {
		return Result{}, err
	}
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return Result{}, fmt.Errorf("%w: max_retries must be >= 0", handlers.ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}

	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = strings.TrimSpace(handlers.StringParam(req.Payload, OwnerPayloadKey))
	}
	key := strings.TrimSpace(req.DedupeKey)
	if key == "" {
		var err error
		if key, err = DedupeKey(jobType, owner, req.Payload); err != nil {
			return Result{}, fmt.Errorf("%w: %v", handlers.ErrValidation, err)
		}
	}

	now := s.clock.Now()
	existing, err := s.repo.FindActiveByDedupeKey(ctx, key, now.Add(-s.window))
	switch {
	case err == nil:
		metrics.TasksEnqueuedTotal.WithLabelValues(jobType, "true").Inc()
		log.Debug().Str("task_id", existing.ID).Str("job_type", jobType).Msg("enqueue deduplicated")
		return Result{Task: existing, Deduplicated: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("dedupe lookup: %w", err)
	}

	task := domain.Task{
		JobType:    jobType,
		Payload:    req.Payload,
		Status:     domain.StatusQueued,
		MaxRetries: maxRetries,
		DedupeKey:  &key,
		CreatedAt:  now,
	}
	if owner != "" {
		task.Owner = &owner
	}
	task, err = s.repo.CreateTask(ctx, task)
	if err != nil {
		return Result{}, fmt.Errorf("persist task: %w", err)
	}
	if err := s.transport.Push(ctx, task.ID); err != nil {
		return Result{Task: task}, fmt.Errorf("task %s persisted but not queued: %w", task.ID, err)
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(jobType, "false").Inc()
	log.Info().
		Str("task_id", task.ID).
		Str("job_type", jobType).
		Int("max_retries", maxRetries).
		Msg("task enqueued")
	return Result{Task: task, Enqueued: true}, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]domain.Task, error) {
	return s.repo.ListRecentTasks(ctx, max(1, min(limit, 200)))
}
