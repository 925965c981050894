// Package scheduler runs user-declared cron triggers. The in-memory
// trigger registry is reconciled against the cron_jobs table so that it
// converges on the declared state even when a direct registration call
// was missed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskcore/internal/alert"
	"taskcore/internal/domain"
	"taskcore/internal/handlers"
	"taskcore/internal/metrics"
)

const (
	SystemPrefix  = "system:"
	SyncTriggerID = SystemPrefix + "cron_sync"
	PingTriggerID = SystemPrefix + "proactive_ping"

	ActionSendMessage = "send_message"

	defaultReminder = "Reminder from your assistant."
	pingMessage     = "I'm here. Want help with today's tasks?"
)

var ErrUnknownAction = errors.New("unknown cron action")

// JobStore is the slice of the store the scheduler reads and updates.
type JobStore interface {
	ListActiveCronJobs(ctx context.Context) ([]domain.CronJob, error)
	SetCronJobActive(ctx context.Context, id string, active bool, now time.Time) error
	UpdateCronJobRuns(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

// Notifier delivers scheduled messages. Push is durable; SendLive only
// reaches owners with an open connection.
type Notifier interface {
	Push(ctx context.Context, owner string, env domain.Envelope)
	SendLive(owner string, env domain.Envelope) bool
	ConnectedOwners() []string
}

type Config struct {
	SyncInterval time.Duration
	// PingInterval of zero disables the proactive ping.
	PingInterval time.Duration
}

type trigger struct {
	entryID cron.EntryID
	job     domain.CronJob
}

type Service struct {
	store  JobStore
	sink   Notifier
	alerts alert.Emitter
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	cron *cron.Cron

	// regMu serializes reconciliation with direct registrations so a
	// trigger added after the row snapshot is not removed by it.
	regMu sync.Mutex

	mu       sync.Mutex
	triggers map[string]trigger
	ctx      context.Context
}

func NewService(store JobStore, sink Notifier, alerts alert.Emitter, clk clock.Clock, cfg Config) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	logger := log.With().Str("component", "scheduler").Logger()
	return &Service{
		store:  store,
		sink:   sink,
		alerts: alerts,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		triggers: make(map[string]trigger),
		ctx:      context.Background(),
	}
}

// Start registers the system triggers, loads every active row and starts
// firing. Triggers fire with ctx until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.addSystem(SyncTriggerID, s.cfg.SyncInterval, func() {
		if err := s.Sync(s.context()); err != nil {
			s.logger.Error().Err(err).Msg("cron sync failed")
		}
	})
	if s.cfg.PingInterval > 0 {
		s.addSystem(PingTriggerID, s.cfg.PingInterval, s.ping)
	}
	if err := s.Bootstrap(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().
		Dur("sync_interval", s.cfg.SyncInterval).
		Dur("ping_interval", s.cfg.PingInterval).
		Msg("scheduler started")
	return nil
}

// Stop halts firing and waits for running actions to return.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) addSystem(id string, every time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.triggers[id]; ok {
		s.cron.Remove(old.entryID)
	}
	entryID := s.cron.Schedule(cron.Every(every), cron.FuncJob(fn))
	s.triggers[id] = trigger{entryID: entryID, job: domain.CronJob{ID: id, IsActive: true}}
	metrics.CronTriggers.Set(float64(len(s.triggers)))
}

// AddOrReplace registers job, replacing any trigger with the same id. A
// malformed expression is returned to the caller and leaves the registry
// untouched.
func (s *Service) AddOrReplace(_ context.Context, job domain.CronJob) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return s.register(job)
}

// Remove reports whether a trigger was registered under id.
func (s *Service) Remove(id string) bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return s.unregister(id)
}

func (s *Service) register(job domain.CronJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidExpression)
	}
	sched, err := ParseExpression(job.CronExpression)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.triggers[job.ID]; ok {
		s.cron.Remove(old.entryID)
	}
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(job, sched) }))
	s.triggers[job.ID] = trigger{entryID: entryID, job: job}
	metrics.CronTriggers.Set(float64(len(s.triggers)))

	s.logger.Info().
		Str("job_id", job.ID).
		Str("cron_expression", job.CronExpression).
		Str("action_type", job.ActionType).
		Msg("cron trigger registered")
	return nil
}

func (s *Service) unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return false
	}
	s.cron.Remove(t.entryID)
	delete(s.triggers, id)
	metrics.CronTriggers.Set(float64(len(s.triggers)))
	s.logger.Info().Str("job_id", id).Msg("cron trigger removed")
	return true
}

func (s *Service) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[id]
	return ok
}

// Registered returns the ids of all triggers, system ones included.
func (s *Service) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.triggers))
	for id := range s.triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextRun returns the time the trigger id fires next, if registered and
// the scheduler is running.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	t, ok := s.triggers[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(t.entryID)
	return e.Next, e.Valid() && !e.Next.IsZero()
}

// Bootstrap force-reloads every active row and drops user triggers whose
// row is gone or inactive.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.reconcile(ctx, true)
}

// Sync registers active rows that have no trigger yet and removes triggers
// whose row is no longer active. Existing triggers are left as they are.
func (s *Service) Sync(ctx context.Context) error {
	return s.reconcile(ctx, false)
}

func (s *Service) reconcile(ctx context.Context, force bool) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	jobs, err := s.store.ListActiveCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active cron jobs: %w", err)
	}
	now := s.clock.Now()
	desired := make(map[string]struct{}, len(jobs))
	added := 0

	for _, job := range jobs {
		if s.Has(job.ID) {
			desired[job.ID] = struct{}{}
			// A registered one-shot keeps its entry until it fires;
			// rescheduling it at its due second would drop it.
			if !force || isOnceExpression(job.CronExpression) {
				continue
			}
		} else if expired, err := s.expiredOnce(ctx, job, now); err != nil || expired {
			continue
		}
		desired[job.ID] = struct{}{}
		if err := s.register(job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("skipping cron job with invalid expression")
			continue
		}
		added++
	}

	removed := 0
	for _, id := range s.Registered() {
		if strings.HasPrefix(id, SystemPrefix) {
			continue
		}
		if _, ok := desired[id]; !ok && s.unregister(id) {
			removed++
		}
	}

	if added > 0 || removed > 0 {
		s.logger.Info().Bool("force", force).Int("added", added).Int("removed", removed).Msg("cron triggers reconciled")
	}
	return nil
}

// expiredOnce deactivates a one-shot row whose time has already passed.
func (s *Service) expiredOnce(ctx context.Context, job domain.CronJob, now time.Time) (bool, error) {
	sched, err := ParseExpression(job.CronExpression)
	if err != nil || !isOnce(sched) || sched.Next(now).After(now) {
		return false, nil
	}
	if err := s.store.SetCronJobActive(ctx, job.ID, false, now); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to deactivate expired one-shot")
		return true, err
	}
	s.logger.Info().Str("job_id", job.ID).Msg("expired one-shot deactivated without firing")
	return true, nil
}

func (s *Service) fire(job domain.CronJob, sched cron.Schedule) {
	ctx := s.context()
	logger := s.logger.With().Str("job_id", job.ID).Str("action_type", job.ActionType).Logger()

	if err := s.ExecuteAction(ctx, job.Owner, job.ActionType, job.Payload); err != nil {
		logger.Error().Err(err).Msg("cron action failed")
	} else {
		logger.Info().Msg("cron action executed")
	}

	now := s.clock.Now()
	var next *time.Time
	if isOnce(sched) {
		s.Remove(job.ID)
		if err := s.store.SetCronJobActive(ctx, job.ID, false, now); err != nil {
			logger.Error().Err(err).Msg("failed to deactivate one-shot cron job")
		}
	} else {
		next = nextOf(sched, now)
	}
	if err := s.store.UpdateCronJobRuns(ctx, job.ID, now, next); err != nil {
		logger.Error().Err(err).Msg("failed to record cron run")
	}
}

// NormalizeActionType maps legacy aliases onto the supported actions.
func NormalizeActionType(actionType string) string {
	switch strings.ToLower(strings.TrimSpace(actionType)) {
	case "", ActionSendMessage, "reminder", "notification", "daily_briefing":
		return ActionSendMessage
	}
	return strings.TrimSpace(actionType)
}

// ValidateAction reports whether actionType resolves to a known action.
func ValidateAction(actionType string) error {
	if NormalizeActionType(actionType) != ActionSendMessage {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
	}
	return nil
}

// ExecuteAction performs one action for owner. Unknown actions are never
// silently ignored: they are alerted and returned as ErrUnknownAction.
func (s *Service) ExecuteAction(ctx context.Context, owner, actionType string, payload map[string]any) error {
	action := NormalizeActionType(actionType)
	if action != ActionSendMessage {
		metrics.CronFiredTotal.WithLabelValues(action, "false").Inc()
		s.alerts.Emit("scheduler", alert.SeverityCritical, "unknown cron action", map[string]any{
			"owner":       owner,
			"action_type": actionType,
		})
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
	}

	msg := strings.TrimSpace(handlers.StringParam(payload, "message"))
	if msg == "" {
		msg = defaultReminder
	}
	s.sink.Push(ctx, owner, domain.Envelope{
		Type:        domain.EnvelopeProactiveMessage,
		Success:     true,
		Message:     msg,
		DeliveredAt: s.clock.Now().UTC(),
	})
	metrics.CronFiredTotal.WithLabelValues(action, "true").Inc()
	return nil
}

// ping sends a live-only check-in to every connected owner.
func (s *Service) ping() {
	owners := s.sink.ConnectedOwners()
	delivered := 0
	for _, owner := range owners {
		if s.sink.SendLive(owner, domain.Envelope{
			Type:        domain.EnvelopeProactiveMessage,
			Success:     true,
			Message:     pingMessage,
			DeliveredAt: s.clock.Now().UTC(),
		}) {
			delivered++
		}
	}
	s.logger.Debug().Int("owners", len(owners)).Int("delivered", delivered).Msg("proactive ping sent")
}

// cronLogger routes robfig/cron's own logging through zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
