package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"taskcore/internal/alert"
	"taskcore/internal/domain"
	"taskcore/internal/handlers"
	"taskcore/internal/notify"
	"taskcore/internal/scheduler"
	"taskcore/internal/store"
	"taskcore/internal/tasks"
)

type Deps struct {
	Tasks     *tasks.Service
	Repo      store.Repository
	Scheduler *scheduler.Service
	Results   notify.Sink
	Hub       *notify.Hub
	Alerts    *alert.Alerter
	Debug     bool
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)

		r.Post("/cron", s.createCronJob)
		r.Get("/cron", s.listCronJobs)
		r.Get("/cron/{id}", s.getCronJob)
		r.Patch("/cron/{id}", s.updateCronJob)
		r.Delete("/cron/{id}", s.deleteCronJob)

		r.Get("/results/{owner}", s.popResults)
		r.Get("/alerts", s.listAlerts)
	})

	// Live envelopes for a connected owner.
	r.Get("/ws/{owner}", s.stream)

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	JobType    string         `json:"job_type"`
	Payload    map[string]any `json:"payload"`
	Owner      string         `json:"owner"`
	MaxRetries *int           `json:"max_retries"`
	DedupeKey  string         `json:"dedupe_key"`
}

type submitResp struct {
	Task         domain.Task `json:"task"`
	Enqueued     bool        `json:"enqueued"`
	Deduplicated bool        `json:"deduplicated"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	res, err := s.Tasks.Enqueue(r.Context(), tasks.Request{
		JobType:    req.JobType,
		Payload:    req.Payload,
		Owner:      req.Owner,
		MaxRetries: req.MaxRetries,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if res.Deduplicated {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResp{Task: res.Task, Enqueued: res.Enqueued, Deduplicated: res.Deduplicated})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.Tasks.ListRecent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Task{}
	}
	writeJSON(w, 200, list)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

type cronReq struct {
	Owner          string         `json:"owner"`
	Name           string         `json:"name"`
	CronExpression string         `json:"cron_expression"`
	ActionType     string         `json:"action_type"`
	Payload        map[string]any `json:"payload"`
	IsActive       *bool          `json:"is_active"`
}

func (s *Server) createCronJob(w http.ResponseWriter, r *http.Request) {
	var req cronReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		http.Error(w, "owner is required", 400)
		return
	}
	if err := scheduler.ValidateAction(req.ActionType); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	next, err := scheduler.NextRunTime(req.CronExpression, now)
	if err != nil {
		writeError(w, err)
		return
	}
	if next == nil {
		writeError(w, fmt.Errorf("%w: %q never fires", scheduler.ErrInvalidExpression, req.CronExpression))
		return
	}

	job := domain.CronJob{
		Owner:          strings.TrimSpace(req.Owner),
		Name:           req.Name,
		CronExpression: strings.TrimSpace(req.CronExpression),
		ActionType:     scheduler.NormalizeActionType(req.ActionType),
		Payload:        req.Payload,
		IsActive:       req.IsActive == nil || *req.IsActive,
		NextRun:        next,
		CreatedAt:      now,
	}
	job, err = s.Repo.CreateCronJob(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.IsActive {
		// The row is already persisted; a failure here is healed by the
		// next sync.
		if err := s.Scheduler.AddOrReplace(r.Context(), job); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("cron trigger not registered")
		}
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Repo.ListCronJobs(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.CronJob{}
	}
	writeJSON(w, 200, jobs)
}

func (s *Server) getCronJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Repo.GetCronJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, job)
}

type updateCronReq struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) updateCronJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateCronReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.IsActive == nil {
		http.Error(w, "is_active is required", 400)
		return
	}
	if err := s.Repo.SetCronJobActive(r.Context(), id, *req.IsActive, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Repo.GetCronJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.IsActive {
		if err := s.Scheduler.AddOrReplace(r.Context(), job); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("cron trigger not registered")
		}
	} else {
		s.Scheduler.Remove(id)
	}
	writeJSON(w, 200, job)
}

func (s *Server) deleteCronJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Repo.DeleteCronJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.Scheduler.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) popResults(w http.ResponseWriter, r *http.Request) {
	envs, err := s.Results.PopMany(r.Context(), chi.URLParam(r, "owner"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	if envs == nil {
		envs = []domain.Envelope{}
	}
	writeJSON(w, 200, envs)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.Alerts.Recent(queryInt(r, "limit", 50)))
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handlers.ErrValidation),
		errors.Is(err, scheduler.ErrInvalidExpression),
		errors.Is(err, scheduler.ErrUnknownAction):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
