package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/alert"
	"taskcore/internal/domain"
	"taskcore/internal/handlers"
	"taskcore/internal/handlers/webfetch"
	"taskcore/internal/notify"
	"taskcore/internal/queue"
	"taskcore/internal/scheduler"
	"taskcore/internal/store"
	"taskcore/internal/tasks"
)

type fixture struct {
	h        http.Handler
	repo     store.Repository
	sched    *scheduler.Service
	notifier *notify.Notifier
	hub      *notify.Hub
	alerts   *alert.Alerter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := store.NewSQLiteRepo(db)
	reg := handlers.NewRegistry()
	reg.Register(webfetch.JobType, webfetch.New(time.Second))
	hub := notify.NewHub()
	notifier := notify.NewNotifier(hub, notify.NewMemoryResults(10, time.Hour, nil), nil)
	alerts := alert.New(10, nil)
	sched := scheduler.NewService(repo, notifier, alerts, nil, scheduler.Config{})

	h := NewServer(Deps{
		Tasks:     tasks.NewService(repo, queue.NewMemory(), reg, tasks.Options{}),
		Repo:      repo,
		Scheduler: sched,
		Results:   notifier,
		Hub:       hub,
		Alerts:    alerts,
	})
	return fixture{h: h, repo: repo, sched: sched, notifier: notifier, hub: hub, alerts: alerts}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("content-type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/health", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, "GET", "/metrics", "")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskcore_")
}

func TestSubmitAndQueryTasks(t *testing.T) {
	f := newFixture(t)
	body := `{"job_type":"web_fetch","owner":"user-1","payload":{"url":"https://example.com"},"max_retries":2}`

	rec := f.do(t, "POST", "/api/tasks", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[submitResp](t, rec)
	assert.True(t, first.Enqueued)
	assert.Equal(t, domain.StatusQueued, first.Task.Status)
	assert.Equal(t, 2, first.Task.MaxRetries)

	rec = f.do(t, "POST", "/api/tasks", body)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[submitResp](t, rec)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, first.Task.ID, again.Task.ID)

	rec = f.do(t, "GET", "/api/tasks/"+first.Task.ID, "")
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, first.Task.ID, decode[domain.Task](t, rec).ID)

	rec = f.do(t, "GET", "/api/tasks?limit=5", "")
	require.Equal(t, 200, rec.Code)
	assert.Len(t, decode[[]domain.Task](t, rec), 1)

	assert.Equal(t, 404, f.do(t, "GET", "/api/tasks/missing", "").Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{"job_type":"video_render","payload":{}}`,
		`{"job_type":"web_fetch","payload":{"url":"ftp://x"}}`,
		`{"job_type":"web_fetch","payload":{"url":"https://x"},"max_retries":-1}`,
		`not json`,
	} {
		assert.Equal(t, 400, f.do(t, "POST", "/api/tasks", body).Code, body)
	}
}

func TestCronLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/cron", `{"owner":"user-1","name":"standup","cron_expression":"0 9 * * 1-5","action_type":"reminder","payload":{"message":"standup"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[domain.CronJob](t, rec)
	assert.Equal(t, scheduler.ActionSendMessage, job.ActionType)
	assert.True(t, job.IsActive)
	require.NotNil(t, job.NextRun)
	assert.True(t, f.sched.Has(job.ID))

	rec = f.do(t, "GET", "/api/cron?owner=user-1", "")
	require.Equal(t, 200, rec.Code)
	assert.Len(t, decode[[]domain.CronJob](t, rec), 1)

	rec = f.do(t, "PATCH", "/api/cron/"+job.ID, `{"is_active":false}`)
	require.Equal(t, 200, rec.Code)
	assert.False(t, decode[domain.CronJob](t, rec).IsActive)
	assert.False(t, f.sched.Has(job.ID))

	rec = f.do(t, "PATCH", "/api/cron/"+job.ID, `{"is_active":true}`)
	require.Equal(t, 200, rec.Code)
	assert.True(t, f.sched.Has(job.ID))

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/api/cron/"+job.ID, "").Code)
	assert.False(t, f.sched.Has(job.ID))
	assert.Equal(t, 404, f.do(t, "GET", "/api/cron/"+job.ID, "").Code)
	assert.Equal(t, 404, f.do(t, "DELETE", "/api/cron/"+job.ID, "").Code)
}

func TestCreateCronJobValidation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{"owner":"u","cron_expression":"every day","action_type":"send_message"}`,
		`{"owner":"u","cron_expression":"0 9 * * *","action_type":"launch_rocket"}`,
		`{"cron_expression":"0 9 * * *"}`,
		`{"owner":"u","cron_expression":"@once:2020-01-01T09:00:00Z"}`,
	} {
		assert.Equal(t, 400, f.do(t, "POST", "/api/cron", body).Code, body)
	}
	jobs, err := f.repo.ListCronJobs(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPopResultsAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		f.notifier.Push(ctx, "user-1", domain.Envelope{Type: domain.EnvelopeProactiveMessage, Message: msg})
	}

	rec := f.do(t, "GET", "/api/results/user-1?limit=2", "")
	require.Equal(t, 200, rec.Code)
	envs := decode[[]domain.Envelope](t, rec)
	require.Len(t, envs, 2)
	assert.Equal(t, "one", envs[0].Message)

	rec = f.do(t, "GET", "/api/results/user-1", "")
	assert.Len(t, decode[[]domain.Envelope](t, rec), 1)
	rec = f.do(t, "GET", "/api/results/user-1", "")
	assert.Equal(t, "[]\n", rec.Body.String())

	f.alerts.Emit("worker", alert.SeverityCritical, "task failed permanently", nil)
	rec = f.do(t, "GET", "/api/alerts", "")
	require.Equal(t, 200, rec.Code)
	alerts := decode[[]domain.Alert](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, "worker", alerts[0].Component)
}

func TestStreamDeliversLiveEnvelopes(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/user-1")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return slices.Contains(f.hub.ConnectedOwners(), "user-1")
	}, 2*time.Second, 10*time.Millisecond)

	f.notifier.Push(ctx, "user-1", domain.Envelope{Type: domain.EnvelopeWorkerResult, Success: true, Message: "done"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "done", env.Message)
	assert.True(t, env.Success)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(f.hub.ConnectedOwners()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamAnswersPingWhileDelivering(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/user-1")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return slices.Contains(f.hub.ConnectedOwners(), "user-1")
	}, 2*time.Second, 10*time.Millisecond)

	const envelopes = 20
	go func() {
		for i := 0; i < envelopes; i++ {
			f.notifier.Push(ctx, "user-1", domain.Envelope{Type: domain.EnvelopeWorkerResult, Message: "tick"})
		}
	}()
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpPing, []byte("hi")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var texts, pongs int
	for texts < envelopes || pongs < 1 {
		msgs, err := wsutil.ReadServerMessage(conn, nil)
		require.NoError(t, err)
		for _, m := range msgs {
			switch m.OpCode {
			case ws.OpPong:
				pongs++
				assert.Equal(t, "hi", string(m.Payload))
			case ws.OpText:
				texts++
				var env domain.Envelope
				require.NoError(t, json.Unmarshal(m.Payload, &env))
				assert.Equal(t, "tick", env.Message)
			}
		}
	}
	assert.Equal(t, 1, pongs)
}
