package domain

import "time"

type TaskStatus string

const (
	StatusQueued         TaskStatus = "queued"
	StatusRunning        TaskStatus = "running"
	StatusRetryScheduled TaskStatus = "retry_scheduled"
	StatusSuccess        TaskStatus = "success"
	StatusFailed         TaskStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task is a durable background job. Rows are never deleted; they are the
// task history.
type Task struct {
	ID           string         `json:"id"`
	Owner        *string        `json:"owner,omitempty"`
	JobType      string         `json:"job_type"`
	Payload      map[string]any `json:"payload"`
	Status       TaskStatus     `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxRetries   int            `json:"max_retries"`
	DedupeKey    *string        `json:"dedupe_key,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// OwnerID returns the owner or "" when the task has none.
func (t Task) OwnerID() string {
	if t.Owner == nil {
		return ""
	}
	return *t.Owner
}

// CronJob is the declared desired state for one user trigger.
type CronJob struct {
	ID             string         `json:"id"`
	Owner          string         `json:"owner"`
	Name           string         `json:"name"`
	CronExpression string         `json:"cron_expression"`
	ActionType     string         `json:"action_type"`
	Payload        map[string]any `json:"payload"`
	IsActive       bool           `json:"is_active"`
	LastRun        *time.Time     `json:"last_run,omitempty"`
	NextRun        *time.Time     `json:"next_run,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

const (
	EnvelopeWorkerResult     = "worker_result"
	EnvelopeProactiveMessage = "proactive_message"
)

type EnvelopeError struct {
	Message string `json:"message"`
}

// Envelope is what a user receives when background work completes or a
// scheduled action fires.
type Envelope struct {
	Type          string         `json:"type"`
	Success       bool           `json:"success"`
	JobType       string         `json:"job_type"`
	Message       string         `json:"message"`
	ResultPreview map[string]any `json:"result_preview"`
	Error         *EnvelopeError `json:"error"`
	DeliveredAt   time.Time      `json:"delivered_at"`
}

type Alert struct {
	Timestamp time.Time      `json:"ts"`
	Component string         `json:"component"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}
