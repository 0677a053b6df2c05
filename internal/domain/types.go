package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusDead      TaskStatus = "dead"
)

// Terminal reports whether the status can never transition again
// (except through an explicit dead-letter retry).
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Task is one unit of work. Records are owned by the shared backend;
// a worker holds only a transient lease while executing.
type Task struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         TaskStatus      `json:"status"`
	Priority       int             `json:"priority"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeadLetterEntry is the snapshot kept for a terminally failed task.
type DeadLetterEntry struct {
	TaskID   string    `json:"task_id"`
	Task     Task      `json:"task"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Schedule is a recurring task producer. Exactly one of CronExpr or
// Interval is set.
type Schedule struct {
	ID        string          `json:"id"`
	TaskName  string          `json:"task_name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CronExpr  string          `json:"cron_expr,omitempty"`
	Timezone  string          `json:"timezone,omitempty"`
	Interval  time.Duration   `json:"interval,omitempty"`
	Enabled   bool            `json:"enabled"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Run is the execution context handed to a task handler. Cancellation
// (timeout, handler abort) travels on the context passed alongside it.
type Run struct {
	TaskID      string
	Attempt     int
	WorkerID    string
	ScheduledAt time.Time
	StartedAt   time.Time
}
