// Package dlq stores terminally failed tasks for operator inspection,
// selective retry, and purging.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskmill/internal/backend"
	"taskmill/internal/domain"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

// Queue is the dead letter queue. Entries are ordered by failure time.
type Queue struct {
	b     backend.Backend
	st    *store.Store
	sched *scheduler.Scheduler
	log   zerolog.Logger
}

func New(b backend.Backend, st *store.Store, sched *scheduler.Scheduler, log zerolog.Logger) *Queue {
	return &Queue{b: b, st: st, sched: sched, log: log.With().Str("component", "dlq").Logger()}
}

// Add records a dead letter entry for the task and marks the persisted
// record dead. The reason is kept verbatim for inspection.
func (q *Queue) Add(ctx context.Context, task *domain.Task, reason string) error {
	now := time.Now().UTC()
	task.Status = domain.StatusDead
	task.LastError = reason
	task.WorkerID = ""

	entry := domain.DeadLetterEntry{
		TaskID:   task.ID,
		Task:     *task,
		Reason:   reason,
		Attempts: task.Attempt,
		FailedAt: now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", task.ID, err)
	}
	if err := q.b.Set(ctx, store.DeadKey(task.ID), string(data), 0); err != nil {
		return fmt.Errorf("store dead letter %s: %w", task.ID, err)
	}
	if err := q.b.ZAdd(ctx, store.KeyDead, task.ID, float64(now.UnixMilli())); err != nil {
		return fmt.Errorf("index dead letter %s: %w", task.ID, err)
	}
	if err := q.st.Save(ctx, task); err != nil {
		return err
	}
	if task.IdempotencyKey != "" {
		if err := q.st.ClearIdempotency(ctx, task.Name, task.IdempotencyKey); err != nil {
			return err
		}
	}

	q.log.Warn().Str("task_id", task.ID).Str("name", task.Name).
		Int("attempts", task.Attempt).Str("reason", reason).
		Msg("task dead-lettered")
	return nil
}

// List returns entries ordered by failedAt descending, paginated.
func (q *Queue) List(ctx context.Context, limit, offset int64) ([]domain.DeadLetterEntry, error) {
	ids, err := q.b.ZRevRange(ctx, store.KeyDead, offset, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

// Get returns the entry for a task id, or nil when absent.
func (q *Queue) Get(ctx context.Context, taskID string) (*domain.DeadLetterEntry, error) {
	raw, ok, err := q.b.Get(ctx, store.DeadKey(taskID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entry domain.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", taskID, err)
	}
	return &entry, nil
}

// Retry converts a dead entry back into a fresh pending task with a new
// id and a clean slate, re-enqueued through the scheduler. Returns the
// new task id, or "" when the entry does not exist.
func (q *Queue) Retry(ctx context.Context, taskID string) (string, error) {
	entry, err := q.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}

	newID, err := q.sched.Enqueue(ctx, entry.Task.Name, entry.Task.Payload,
		scheduler.WithPriority(entry.Task.Priority),
		scheduler.WithMaxAttempts(entry.Task.MaxAttempts),
	)
	if err != nil {
		return "", err
	}

	if err := q.remove(ctx, taskID); err != nil {
		return "", err
	}
	q.log.Info().Str("task_id", taskID).Str("new_task_id", newID).Msg("dead letter retried")
	return newID, nil
}

// RetryAll retries every entry and returns how many were re-enqueued.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	ids, err := q.b.ZRevRange(ctx, store.KeyDead, 0, 0)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, id := range ids {
		newID, err := q.Retry(ctx, id)
		if err != nil {
			return retried, err
		}
		if newID != "" {
			retried++
		}
	}
	return retried, nil
}

// Purge deletes entries and their backing task records. A zero maxAge
// purges everything; otherwise only entries older than now-maxAge go.
func (q *Queue) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	var ids []string
	var err error
	if maxAge <= 0 {
		// Unconditional purge walks the entry keyspace directly.
		keys, err := q.b.Keys(ctx, store.DeadKeyPattern)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, store.DeadKey("")))
		}
	} else {
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		ids, err = q.b.ZRangeByScore(ctx, store.KeyDead, 0, float64(cutoff), 0)
		if err != nil {
			return 0, err
		}
	}

	removed := 0
	for _, id := range ids {
		if err := q.remove(ctx, id); err != nil {
			return removed, err
		}
		if err := q.st.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of entries currently held.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.b.ZCard(ctx, store.KeyDead)
}

func (q *Queue) remove(ctx context.Context, taskID string) error {
	if err := q.b.Delete(ctx, store.DeadKey(taskID)); err != nil {
		return err
	}
	_, err := q.b.ZRem(ctx, store.KeyDead, taskID)
	return err
}
