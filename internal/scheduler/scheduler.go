// Package scheduler enqueues tasks into the shared priority/time-ordered
// queue, collapsing duplicates via idempotency keys and debounce windows.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskmill/internal/backend"
	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/store"
)

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 5
)

// Scheduler creates task records and inserts them into the pending queue.
type Scheduler struct {
	b   backend.Backend
	st  *store.Store
	reg *registry.Registry
	log zerolog.Logger
}

func New(b backend.Backend, st *store.Store, reg *registry.Registry, log zerolog.Logger) *Scheduler {
	return &Scheduler{b: b, st: st, reg: reg, log: log.With().Str("component", "scheduler").Logger()}
}

// Option adjusts a single enqueue.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	delay       time.Duration
	priority    *int
	maxAttempts *int
}

// WithDelay postpones the earliest claim time by d.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithPriority overrides the definition's default priority (lower runs first).
func WithPriority(p int) Option {
	return func(o *enqueueOptions) { o.priority = &p }
}

// WithMaxAttempts overrides the definition's retry budget.
func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = &n
		}
	}
}

// Enqueue creates a pending task for the named definition and returns its
// id. An unregistered name still enqueues — the claiming worker routes it
// to the dead letter queue — so producers and consumers can deploy
// independently. When the definition declares an idempotency key or a
// debounce window, an existing active task may be returned or updated
// instead of creating a new one.
func (s *Scheduler) Enqueue(ctx context.Context, name string, payload json.RawMessage, opts ...Option) (string, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	def, registered := s.reg.Get(name)
	now := time.Now().UTC()

	if registered && def.IdempotencyKey != nil {
		if id, ok, err := s.dedupe(ctx, def, payload); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	if registered && def.Debounce != nil && def.Debounce.Key != nil {
		return s.debounce(ctx, def, payload, now, o)
	}

	task := s.buildTask(def, registered, name, payload, now, o)
	if err := s.insert(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// GetTask is a read-through to task storage; nil when absent.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.st.Get(ctx, id)
}

// dedupe returns the id of an existing non-terminal task owning this
// payload's idempotency key, if any. Stale index entries (terminal or
// vanished tasks) are dropped on the way.
func (s *Scheduler) dedupe(ctx context.Context, def *registry.Definition, payload json.RawMessage) (string, bool, error) {
	key := def.IdempotencyKey(payload)
	if key == "" {
		return "", false, nil
	}
	existing, ok, err := s.st.LookupIdempotency(ctx, def.Name, key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	task, err := s.st.Get(ctx, existing)
	if err != nil {
		return "", false, err
	}
	if task != nil && !task.Status.Terminal() {
		s.log.Debug().Str("task_id", existing).Str("name", def.Name).Msg("idempotency hit, returning existing task")
		return existing, true, nil
	}
	if err := s.st.ClearIdempotency(ctx, def.Name, key); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// debounce collapses rapid enqueues sharing a key into one task scheduled
// at the end of the window. A call within an open window replaces the
// pending target's payload but keeps the original deadline.
func (s *Scheduler) debounce(ctx context.Context, def *registry.Definition, payload json.RawMessage, now time.Time, o enqueueOptions) (string, error) {
	key := def.Debounce.Key(payload)
	marker := store.DebounceKey(def.Name, key)

	if existing, ok, err := s.b.Get(ctx, marker); err != nil {
		return "", fmt.Errorf("read debounce marker: %w", err)
	} else if ok {
		task, err := s.st.Get(ctx, existing)
		if err != nil {
			return "", err
		}
		if task != nil && task.Status == domain.StatusPending {
			task.Payload = payload
			if err := s.st.Save(ctx, task); err != nil {
				return "", err
			}
			s.log.Debug().Str("task_id", existing).Str("name", def.Name).Msg("debounce hit, replaced pending payload")
			return existing, nil
		}
	}

	o.delay = def.Debounce.Window
	task := s.buildTask(def, true, def.Name, payload, now, o)
	if err := s.insert(ctx, task); err != nil {
		return "", err
	}
	if err := s.b.Set(ctx, marker, task.ID, def.Debounce.Window); err != nil {
		return "", fmt.Errorf("set debounce marker: %w", err)
	}
	return task.ID, nil
}

func (s *Scheduler) buildTask(def *registry.Definition, registered bool, name string, payload json.RawMessage, now time.Time, o enqueueOptions) *domain.Task {
	priority := DefaultPriority
	maxAttempts := DefaultMaxAttempts
	if registered {
		if def.Priority > 0 {
			priority = def.Priority
		}
		if def.MaxAttempts > 0 {
			maxAttempts = def.MaxAttempts
		}
	}
	if o.priority != nil {
		priority = *o.priority
	}
	if o.maxAttempts != nil {
		maxAttempts = *o.maxAttempts
	}
	// Queue scores pack the priority into 11 bits; values outside the
	// window would corrupt the ordering, so clamp rather than enqueue a
	// task that claims early.
	if priority < 0 {
		priority = 0
	}
	if priority > backend.MaxPriority {
		priority = backend.MaxPriority
	}

	task := &domain.Task{
		ID:           "tsk_" + uuid.NewString(),
		Name:         name,
		Payload:      payload,
		Status:       domain.StatusPending,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		ScheduledFor: now.Add(o.delay),
		CreatedAt:    now,
	}
	if registered && def.IdempotencyKey != nil {
		task.IdempotencyKey = def.IdempotencyKey(payload)
	}
	return task
}

// insert persists the record, indexes its idempotency key, and pushes it
// into the pending queue ordered by (priority, scheduledFor, id).
func (s *Scheduler) insert(ctx context.Context, task *domain.Task) error {
	if err := s.st.Save(ctx, task); err != nil {
		return err
	}
	if task.IdempotencyKey != "" {
		if err := s.st.SetIdempotency(ctx, task.Name, task.IdempotencyKey, task.ID); err != nil {
			return err
		}
	}
	member := backend.Member(task.Name, task.ID)
	score := backend.Score(task.Priority, task.ScheduledFor)
	if err := s.b.ZAdd(ctx, store.KeyPending, member, score); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	s.log.Debug().Str("task_id", task.ID).Str("name", task.Name).
		Int("priority", task.Priority).Time("scheduled_for", task.ScheduledFor).
		Msg("task enqueued")
	return nil
}
