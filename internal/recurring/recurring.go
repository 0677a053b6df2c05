// Package recurring turns cron and interval specifications into periodic
// task production through the scheduler.
package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"taskmill/internal/backend"
	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/store"
)

var (
	ErrScheduleSpec     = errors.New("schedule needs a cron expression or an interval")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Spec describes when a recurring schedule fires: a standard 5-field cron
// expression with an optional IANA timezone (default UTC), or a fixed
// interval. Exactly one of Cron and Interval must be set.
type Spec struct {
	Cron     string
	Timezone string
	Interval time.Duration
}

// NextRun computes the first fire time at or after from. It is a pure
// function of the spec and the reference time, so scheduling decisions
// stay deterministic and unit-testable.
func NextRun(s Spec, from time.Time) (time.Time, error) {
	switch {
	case s.Cron != "":
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", s.Cron, err)
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
		}
		// cron's Next is strictly-after; backing up one nanosecond makes
		// an exactly-aligned reference time eligible itself. Anything
		// past the boundary, even sub-second, rolls to the next slot, so
		// the result is never before from.
		return sched.Next(from.In(loc).Add(-time.Nanosecond)), nil
	case s.Interval > 0:
		return from.Add(s.Interval), nil
	default:
		return time.Time{}, ErrScheduleSpec
	}
}

// EnqueueFunc performs the real scheduler enqueue on behalf of a tick.
type EnqueueFunc func(ctx context.Context, name string, payload json.RawMessage) (string, error)

// Manager owns recurring schedules persisted on the shared backend.
type Manager struct {
	b    backend.Backend
	reg  *registry.Registry
	log  zerolog.Logger
	stop chan struct{}
}

func New(b backend.Backend, reg *registry.Registry, log zerolog.Logger) *Manager {
	return &Manager{
		b:    b,
		reg:  reg,
		log:  log.With().Str("component", "recurring").Logger(),
		stop: make(chan struct{}),
	}
}

// Create validates the spec and persists an enabled schedule with its
// first fire time computed from now.
func (m *Manager) Create(ctx context.Context, taskName string, payload json.RawMessage, spec Spec) (string, error) {
	now := time.Now().UTC()
	next, err := NextRun(spec, now)
	if err != nil {
		return "", err
	}

	sch := &domain.Schedule{
		ID:        "sch_" + uuid.NewString(),
		TaskName:  taskName,
		Payload:   payload,
		CronExpr:  spec.Cron,
		Timezone:  spec.Timezone,
		Interval:  spec.Interval,
		Enabled:   true,
		NextRunAt: next,
		CreatedAt: now,
	}
	if err := m.save(ctx, sch); err != nil {
		return "", err
	}
	if err := m.b.SAdd(ctx, store.KeySchedules, sch.ID); err != nil {
		return "", err
	}
	m.log.Info().Str("schedule_id", sch.ID).Str("name", taskName).
		Time("next_run", next).Msg("schedule created")
	return sch.ID, nil
}

// Get returns a schedule, or nil when absent.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	raw, ok, err := m.b.Get(ctx, store.ScheduleKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var sch domain.Schedule
	if err := json.Unmarshal([]byte(raw), &sch); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	return &sch, nil
}

// Pause disables a schedule without losing it.
func (m *Manager) Pause(ctx context.Context, id string) error {
	sch, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sch == nil {
		return ErrScheduleNotFound
	}
	sch.Enabled = false
	return m.save(ctx, sch)
}

// Resume re-enables a schedule and recomputes its next fire time from
// now, so a long-paused schedule does not fire for every missed slot.
func (m *Manager) Resume(ctx context.Context, id string) error {
	sch, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sch == nil {
		return ErrScheduleNotFound
	}
	next, err := NextRun(specOf(sch), time.Now().UTC())
	if err != nil {
		return err
	}
	sch.Enabled = true
	sch.NextRunAt = next
	return m.save(ctx, sch)
}

// Delete removes a schedule permanently. Idempotent.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.b.Delete(ctx, store.ScheduleKey(id)); err != nil {
		return err
	}
	return m.b.SRem(ctx, store.KeySchedules, id)
}

// List returns all schedules.
func (m *Manager) List(ctx context.Context) ([]domain.Schedule, error) {
	ids, err := m.b.SMembers(ctx, store.KeySchedules)
	if err != nil {
		return nil, err
	}
	schedules := make([]domain.Schedule, 0, len(ids))
	for _, id := range ids {
		sch, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sch == nil {
			// Index entry without a record; drop it opportunistically.
			_ = m.b.SRem(ctx, store.KeySchedules, id)
			continue
		}
		schedules = append(schedules, *sch)
	}
	return schedules, nil
}

// Tick fires every enabled schedule whose next run is due, then advances
// it. Schedules pointing at task names with no registered definition are
// pruned rather than producing tasks nobody can execute.
func (m *Manager) Tick(ctx context.Context, now time.Time, enqueue EnqueueFunc) error {
	schedules, err := m.List(ctx)
	if err != nil {
		return err
	}

	for i := range schedules {
		sch := &schedules[i]
		if !sch.Enabled || sch.NextRunAt.After(now) {
			continue
		}

		if _, ok := m.reg.Get(sch.TaskName); !ok {
			m.log.Warn().Str("schedule_id", sch.ID).Str("name", sch.TaskName).
				Msg("pruning schedule for unregistered task type")
			if err := m.Delete(ctx, sch.ID); err != nil {
				return err
			}
			continue
		}

		taskID, err := enqueue(ctx, sch.TaskName, sch.Payload)
		if err != nil {
			m.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to enqueue scheduled task")
			continue
		}

		next, err := NextRun(specOf(sch), now)
		if err != nil {
			// A persisted spec that no longer computes is disabled, not
			// retried every tick.
			m.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("schedule spec no longer computes, disabling")
			sch.Enabled = false
			if err := m.save(ctx, sch); err != nil {
				return err
			}
			continue
		}

		ranAt := now
		sch.LastRunAt = &ranAt
		sch.NextRunAt = next
		if err := m.save(ctx, sch); err != nil {
			return err
		}

		m.log.Info().Str("schedule_id", sch.ID).Str("name", sch.TaskName).
			Str("task_id", taskID).Time("next_run", next).
			Msg("scheduled task enqueued")
	}
	return nil
}

// Start drives periodic ticks until the context is cancelled or Stop is
// called. It blocks; run it in its own goroutine.
func (m *Manager) Start(ctx context.Context, interval time.Duration, enqueue EnqueueFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Msg("recurring manager started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-ticker.C:
			if err := m.Tick(ctx, now.UTC(), enqueue); err != nil {
				m.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Stop terminates a blocking Start.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) save(ctx context.Context, sch *domain.Schedule) error {
	data, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", sch.ID, err)
	}
	return m.b.Set(ctx, store.ScheduleKey(sch.ID), string(data), 0)
}

func specOf(sch *domain.Schedule) Spec {
	return Spec{Cron: sch.CronExpr, Timezone: sch.Timezone, Interval: sch.Interval}
}
