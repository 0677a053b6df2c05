package recurring_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/backend"
	"taskmill/internal/domain"
	"taskmill/internal/recurring"
	"taskmill/internal/registry"
)

func TestNextRun_Cron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec recurring.Spec
		from time.Time
		want time.Time
	}{
		{
			name: "hourly from mid-hour",
			spec: recurring.Spec{Cron: "0 * * * *"},
			from: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			want: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "exact boundary fires immediately",
			spec: recurring.Spec{Cron: "0 * * * *"},
			from: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "sub-second past the boundary rolls to the next slot",
			spec: recurring.Spec{Cron: "0 * * * *"},
			from: time.Date(2024, 1, 15, 11, 0, 0, 500_000_000, time.UTC),
			want: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "one second past the boundary rolls to the next slot",
			spec: recurring.Spec{Cron: "0 * * * *"},
			from: time.Date(2024, 1, 15, 11, 0, 1, 0, time.UTC),
			want: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "daily at nine",
			spec: recurring.Spec{Cron: "0 9 * * *"},
			from: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			want: time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "timezone shifts the boundary",
			spec: recurring.Spec{Cron: "0 9 * * *", Timezone: "America/New_York"},
			from: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
			// 9:00 New York in January is 14:00 UTC.
			want: time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := recurring.NextRun(tt.spec, tt.from)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
			assert.False(t, got.Before(tt.from), "next run must not precede the reference time")
		})
	}
}

func TestNextRun_Interval(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	got, err := recurring.NextRun(recurring.Spec{Interval: 5 * time.Minute}, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Minute), got)
}

func TestNextRun_Invalid(t *testing.T) {
	t.Parallel()

	_, err := recurring.NextRun(recurring.Spec{}, time.Now())
	assert.ErrorIs(t, err, recurring.ErrScheduleSpec)

	_, err = recurring.NextRun(recurring.Spec{Cron: "not a cron"}, time.Now())
	assert.Error(t, err)

	_, err = recurring.NextRun(recurring.Spec{Cron: "0 * * * *", Timezone: "Mars/Olympus"}, time.Now())
	assert.Error(t, err)
}

func noop(ctx context.Context, run domain.Run, payload json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func newManager(t *testing.T, names ...string) *recurring.Manager {
	t.Helper()
	b := backend.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	reg := registry.New()
	for _, name := range names {
		require.NoError(t, reg.Register(&registry.Definition{Name: name, Handler: registry.HandlerFunc(noop)}))
	}
	return recurring.New(b, reg, zerolog.Nop())
}

func TestManager_CreateGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	id, err := m.Create(ctx, "report", json.RawMessage(`{"kind":"daily"}`), recurring.Spec{Cron: "0 9 * * *"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sch, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sch)
	assert.Equal(t, "report", sch.TaskName)
	assert.True(t, sch.Enabled)
	assert.False(t, sch.NextRunAt.IsZero())
	assert.Nil(t, sch.LastRunAt)

	_, err = m.Create(ctx, "report", nil, recurring.Spec{})
	assert.ErrorIs(t, err, recurring.ErrScheduleSpec)

	require.NoError(t, m.Delete(ctx, id))
	sch, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sch)
	require.NoError(t, m.Delete(ctx, id), "delete is idempotent")
}

func TestManager_PauseResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	id, err := m.Create(ctx, "report", nil, recurring.Spec{Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, id))
	sch, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sch.Enabled)

	require.NoError(t, m.Resume(ctx, id))
	sch, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	assert.True(t, sch.NextRunAt.After(time.Now().Add(50*time.Minute)),
		"resume recomputes the next run from now")

	assert.ErrorIs(t, m.Pause(ctx, "sch_nope"), recurring.ErrScheduleNotFound)
	assert.ErrorIs(t, m.Resume(ctx, "sch_nope"), recurring.ErrScheduleNotFound)
}

func TestManager_List(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	a, err := m.Create(ctx, "report", nil, recurring.Spec{Interval: time.Hour})
	require.NoError(t, err)
	b, err := m.Create(ctx, "report", nil, recurring.Spec{Cron: "0 * * * *"})
	require.NoError(t, err)

	schedules, err := m.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(schedules))
	for _, sch := range schedules {
		ids = append(ids, sch.ID)
	}
	assert.ElementsMatch(t, []string{a, b}, ids)
}

func TestManager_Tick(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	id, err := m.Create(ctx, "report", json.RawMessage(`{"kind":"daily"}`), recurring.Spec{Interval: time.Minute})
	require.NoError(t, err)
	sch, err := m.Get(ctx, id)
	require.NoError(t, err)
	firstRun := sch.NextRunAt

	var enqueued []string
	enqueue := func(ctx context.Context, name string, payload json.RawMessage) (string, error) {
		enqueued = append(enqueued, name)
		return "tsk_1", nil
	}

	// Not due yet: nothing fires.
	require.NoError(t, m.Tick(ctx, firstRun.Add(-time.Second), enqueue))
	assert.Empty(t, enqueued)

	// Due: fires once and advances.
	require.NoError(t, m.Tick(ctx, firstRun, enqueue))
	assert.Equal(t, []string{"report"}, enqueued)

	sch, err = m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sch.LastRunAt)
	assert.True(t, sch.LastRunAt.Equal(firstRun))
	assert.True(t, sch.NextRunAt.Equal(firstRun.Add(time.Minute)), "next run advances by the interval")

	// Same instant again: already advanced, nothing fires.
	require.NoError(t, m.Tick(ctx, firstRun, enqueue))
	assert.Len(t, enqueued, 1)
}

func TestManager_TickFiresSlotOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	id, err := m.Create(ctx, "report", nil, recurring.Spec{Cron: "* * * * *"})
	require.NoError(t, err)
	sch, err := m.Get(ctx, id)
	require.NoError(t, err)
	boundary := sch.NextRunAt

	fired := 0
	enqueue := func(ctx context.Context, name string, payload json.RawMessage) (string, error) {
		fired++
		return "tsk_1", nil
	}

	// Polling ticks rarely land exactly on the boundary; two ticks just
	// after it belong to the same minute slot and must produce one task.
	require.NoError(t, m.Tick(ctx, boundary.Add(400*time.Millisecond), enqueue))
	require.NoError(t, m.Tick(ctx, boundary.Add(1400*time.Millisecond), enqueue))
	assert.Equal(t, 1, fired)

	sch, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sch.NextRunAt.Equal(boundary.Add(time.Minute)), "advances to the next slot, not back to the fired one")
}

func TestManager_TickSkipsPaused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	id, err := m.Create(ctx, "report", nil, recurring.Spec{Interval: time.Minute})
	require.NoError(t, err)
	require.NoError(t, m.Pause(ctx, id))

	fired := 0
	enqueue := func(ctx context.Context, name string, payload json.RawMessage) (string, error) {
		fired++
		return "tsk_1", nil
	}
	require.NoError(t, m.Tick(ctx, time.Now().Add(time.Hour), enqueue))
	assert.Zero(t, fired)
}

func TestManager_TickPrunesUnregistered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t, "report")

	id, err := m.Create(ctx, "report", nil, recurring.Spec{Interval: time.Minute})
	require.NoError(t, err)

	// The definition disappears on the next deploy; the schedule must not
	// keep producing unexecutable tasks. Create does not consult the
	// registry, so pruning happens at tick time.
	m2 := newManager(t)
	id2, err := m2.Create(ctx, "gone", nil, recurring.Spec{Interval: time.Minute})
	require.NoError(t, err)

	fired := 0
	enqueue := func(ctx context.Context, name string, payload json.RawMessage) (string, error) {
		fired++
		return "tsk_1", nil
	}
	require.NoError(t, m2.Tick(ctx, time.Now().Add(time.Hour), enqueue))
	assert.Zero(t, fired)

	sch, err := m2.Get(ctx, id2)
	require.NoError(t, err)
	assert.Nil(t, sch, "schedule for an unregistered type is pruned")

	// The registered one still fires.
	require.NoError(t, m.Tick(ctx, time.Now().Add(time.Hour), enqueue))
	assert.Equal(t, 1, fired)
	sch, err = m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sch)
}
