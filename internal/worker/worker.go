// Package worker polls the shared queue, claims due tasks atomically, and
// executes their handlers under timeout, retry, and lease accounting.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskmill/internal/backend"
	"taskmill/internal/dlq"
	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/retry"
	"taskmill/internal/store"
)

// Status is the worker state machine: stopped -> running <-> paused -> stopped.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrNotStarted     = errors.New("worker not started")

	// errTimeout carries the exact error text recorded on tasks whose
	// handler exceeded its deadline.
	errTimeout = errors.New("Task timeout")
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultConcurrency  = 4
	defaultLeaseTTL     = time.Minute

	// sweepBatch bounds how many expired leases one tick requeues.
	sweepBatch = 64
)

// Stats is a point-in-time snapshot of a worker instance.
type Stats struct {
	ID        string
	Status    Status
	Processed int64
	Failed    int64
	Active    int
	StartedAt time.Time
}

// Option configures a worker.
type Option func(*Worker)

// WithPollInterval sets how often the worker looks for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithConcurrency sets the number of tasks executing at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithTaskTypes restricts the worker to the given task names.
func WithTaskTypes(names ...string) Option {
	return func(w *Worker) { w.taskTypes = names }
}

// WithLeaseTTL sets how long a claim stays owned without renewal before
// other workers may requeue it.
func WithLeaseTTL(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.leaseTTL = d
		}
	}
}

// Worker is one polling consumer. Many workers, in any number of
// processes, may share one backend; the atomic claim keeps each task's
// execution exclusive.
type Worker struct {
	b   backend.Backend
	st  *store.Store
	reg *registry.Registry
	dlq *dlq.Queue
	log zerolog.Logger

	id           string
	pollInterval time.Duration
	concurrency  int
	taskTypes    []string
	leaseTTL     time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	mu           sync.Mutex
	status       Status
	cancel       context.CancelFunc
	startedAt    time.Time
	activeByName map[string]int

	paused    atomic.Bool
	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func New(b backend.Backend, st *store.Store, reg *registry.Registry, dl *dlq.Queue, log zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		b:            b,
		st:           st,
		reg:          reg,
		dlq:          dl,
		id:           "wrk_" + uuid.NewString(),
		pollInterval: defaultPollInterval,
		concurrency:  defaultConcurrency,
		leaseTTL:     defaultLeaseTTL,
		status:       StatusStopped,
		activeByName: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = log.With().Str("component", "worker").Str("worker_id", w.id).Logger()
	w.sem = make(chan struct{}, w.concurrency)
	return w
}

// ID returns the worker's unique id.
func (w *Worker) ID() string { return w.id }

// Start begins the polling loop. It returns immediately; call Stop to
// shut down.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.status = StatusRunning
	w.startedAt = time.Now().UTC()
	w.paused.Store(false)

	w.wg.Add(1)
	go w.run(runCtx)

	w.log.Info().Dur("poll_interval", w.pollInterval).
		Int("concurrency", w.concurrency).Strs("task_types", w.taskTypes).
		Msg("worker started")
	return nil
}

// Stop halts new claims immediately and waits for in-flight executions
// to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrNotStarted
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.mu.Lock()
	w.status = StatusStopped
	w.mu.Unlock()

	w.log.Info().Msg("worker stopped")
	return nil
}

// Pause stops new claims; in-flight executions are not interrupted.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.mu.Lock()
	if w.status == StatusRunning {
		w.status = StatusPaused
	}
	w.mu.Unlock()
}

// Resume re-enables claiming after Pause.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.mu.Lock()
	if w.status == StatusPaused {
		w.status = StatusRunning
	}
	w.mu.Unlock()
}

// GetStats returns a snapshot of the worker instance.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	status := w.status
	startedAt := w.startedAt
	w.mu.Unlock()

	return Stats{
		ID:        w.id,
		Status:    status,
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Active:    int(w.active.Load()),
		StartedAt: startedAt,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if w.paused.Load() {
				continue
			}
			w.sweepExpired(now)
			w.claimDue(ctx, now)
		}
	}
}

// claimDue fills every free concurrency slot with an atomically claimed
// due task. Losing a claim race simply means another worker got the
// task; the queue hands each member to exactly one claimer.
func (w *Worker) claimDue(ctx context.Context, now time.Time) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		member, err := w.b.Claim(ctx, backend.ClaimQuery{
			PendingKey: store.KeyPending,
			RunningKey: store.KeyRunning,
			Now:        now,
			Allowed:    w.taskTypes,
			Blocked:    w.saturatedNames(),
			Lease:      w.leaseTTL,
		})
		if err != nil {
			<-w.sem
			if !errors.Is(err, backend.ErrNoTask) && ctx.Err() == nil {
				// Backend trouble is logged, not fatal; the next poll
				// tick tries again.
				w.log.Error().Err(err).Msg("claim failed")
			}
			return
		}

		name, id := backend.SplitMember(member)
		w.trackStart(name)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			defer w.trackDone(name)
			w.execute(member, name, id)
		}()
	}
}

// execute runs one claimed task end to end. Bookkeeping uses a background
// context so a stopping worker can still finish and persist in-flight work.
func (w *Worker) execute(member, name, id string) {
	ctx := context.Background()

	task, err := w.st.Get(ctx, id)
	if err != nil {
		// Leave the member leased; the lease expiry sweep will requeue it.
		w.log.Error().Err(err).Str("task_id", id).Msg("failed to load claimed task")
		return
	}
	if task == nil {
		w.log.Warn().Str("task_id", id).Msg("claimed queue entry without task record, dropping")
		_, _ = w.b.ZRem(ctx, store.KeyRunning, member)
		return
	}

	started := time.Now().UTC()
	task.Attempt++
	task.Status = domain.StatusRunning
	task.WorkerID = w.id
	task.StartedAt = &started
	if err := w.st.Save(ctx, task); err != nil {
		w.log.Error().Err(err).Str("task_id", id).Msg("failed to mark task running")
		return
	}

	def, ok := w.reg.Get(name)
	if !ok {
		// Configuration error, not a transient failure: no retry.
		w.moveToDead(ctx, member, task, "Unknown task type: "+name)
		return
	}

	result, err := w.invoke(def, task, member, started)
	if err != nil {
		w.handleFailure(ctx, member, task, def, err, started)
		return
	}

	now := time.Now().UTC()
	task.Status = domain.StatusCompleted
	task.Result = result
	task.CompletedAt = &now
	if err := w.st.Save(ctx, task); err != nil {
		w.log.Error().Err(err).Str("task_id", id).Msg("failed to mark task completed")
		return
	}
	_, _ = w.b.ZRem(ctx, store.KeyRunning, member)
	if task.IdempotencyKey != "" {
		_ = w.st.ClearIdempotency(ctx, task.Name, task.IdempotencyKey)
	}
	w.processed.Add(1)

	w.log.Info().Str("task_id", task.ID).Str("name", name).
		Int("attempt", task.Attempt).Dur("duration", now.Sub(started)).
		Msg("task completed")
}

// invoke races the handler against the definition's timeout while
// renewing the claim lease. A handler panic counts as a failure.
func (w *Worker) invoke(def *registry.Definition, task *domain.Task, member string, started time.Time) (json.RawMessage, error) {
	run := domain.Run{
		TaskID:      task.ID,
		Attempt:     task.Attempt,
		WorkerID:    w.id,
		ScheduledAt: task.ScheduledFor,
		StartedAt:   started,
	}

	// Detached from the worker's context: stopping the worker must let
	// in-flight handlers finish.
	hctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in handler: %v", r)}
			}
		}()
		result, err := def.Handler.Handle(hctx, run, task.Payload)
		done <- outcome{result: result, err: err}
	}()

	var timeout <-chan time.Time
	if def.Timeout > 0 {
		timer := time.NewTimer(def.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	renew := time.NewTicker(w.leaseTTL / 2)
	defer renew.Stop()

	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-timeout:
			cancel()
			return nil, errTimeout
		case <-renew.C:
			w.renewLease(member)
		}
	}
}

// handleFailure either schedules a retry with backoff or dead-letters
// the task once its attempt budget is exhausted.
func (w *Worker) handleFailure(ctx context.Context, member string, task *domain.Task, def *registry.Definition, execErr error, started time.Time) {
	// Record the failure before deciding its fate; a crash here leaves a
	// failed record with an expiring lease, which the sweep requeues.
	task.LastError = execErr.Error()
	task.Status = domain.StatusFailed
	if err := w.st.Save(ctx, task); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to record failure")
		return
	}

	if !retry.ShouldRetry(execErr, task.Attempt, task.MaxAttempts, def.Retry) {
		w.moveToDead(ctx, member, task, execErr.Error())
		return
	}

	delay := retry.Delay(task.Attempt, def.Retry)
	task.Status = domain.StatusPending
	task.WorkerID = ""
	task.ScheduledFor = time.Now().UTC().Add(delay)
	if err := w.st.Save(ctx, task); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist retry")
		return
	}
	// Re-insert before releasing the lease so a crash in between leaves
	// the task claimable rather than lost.
	if err := w.b.ZAdd(ctx, store.KeyPending, member, backend.Score(task.Priority, task.ScheduledFor)); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to requeue retry")
		return
	}
	_, _ = w.b.ZRem(ctx, store.KeyRunning, member)

	w.log.Warn().Str("task_id", task.ID).Str("name", task.Name).
		Int("attempt", task.Attempt).Int("max_attempts", task.MaxAttempts).
		Dur("backoff", delay).Str("error", execErr.Error()).
		Msg("task failed, retry scheduled")
}

func (w *Worker) moveToDead(ctx context.Context, member string, task *domain.Task, reason string) {
	if err := w.dlq.Add(ctx, task, reason); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to dead-letter task")
		return
	}
	_, _ = w.b.ZRem(ctx, store.KeyRunning, member)
	w.failed.Add(1)
}

// renewLease extends this worker's claim while a long handler runs.
func (w *Worker) renewLease(member string) {
	ctx := context.Background()
	_, held, err := w.b.ZScore(ctx, store.KeyRunning, member)
	if err != nil {
		w.log.Error().Err(err).Str("member", member).Msg("lease check failed")
		return
	}
	if !held {
		w.log.Warn().Str("member", member).Msg("lease lost while executing")
		return
	}
	expiry := float64(time.Now().Add(w.leaseTTL).UnixMilli())
	if err := w.b.ZAdd(ctx, store.KeyRunning, member, expiry); err != nil {
		w.log.Error().Err(err).Str("member", member).Msg("lease renewal failed")
	}
}

// sweepExpired requeues tasks whose claim lease lapsed without
// completion, making work from crashed workers claimable again. The
// ZRem result arbitrates between concurrent sweepers.
func (w *Worker) sweepExpired(now time.Time) {
	ctx := context.Background()
	members, err := w.b.ZRangeByScore(ctx, store.KeyRunning, 0, float64(now.UnixMilli()), sweepBatch)
	if err != nil {
		w.log.Error().Err(err).Msg("lease sweep failed")
		return
	}
	for _, member := range members {
		removed, err := w.b.ZRem(ctx, store.KeyRunning, member)
		if err != nil || !removed {
			continue
		}
		name, id := backend.SplitMember(member)
		task, err := w.st.Get(ctx, id)
		if err != nil || task == nil {
			continue
		}
		task.Status = domain.StatusPending
		task.WorkerID = ""
		task.ScheduledFor = now
		if err := w.st.Save(ctx, task); err != nil {
			w.log.Error().Err(err).Str("task_id", id).Msg("failed to requeue expired lease")
			continue
		}
		if err := w.b.ZAdd(ctx, store.KeyPending, member, backend.Score(task.Priority, now)); err != nil {
			w.log.Error().Err(err).Str("task_id", id).Msg("failed to requeue expired lease")
			continue
		}
		w.log.Warn().Str("task_id", id).Str("name", name).Msg("requeued task with expired lease")
	}
}

// saturatedNames lists task types at their per-type concurrency cap on
// this worker; they are excluded from the next claim.
func (w *Worker) saturatedNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var blocked []string
	for name, n := range w.activeByName {
		if def, ok := w.reg.Get(name); ok && def.MaxConcurrency > 0 && n >= def.MaxConcurrency {
			blocked = append(blocked, name)
		}
	}
	return blocked
}

func (w *Worker) trackStart(name string) {
	w.mu.Lock()
	w.activeByName[name]++
	w.mu.Unlock()
	w.active.Add(1)
}

func (w *Worker) trackDone(name string) {
	w.mu.Lock()
	w.activeByName[name]--
	if w.activeByName[name] <= 0 {
		delete(w.activeByName, name)
	}
	w.mu.Unlock()
	w.active.Add(-1)
}
