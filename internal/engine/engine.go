// Package engine implements the Lifecycle Engine (spec.md §4.5): the hub
// that owns every run's state machine, starts and supervises programs,
// persists transitions, applies rerun policy, and exposes the operations
// the scheduler and the HTTP layer drive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minisource/runsched/internal/catalog"
	"github.com/minisource/runsched/internal/program"
	"github.com/minisource/runsched/internal/queue"
	"github.com/minisource/runsched/internal/runs"
	"github.com/minisource/runsched/internal/store"
)

// Sentinel errors surfaced by the public operations (spec.md §7).
var (
	ErrDuplicateRun    = store.ErrDuplicateRun
	ErrAlreadyTerminal = errors.New("engine: run already terminal")
	ErrAlreadyStarted  = errors.New("engine: run already started")
)

// Notifier receives a broadcast of every transition the engine commits.
// internal/notify implements this over Redis pub/sub.
type Notifier interface {
	Publish(ctx context.Context, run *runs.Run, state runs.State)
}

// Engine is the Lifecycle Engine hub (spec.md §4.5 "Holds: reference to
// the store, the job catalog, the timed queue, and a table running_tasks").
type Engine struct {
	store   *store.Store
	catalog *catalog.Catalog
	queue   *queue.Queue
	notify  Notifier
	log     *slog.Logger
	nowFn   func() time.Time

	mu           sync.Mutex
	runLocks     map[string]*sync.Mutex
	runningTasks map[string]context.CancelFunc
	live         map[string]*runs.Run

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs an Engine. notify may be nil to disable transition broadcast.
func New(st *store.Store, cat *catalog.Catalog, q *queue.Queue, notify Notifier, log *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        st,
		catalog:      cat,
		queue:        q,
		notify:       notify,
		log:          log,
		nowFn:        time.Now,
		runLocks:     map[string]*sync.Mutex{},
		runningTasks: map[string]context.CancelFunc{},
		live:         map[string]*runs.Run{},
		shutdownCtx:  ctx,
		shutdownFn:   cancel,
	}
}

// WithNowFn overrides the clock source, for deterministic tests.
func (e *Engine) WithNowFn(nowFn func() time.Time) *Engine {
	e.nowFn = nowFn
	return e
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[runID] = l
	}
	return l
}

// track registers run as the single canonical in-memory object for its
// run_id, so that the timed queue, the supervision goroutine, and any
// later Cancel/Start call by run_id all observe and mutate the same
// object (spec.md §5: the engine's mutable state is a single run object
// per run_id, not a fresh copy per caller).
func (e *Engine) track(run *runs.Run) {
	e.mu.Lock()
	e.live[run.RunID] = run
	e.mu.Unlock()
}

// untrack removes run_id from the live registry once its run reaches a
// terminal state; later lookups fall back to the store.
func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	delete(e.live, runID)
	e.mu.Unlock()
}

func (e *Engine) lookupLive(runID string) (*runs.Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.live[runID]
	return run, ok
}

// resolve finds runID in the live registry, falling back to the store so
// that an already-terminal (and therefore untracked) run still resolves
// for Cancel/Start's idempotent error reporting.
func (e *Engine) resolve(ctx context.Context, runID string) (*runs.Run, error) {
	if run, ok := e.lookupLive(runID); ok {
		return run, nil
	}
	return e.store.Runs.Get(ctx, runID)
}

// RunQueueLoop drives the Timed Queue's release loop until ctx is
// cancelled. Call it in its own goroutine.
func (e *Engine) RunQueueLoop(ctx context.Context) {
	e.queue.Loop(ctx, e.nowFn, e.onRelease)
}

// Schedule adds run to the runs store (unless expected) and either starts
// it immediately (at == nil) or inserts it into the timed queue, recording
// times.schedule (spec.md §4.5 "schedule").
func (e *Engine) Schedule(ctx context.Context, at *time.Time, run *runs.Run) error {
	lock := e.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	if !run.Expected {
		if err := e.store.Runs.Add(ctx, run); err != nil {
			return err
		}
	}
	e.track(run)

	if at == nil {
		return e.startLocked(ctx, run)
	}

	e.queue.Schedule(*at, run)
	return e.transitionLocked(ctx, run, runs.StateScheduled, "", map[string]time.Time{"schedule": *at}, nil, nil)
}

// Cancel unschedules the run identified by runID and transitions it to
// error with message "cancelled" (spec.md §4.5 "cancel"). Only legal on
// scheduled runs; looks the run up in the live registry so it observes
// the same object the timed queue and API layer share.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.resolve(ctx, runID)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}

	lock := e.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	if run.State.Terminal() {
		return ErrAlreadyTerminal
	}
	if run.State != runs.StateScheduled {
		return fmt.Errorf("engine: cancel only legal on scheduled runs, run is %s", run.State)
	}

	e.queue.Unschedule(run)
	return e.transitionLocked(ctx, run, runs.StateError, "cancelled", nil, nil, nil)
}

// Start unschedules the run identified by runID and starts it
// immediately (spec.md §4.5 "start"). Only legal on scheduled runs; if
// the timed queue already released it first, returns ErrAlreadyStarted.
func (e *Engine) Start(ctx context.Context, runID string) error {
	run, err := e.resolve(ctx, runID)
	if err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}

	lock := e.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	if run.State != runs.StateScheduled {
		return ErrAlreadyStarted
	}
	e.queue.Unschedule(run)
	return e.startLocked(ctx, run)
}

// Rerun creates a new Run sharing the instance and rerun family of the
// run identified by runID, and schedules it at `at` (spec.md §4.5
// "rerun").
func (e *Engine) Rerun(ctx context.Context, runID string, at *time.Time) (*runs.Run, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	family := run.Rerun
	if family == "" {
		family = run.RunID
	}
	next := runs.New(uuid.NewString(), run.Inst, family, false)
	if err := e.Schedule(ctx, at, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Shutdown cancels every supervised task, awaits their termination, then
// cancels the engine's internal context. It does not stop the timed-queue
// loop or the horizon scheduler: those run on the contexts passed to
// RunQueueLoop and horizon.Scheduler.Run and stop when those are cancelled.
func (e *Engine) Shutdown(context.Context) {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.runningTasks))
	for _, c := range e.runningTasks {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	e.wg.Wait()
	e.shutdownFn()
}

// GetRun is the read-only run lookup the HTTP layer drives. It prefers
// the live in-memory registry (accurate for scheduled/running runs) and
// falls back to the store for terminal or historical runs.
func (e *Engine) GetRun(ctx context.Context, runID string) (*runs.Run, error) {
	if run, ok := e.lookupLive(runID); ok {
		return run.Clone(), nil
	}
	return e.store.Runs.Get(ctx, runID)
}

// QueryRuns is the read-only run query the HTTP layer drives.
func (e *Engine) QueryRuns(ctx context.Context, filter store.RunFilter) ([]*runs.Run, error) {
	return e.store.Runs.Query(ctx, filter)
}

// GetOutput is the read-only output lookup the HTTP layer drives.
func (e *Engine) GetOutput(ctx context.Context, runID, outputID string) ([]byte, error) {
	return e.store.Outputs.Get(ctx, runID, outputID)
}

// startLocked is the internal start path (spec.md §4.5 "_start"). Callers
// must hold run's per-run lock.
func (e *Engine) startLocked(ctx context.Context, run *runs.Run) error {
	if run.Program == nil {
		job, err := e.catalog.GetJob(run.Inst.JobID)
		if err != nil {
			return e.transitionLocked(ctx, run, runs.StateError, err.Error(), nil, nil, nil)
		}
		run.Program = job.Program.Bind(bindContext(run))
	}

	taskCtx, cancel := context.WithCancel(e.shutdownCtx)
	obs, outcomeCh, err := run.Program.Start(taskCtx, run.Ref())
	if err != nil {
		cancel()
		message := err.Error()
		var meta map[string]string
		var times map[string]time.Time
		var startErr *program.StartError
		if errors.As(err, &startErr) {
			message = startErr.Message
			meta = startErr.Meta
			times = startErr.Times
		}
		return e.transitionLocked(ctx, run, runs.StateError, message, times, meta, nil)
	}

	if err := e.transitionLocked(ctx, run, runs.StateRunning, "", obs.Times, obs.Meta, nil); err != nil {
		cancel()
		return err
	}

	e.mu.Lock()
	e.runningTasks[run.RunID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.awaitCompletion(taskCtx, run, outcomeCh)
	return nil
}

func bindContext(run *runs.Run) map[string]string {
	ctxArgs := make(map[string]string, len(run.Inst.Args)+2)
	for k, v := range run.Inst.Args {
		ctxArgs[k] = v
	}
	ctxArgs["run_id"] = run.RunID
	ctxArgs["job_id"] = run.Inst.JobID
	return ctxArgs
}

// onRelease is the timed queue's release callback.
func (e *Engine) onRelease(run *runs.Run) {
	lock := e.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	if run.State != runs.StateScheduled {
		return
	}
	if err := e.startLocked(e.shutdownCtx, run); err != nil {
		e.log.Error("engine: starting released run failed", "run_id", run.RunID, "err", err)
	}
}

// awaitCompletion is the completion callback (spec.md §4.5 "Completion
// callback"). It owns removal from running_tasks and the terminal
// transition, except on cancellation.
func (e *Engine) awaitCompletion(ctx context.Context, run *runs.Run, outcomeCh <-chan program.Outcome) {
	defer e.wg.Done()

	outcome := <-outcomeCh

	e.mu.Lock()
	if cancel, ok := e.runningTasks[run.RunID]; ok {
		cancel()
		delete(e.runningTasks, run.RunID)
	}
	e.mu.Unlock()

	if outcome.Kind == program.OutcomeCancelled {
		e.log.Info("supervision cancelled, leaving run running for reattachment", "run_id", run.RunID)
		return
	}

	lock := e.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	var state runs.State
	switch outcome.Kind {
	case program.OutcomeSuccess:
		state = runs.StateSuccess
	case program.OutcomeFailure:
		state = runs.StateFailure
	default:
		state = runs.StateError
	}

	if err := e.transitionLocked(context.Background(), run, state, outcome.Message, outcome.Times, outcome.Meta, outcome.Outputs); err != nil {
		e.log.Error("persisting terminal transition failed", "run_id", run.RunID, "err", err)
	}
}

// transitionLocked is `_transition` (spec.md §4.5). Callers must hold
// run's per-run lock; it is the only function that changes run.State.
func (e *Engine) transitionLocked(ctx context.Context, run *runs.Run, state runs.State, message string, times map[string]time.Time, meta map[string]string, outputs map[string][]byte) error {
	if !runs.CanTransition(run.State, state) {
		return fmt.Errorf("engine: illegal transition %s -> %s for run %s", run.State, state, run.RunID)
	}

	t := e.nowFn()
	run.ApplyTransition(t, state, message, times, meta, outputs)

	if !run.Expected {
		for outputID, blob := range outputs {
			if err := e.store.Outputs.Add(ctx, run.RunID, outputID, blob); err != nil && !errors.Is(err, store.ErrDuplicateOutput) {
				return fmt.Errorf("engine: persisting output %s: %w", outputID, err)
			}
		}
		if err := e.store.Runs.Update(ctx, run, t); err != nil {
			return fmt.Errorf("engine: persisting transition: %w", err)
		}
	}

	if e.notify != nil {
		e.notify.Publish(ctx, run, state)
	}

	if state.Terminal() {
		e.untrack(run.RunID)
	}
	if state == runs.StateFailure {
		go e.evaluateRerun(run.Clone())
	}
	return nil
}

// evaluateRerun applies the rerun policy on entry to failure (spec.md
// §4.5 "Rerun policy"). Runs asynchronously from the transition: a
// rerun failing to schedule does not roll back the failure transition.
func (e *Engine) evaluateRerun(run *runs.Run) {
	ctx := context.Background()

	job, err := e.catalog.GetJob(run.Inst.JobID)
	if err != nil {
		e.log.Error("rerun: unknown job", "job_id", run.Inst.JobID, "run_id", run.RunID, "err", err)
		return
	}
	policy := job.Reruns

	family := run.Rerun
	if family == "" {
		family = run.RunID
	}
	siblings, err := e.store.Runs.Query(ctx, store.RunFilter{Rerun: family})
	if err != nil {
		e.log.Error("rerun: querying sibling runs failed", "rerun", family, "err", err)
		return
	}
	if len(siblings) > policy.Count {
		return
	}

	original := run
	for _, s := range siblings {
		if s.IsOriginal() {
			original = s
			break
		}
	}
	// A run that reached failure always passed through either "scheduled"
	// or "running"; one of these timestamps is always present. Absent a
	// recorded origin time, the max_delay bound cannot be evaluated, so it
	// is not enforced rather than spuriously blocking every rerun
	// (the bug this fixes: treating a missing origin time as "now", which
	// made `now() - origin > max_delay` true immediately when max_delay is
	// small, killing legitimate first reruns).
	originTime, ok := original.Times["schedule"]
	if !ok {
		originTime, ok = original.Times[string(runs.StateRunning)]
	}
	if ok && policy.MaxDelay > 0 && e.nowFn().Sub(originTime) > policy.MaxDelay {
		return
	}

	at := e.nowFn().Add(policy.Delay)
	if _, err := e.Rerun(ctx, run.RunID, &at); err != nil {
		e.log.Error("rerun: scheduling failed", "run_id", run.RunID, "err", err)
	}
}

// Reattach reconnects every run persisted in state running (spec.md §4.4
// "Crash recovery", §4.5 "Reconnect on startup"). Call once at startup,
// before RunQueueLoop and the horizon scheduler start.
func (e *Engine) Reattach(ctx context.Context) error {
	state := runs.StateRunning
	runningRuns, err := e.store.Runs.Query(ctx, store.RunFilter{State: &state})
	if err != nil {
		return fmt.Errorf("engine: querying running runs: %w", err)
	}

	for _, run := range runningRuns {
		if run.Program == nil {
			job, err := e.catalog.GetJob(run.Inst.JobID)
			if err != nil {
				e.log.Error("reattach: unknown job, leaving unreconnected", "job_id", run.Inst.JobID, "run_id", run.RunID)
				continue
			}
			run.Program = job.Program.Bind(bindContext(run))
		}
		e.track(run)

		taskCtx, cancel := context.WithCancel(e.shutdownCtx)
		outcomeCh := run.Program.Reconnect(taskCtx, run.Ref(), run.Meta)

		e.mu.Lock()
		e.runningTasks[run.RunID] = cancel
		e.mu.Unlock()

		e.wg.Add(1)
		go e.awaitCompletion(taskCtx, run, outcomeCh)
	}
	return nil
}

// ReloadScheduled re-inserts every run persisted in state scheduled into
// the timed queue (spec.md §4.4 "Crash recovery"). Call once at startup.
func (e *Engine) ReloadScheduled(ctx context.Context) error {
	state := runs.StateScheduled
	pending, err := e.store.Runs.Query(ctx, store.RunFilter{State: &state})
	if err != nil {
		return fmt.Errorf("engine: querying scheduled runs: %w", err)
	}
	for _, run := range pending {
		at, ok := run.Times["schedule"]
		if !ok {
			at = e.nowFn()
		}
		e.track(run)
		e.queue.Schedule(at, run)
	}
	return nil
}
