// Package horizon implements the Horizon Scheduler (spec.md §4.4): it
// walks every job's schedule generators forward from a persisted horizon,
// materializes runs, and hands them to the Lifecycle Engine.
package horizon

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minisource/runsched/internal/catalog"
	"github.com/minisource/runsched/internal/runs"
)

// Engine is the narrow slice of the Lifecycle Engine the scheduler needs,
// kept separate so this package never imports internal/engine.
type Engine interface {
	Schedule(ctx context.Context, at *time.Time, run *runs.Run) error
}

// ClockStore is the narrow slice of the persistent clock store this
// package needs.
type ClockStore interface {
	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
}

// Config holds the tunables from spec.md §4.4, env-prefixed SCHEDULER_ in
// config.SchedulerConfig.
type Config struct {
	Lookahead                 time.Duration
	Tick                      time.Duration
	MaxStep                   time.Duration
	MaterializeExpectedCutoff time.Duration
}

// Scheduler owns the monotonically advancing horizon.
type Scheduler struct {
	cfg     Config
	catalog *catalog.Catalog
	clock   ClockStore
	engine  Engine
	nowFn   func() time.Time
	log     *slog.Logger

	horizon time.Time
}

// New constructs a Scheduler, reading the initial horizon lazily on first Run.
func New(cfg Config, cat *catalog.Catalog, clock ClockStore, engine Engine, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		catalog: cat,
		clock:   clock,
		engine:  engine,
		nowFn:   time.Now,
		log:     log,
	}
}

// WithNowFn overrides the clock source, for deterministic tests.
func (s *Scheduler) WithNowFn(nowFn func() time.Time) *Scheduler {
	s.nowFn = nowFn
	return s
}

// Run drives the scheduler loop until ctx is cancelled (spec.md §4.4 step 5).
func (s *Scheduler) Run(ctx context.Context) error {
	h, err := s.clock.GetTime(ctx)
	if err != nil {
		return fmt.Errorf("horizon: reading initial horizon: %w", err)
	}
	s.horizon = h

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	if err := s.Step(ctx); err != nil {
		s.log.Error("horizon step failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Step(ctx); err != nil {
				s.log.Error("horizon step failed", "err", err)
			}
		}
	}
}

// candidate is one pending (time, job, generator, args) materialization.
type candidate struct {
	at   time.Time
	job  *catalog.Job
	gen  catalog.ScheduleGenerator
	args map[string]string
}

// tieKey is the lexicographic tiebreak from spec.md §4.4 step 2:
// `(job_id, args)` ordering.
func tieKey(jobID string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(jobID)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(args[k])
	}
	return b.String()
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return tieKey(h[i].job.JobID, h[i].args) < tieKey(h[j].job.JobID, h[j].args)
}
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// Step runs one materialization pass: §4.4 steps 1-4. It materializes every
// generator time in (horizon, target]; generators only yield times strictly
// after their cursor, so a time equal to target is taken in this pass rather
// than being skipped by the next one.
func (s *Scheduler) Step(ctx context.Context) error {
	now := s.nowFn()
	target := now.Add(s.cfg.Lookahead)
	if maxTarget := s.horizon.Add(s.cfg.MaxStep); maxTarget.Before(target) {
		target = maxTarget
	}
	if !target.After(s.horizon) {
		return nil
	}

	h := &candidateHeap{}
	heap.Init(h)
	for _, job := range s.catalog.All() {
		for _, gen := range job.Generators {
			if at, args, ok := gen.Next(s.horizon); ok && !at.After(target) {
				heap.Push(h, &candidate{at: at, job: job, gen: gen, args: args})
			}
		}
	}

	cutoff := now.Add(s.cfg.MaterializeExpectedCutoff)
	for h.Len() > 0 {
		c := heap.Pop(h).(*candidate)

		runID := uuid.NewString()
		expected := c.at.After(cutoff)
		run := runs.New(runID, runs.Instance{JobID: c.job.JobID, Args: c.args}, "", expected)
		at := c.at
		if err := s.engine.Schedule(ctx, &at, run); err != nil {
			s.log.Error("horizon: scheduling materialized run failed",
				"job_id", c.job.JobID, "run_id", runID, "err", err)
		}

		if next, nextArgs, ok := c.gen.Next(c.at); ok && !next.After(target) {
			heap.Push(h, &candidate{at: next, job: c.job, gen: c.gen, args: nextArgs})
		}
	}

	s.horizon = target
	if err := s.clock.SetTime(ctx, target); err != nil {
		return fmt.Errorf("horizon: persisting advanced horizon: %w", err)
	}
	return nil
}
