// Package store implements the Persistent Store (spec.md §4.1): four
// durable sub-stores (jobs, runs, outputs, clock) behind small interfaces,
// so the engine can be driven against either the Postgres/GORM-backed
// implementation or the in-memory fake used by tests (spec.md §8
// expansion, "mock store").
package store

import (
	"context"
	"errors"
	"time"

	"github.com/minisource/runsched/internal/runs"
)

// Sentinel errors surfaced to callers, per spec.md §7.
var (
	ErrDuplicateRun     = errors.New("store: run already exists")
	ErrRunNotFound      = errors.New("store: run not found")
	ErrDuplicateOutput  = errors.New("store: output already recorded")
	ErrOutputNotFound   = errors.New("store: output not found")
	ErrClockNotMonotone = errors.New("store: clock horizon must not move backward")
)

// RunFilter selects runs by state, by rerun family, or "all" (spec.md §4.1).
type RunFilter struct {
	State *runs.State
	Rerun string
}

// RunStore is the durable run_id -> Run mapping.
type RunStore interface {
	// Add persists a new run. It fails with ErrDuplicateRun if the id
	// already exists, and must never be called for an Expected run
	// (spec.md §3 invariant 2).
	Add(ctx context.Context, run *runs.Run) error

	// Update overwrites the persisted run with its current in-memory
	// state as of transitionTime.
	Update(ctx context.Context, run *runs.Run, transitionTime time.Time) error

	// Query returns runs matching filter. Iteration order is not
	// semantic (spec.md §4.1).
	Query(ctx context.Context, filter RunFilter) ([]*runs.Run, error)

	// Get returns a single run by id.
	Get(ctx context.Context, runID string) (*runs.Run, error)
}

// OutputStore is the append-only (run_id, output_id) -> blob mapping.
type OutputStore interface {
	Add(ctx context.Context, runID, outputID string, blob []byte) error
	Get(ctx context.Context, runID, outputID string) ([]byte, error)
}

// ClockStore holds the single schedule-horizon slot.
type ClockStore interface {
	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
}

// JobStore durably mirrors the catalog's loaded job definitions, so
// operators can inspect them without re-reading the job directory
// (spec.md §6 "jobs(job_id -> serialized job)").
type JobStore interface {
	Upsert(ctx context.Context, jobID string, serialized []byte) error
	Get(ctx context.Context, jobID string) ([]byte, error)
	All(ctx context.Context) (map[string][]byte, error)
}

// Store bundles the four sub-stores the engine depends on.
type Store struct {
	Runs    RunStore
	Outputs OutputStore
	Clock   ClockStore
	Jobs    JobStore
}
