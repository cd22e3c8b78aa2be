package store

import (
	"context"
	"sync"
	"time"

	"github.com/minisource/runsched/internal/runs"
)

// Memory is an in-process Store implementation. It satisfies RunStore and
// ClockStore directly; memoryOutputs and memoryJobs adapt it to OutputStore
// and JobStore (see NewMemoryStore). It is used by the engine/horizon/queue
// test suites so time can be driven deterministically without a database
// (spec.md §8 expansion).
type Memory struct {
	mu      sync.Mutex
	runs    map[string]*runs.Run
	outputs map[string][]byte
	horizon time.Time
	jobs    map[string][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:    map[string]*runs.Run{},
		outputs: map[string][]byte{},
		jobs:    map[string][]byte{},
	}
}

func (m *Memory) Add(ctx context.Context, run *runs.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return ErrDuplicateRun
	}
	m.runs[run.RunID] = run.Clone()
	return nil
}

func (m *Memory) Update(ctx context.Context, run *runs.Run, transitionTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; !exists {
		return ErrRunNotFound
	}
	m.runs[run.RunID] = run.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, runID string) (*runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

func (m *Memory) Query(ctx context.Context, filter RunFilter) ([]*runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*runs.Run
	for _, run := range m.runs {
		if filter.State != nil && run.State != *filter.State {
			continue
		}
		if filter.Rerun != "" && run.Rerun != filter.Rerun {
			continue
		}
		out = append(out, run.Clone())
	}
	return out, nil
}

func outputKey(runID, outputID string) string { return runID + "\x00" + outputID }

func (m *Memory) AddOutput(ctx context.Context, runID, outputID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := outputKey(runID, outputID)
	if _, exists := m.outputs[key]; exists {
		return ErrDuplicateOutput
	}
	cp := append([]byte(nil), blob...)
	m.outputs[key] = cp
	return nil
}

func (m *Memory) GetOutput(ctx context.Context, runID, outputID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.outputs[outputKey(runID, outputID)]
	if !ok {
		return nil, ErrOutputNotFound
	}
	return blob, nil
}

func (m *Memory) GetTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.horizon, nil
}

func (m *Memory) SetTime(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.horizon) {
		return ErrClockNotMonotone
	}
	m.horizon = t
	return nil
}

func (m *Memory) Upsert(ctx context.Context, jobID string, serialized []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = append([]byte(nil), serialized...)
	return nil
}

func (m *Memory) getJob(ctx context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID], nil
}

func (m *Memory) All(ctx context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.jobs))
	for k, v := range m.jobs {
		out[k] = v
	}
	return out, nil
}

// memoryOutputs adapts Memory's AddOutput/GetOutput to the OutputStore
// interface, whose Get method name Memory already uses for RunStore.
type memoryOutputs struct{ m *Memory }

func (o memoryOutputs) Add(ctx context.Context, runID, outputID string, blob []byte) error {
	return o.m.AddOutput(ctx, runID, outputID, blob)
}

func (o memoryOutputs) Get(ctx context.Context, runID, outputID string) ([]byte, error) {
	return o.m.GetOutput(ctx, runID, outputID)
}

type memoryJobs struct{ m *Memory }

func (j memoryJobs) Upsert(ctx context.Context, jobID string, serialized []byte) error {
	return j.m.Upsert(ctx, jobID, serialized)
}

func (j memoryJobs) Get(ctx context.Context, jobID string) ([]byte, error) {
	return j.m.getJob(ctx, jobID)
}

func (j memoryJobs) All(ctx context.Context) (map[string][]byte, error) {
	return j.m.All(ctx)
}

// NewMemoryStore builds a Store backed entirely by a single in-memory
// Memory instance.
func NewMemoryStore() (*Store, *Memory) {
	m := NewMemory()
	return &Store{
		Runs:    m,
		Outputs: memoryOutputs{m},
		Clock:   m,
		Jobs:    memoryJobs{m},
	}, m
}
