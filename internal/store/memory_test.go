package store

import (
	"context"
	"testing"
	"time"

	"github.com/minisource/runsched/internal/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunStoreAddGetQuery(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore()

	run := runs.New("run-1", runs.Instance{JobID: "job-a"}, "", true)
	require.NoError(t, s.Runs.Add(ctx, run))

	err := s.Runs.Add(ctx, run)
	assert.ErrorIs(t, err, ErrDuplicateRun)

	got, err := s.Runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "job-a", got.Inst.JobID)

	running := runs.StateRunning
	got.State = running
	require.NoError(t, s.Runs.Update(ctx, got, time.Now()))

	results, err := s.Runs.Query(ctx, RunFilter{State: &running})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "run-1", results[0].RunID)

	_, err = s.Runs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestMemoryOutputStoreOnceOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore()

	require.NoError(t, s.Outputs.Add(ctx, "run-1", "stdout", []byte("hi")))
	err := s.Outputs.Add(ctx, "run-1", "stdout", []byte("again"))
	assert.ErrorIs(t, err, ErrDuplicateOutput)

	blob, err := s.Outputs.Get(ctx, "run-1", "stdout")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), blob)

	_, err = s.Outputs.Get(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, ErrOutputNotFound)
}

func TestMemoryClockStoreMonotone(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Clock.SetTime(ctx, t0))

	got, err := s.Clock.GetTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, got)

	err = s.Clock.SetTime(ctx, t0.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrClockNotMonotone)
}

func TestMemoryJobStoreUpsertAndAll(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore()

	require.NoError(t, s.Jobs.Upsert(ctx, "job-a", []byte(`{"job_id":"job-a"}`)))
	require.NoError(t, s.Jobs.Upsert(ctx, "job-a", []byte(`{"job_id":"job-a","v":2}`)))

	got, err := s.Jobs.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"job-a","v":2}`, string(got))

	all, err := s.Jobs.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
