package horizon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/minisource/runsched/internal/catalog"
	"github.com/minisource/runsched/internal/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []scheduleCall
}

type scheduleCall struct {
	at       time.Time
	jobID    string
	args     map[string]string
	expected bool
}

func (f *fakeEngine) Schedule(ctx context.Context, at *time.Time, run *runs.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduleCall{at: *at, jobID: run.Inst.JobID, args: run.Inst.Args, expected: run.Expected})
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) GetTime(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t, nil
}

func (c *fakeClock) SetTime(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStepMaterializesIntervalAcrossWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &catalog.Job{
		JobID:      "ticker",
		Generators: []catalog.ScheduleGenerator{&catalog.IntervalGenerator{Period: time.Minute}},
	}
	cat := catalog.New(map[string]*catalog.Job{"ticker": job})
	clock := &fakeClock{t: base}
	engine := &fakeEngine{}

	sched := New(Config{
		Lookahead: 5 * time.Minute,
		Tick:      time.Minute,
		MaxStep:   time.Hour,
	}, cat, clock, engine, testLogger())
	sched.WithNowFn(func() time.Time { return base })
	sched.horizon = base

	require.NoError(t, sched.Step(context.Background()))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Len(t, engine.calls, 5)
	for i, call := range engine.calls {
		assert.Equal(t, base.Add(time.Duration(i+1)*time.Minute), call.at)
	}

	got, err := clock.GetTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Minute), got)
}

func TestStepOrdersAcrossJobsByTimeThenJobID(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jobB := &catalog.Job{JobID: "b", Generators: []catalog.ScheduleGenerator{
		&catalog.OnceGenerator{At: base.Add(time.Minute)},
	}}
	jobA := &catalog.Job{JobID: "a", Generators: []catalog.ScheduleGenerator{
		&catalog.OnceGenerator{At: base.Add(time.Minute)},
	}}
	cat := catalog.New(map[string]*catalog.Job{"b": jobB, "a": jobA})
	clock := &fakeClock{t: base}
	engine := &fakeEngine{}

	sched := New(Config{Lookahead: 5 * time.Minute, MaxStep: time.Hour}, cat, clock, engine, testLogger())
	sched.WithNowFn(func() time.Time { return base })
	sched.horizon = base

	require.NoError(t, sched.Step(context.Background()))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.calls, 2)
	assert.Equal(t, "a", engine.calls[0].jobID)
	assert.Equal(t, "b", engine.calls[1].jobID)
}

func TestStepMarksFarFutureRunsExpected(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &catalog.Job{JobID: "far", Generators: []catalog.ScheduleGenerator{
		&catalog.OnceGenerator{At: base.Add(2 * time.Hour)},
	}}
	cat := catalog.New(map[string]*catalog.Job{"far": job})
	clock := &fakeClock{t: base}
	engine := &fakeEngine{}

	sched := New(Config{
		Lookahead:                 3 * time.Hour,
		MaxStep:                   3 * time.Hour,
		MaterializeExpectedCutoff: time.Hour,
	}, cat, clock, engine, testLogger())
	sched.WithNowFn(func() time.Time { return base })
	sched.horizon = base

	require.NoError(t, sched.Step(context.Background()))
	require.Len(t, engine.calls, 1)
	assert.True(t, engine.calls[0].expected)
}
