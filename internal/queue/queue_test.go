package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/minisource/runsched/internal/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(id string) *runs.Run {
	return runs.New(id, runs.Instance{JobID: "job-a"}, "", false)
}

func TestScheduleUnschedule(t *testing.T) {
	q := New()
	r := newRun("r1")
	q.Schedule(time.Now().Add(time.Hour), r)
	assert.Equal(t, 1, q.Len())

	q.Unschedule(r)
	assert.Equal(t, 0, q.Len())

	// unscheduling an absent run is a silent no-op
	q.Unschedule(r)
	assert.Equal(t, 0, q.Len())
}

func TestScheduleSameTimeIsNoop(t *testing.T) {
	q := New()
	r := newRun("r1")
	at := time.Now().Add(time.Hour)
	q.Schedule(at, r)
	q.Schedule(at, r)
	assert.Equal(t, 1, q.Len())
}

func TestScheduleRescheduleChangesTime(t *testing.T) {
	q := New()
	r := newRun("r1")
	base := time.Now()
	q.Schedule(base.Add(time.Hour), r)
	q.Schedule(base.Add(2*time.Hour), r)
	assert.Equal(t, 1, q.Len())
}

func TestLoopReleasesInTimeOrder(t *testing.T) {
	q := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rLate := newRun("late")
	rEarly := newRun("early")
	rMid := newRun("mid")

	q.Schedule(base.Add(3*time.Second), rLate)
	q.Schedule(base.Add(1*time.Second), rEarly)
	q.Schedule(base.Add(2*time.Second), rMid)

	var mu sync.Mutex
	var released []string

	var now time.Time
	var nowMu sync.Mutex
	setNow := func(t time.Time) {
		nowMu.Lock()
		now = t
		nowMu.Unlock()
	}
	nowFn := func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	setNow(base.Add(5 * time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Loop(ctx, nowFn, func(r *runs.Run) {
			mu.Lock()
			released = append(released, r.RunID)
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) == 3
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "mid", "late"}, released)
}
