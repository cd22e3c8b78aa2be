// Package queue implements the Timed Queue (spec.md §4.3): a priority
// structure keyed by release time that wakes a release callback when
// scheduled runs come due.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/minisource/runsched/internal/runs"
)

// entry is one pending release.
type entry struct {
	at   time.Time
	seq  int64
	run  *runs.Run
	index int
}

// entryHeap orders by release time, ties broken by insertion sequence.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the Timed Queue. Zero value is not usable; construct with New.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	byRunID map[string]*entry
	nextSeq int64
	wake    chan struct{}
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{
		byRunID: map[string]*entry{},
		wake:    make(chan struct{}, 1),
	}
}

// Schedule inserts run for release at t. A no-op if run is already present
// with the same time (spec.md §4.3 "schedule").
func (q *Queue) Schedule(t time.Time, run *runs.Run) {
	q.mu.Lock()
	if existing, ok := q.byRunID[run.RunID]; ok {
		if existing.at.Equal(t) {
			q.mu.Unlock()
			return
		}
		heap.Remove(&q.heap, existing.index)
		delete(q.byRunID, run.RunID)
	}
	e := &entry{at: t, seq: q.nextSeq, run: run}
	q.nextSeq++
	heap.Push(&q.heap, e)
	q.byRunID[run.RunID] = e
	earliest := q.heap[0] == e
	q.mu.Unlock()

	if earliest {
		q.signalWake()
	}
}

// Unschedule removes run. Fails silently if absent (spec.md §4.3).
func (q *Queue) Unschedule(run *runs.Run) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byRunID[run.RunID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byRunID, run.RunID)
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// resolution is the coarsest sleep granularity the queue will use; a run
// is never released before its time, but wake-ups may be coalesced within
// this window (spec.md §4.3 "one second is sufficient").
const resolution = time.Second

// Loop sleeps until the earliest pending time, then releases every entry
// due at or before nowFn() in nondecreasing time order (ties by insertion
// order), calling releaseFn for each. It runs until ctx is cancelled.
func (q *Queue) Loop(ctx context.Context, nowFn func() time.Time, releaseFn func(*runs.Run)) {
	timer := time.NewTimer(resolution)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var sleepFor time.Duration
		if len(q.heap) == 0 {
			sleepFor = resolution
		} else {
			sleepFor = q.heap[0].at.Sub(nowFn())
			if sleepFor < 0 {
				sleepFor = 0
			}
			if sleepFor > resolution {
				sleepFor = resolution
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleepFor)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}

		q.releaseDue(nowFn(), releaseFn)
	}
}

func (q *Queue) releaseDue(now time.Time, releaseFn func(*runs.Run)) {
	var due []*runs.Run
	q.mu.Lock()
	for len(q.heap) > 0 && !q.heap[0].at.After(now) {
		e := heap.Pop(&q.heap).(*entry)
		delete(q.byRunID, e.run.RunID)
		due = append(due, e.run)
	}
	q.mu.Unlock()

	for _, run := range due {
		releaseFn(run)
	}
}

// Len reports the number of pending entries, for diagnostics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
