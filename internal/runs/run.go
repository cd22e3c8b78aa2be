// Package runs defines the run lifecycle's central data types: the
// instance a run materializes, the run itself, and its state graph.
package runs

import (
	"time"

	"github.com/minisource/runsched/internal/program"
)

// State is a run's position in the lifecycle state graph (spec.md §3).
type State string

const (
	StateNew       State = "new"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateError     State = "error"
)

// Terminal reports whether state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateError:
		return true
	default:
		return false
	}
}

// validTransitions encodes the state graph from spec.md §3 invariant 3.
var validTransitions = map[State]map[State]bool{
	StateNew:       {StateScheduled: true, StateRunning: true, StateError: true},
	StateScheduled: {StateRunning: true, StateError: true},
	StateRunning:   {StateSuccess: true, StateFailure: true, StateError: true},
}

// CanTransition reports whether from -> to is a legal edge. Terminal states
// never have outgoing edges.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	return validTransitions[from][to]
}

// Instance is the (job_id, args) pair that a run executes.
type Instance struct {
	JobID string            `json:"job_id"`
	Args  map[string]string `json:"args,omitempty"`
}

// Run is the central lifecycle entity (spec.md §3).
type Run struct {
	RunID    string
	Inst     Instance
	Rerun    string
	Expected bool
	State    State
	Times    map[string]time.Time
	Meta     map[string]string
	Message  string
	Outputs  map[string][]byte
	Program  program.Program
}

// New constructs a fresh, unscheduled run for inst, identified by runID.
// rerun is the run_id of the original run in its rerun family, or runID
// itself if this run is the original (spec.md §3 "rerun").
func New(runID string, inst Instance, rerun string, expected bool) *Run {
	if rerun == "" {
		rerun = runID
	}
	return &Run{
		RunID:    runID,
		Inst:     inst,
		Rerun:    rerun,
		Expected: expected,
		State:    StateNew,
		Times:    map[string]time.Time{},
		Meta:     map[string]string{},
	}
}

// IsOriginal reports whether run is the original of its rerun family.
func (r *Run) IsOriginal() bool {
	return r.Rerun == r.RunID
}

// Ref returns the narrow identity program.Program implementations need to
// start or reconnect to this run's subprocess, without coupling the
// program package back to this one.
func (r *Run) Ref() program.RunRef {
	return program.RunRef{RunID: r.RunID, JobID: r.Inst.JobID, Args: r.Inst.Args}
}

// ApplyTransition mutates the run in place to reflect entering state at
// time t, merging meta/times and overwriting message when a non-empty one
// is given (an empty message keeps the previous one), per spec.md §4.5
// "_transition". It is the only function that changes a run's State field;
// callers (internal/engine) are responsible for persisting the result and
// for enforcing that t and state are applied under the run's own lock.
func (r *Run) ApplyTransition(t time.Time, state State, message string, meta map[string]time.Time, metaStr map[string]string, outputs map[string][]byte) {
	if r.Times == nil {
		r.Times = map[string]time.Time{}
	}
	if r.Meta == nil {
		r.Meta = map[string]string{}
	}
	for k, v := range meta {
		r.Times[k] = v
	}
	for k, v := range metaStr {
		r.Meta[k] = v
	}
	r.Times[string(state)] = t
	if message != "" {
		r.Message = message
	}
	r.State = state
	if len(outputs) > 0 {
		if r.Outputs == nil {
			r.Outputs = map[string][]byte{}
		}
		for k, v := range outputs {
			r.Outputs[k] = v
		}
	}
}

// Clone returns a deep-enough copy of r safe for handing to callers outside
// the engine's per-run lock (store.Query results, HTTP responses).
func (r *Run) Clone() *Run {
	c := *r
	c.Times = make(map[string]time.Time, len(r.Times))
	for k, v := range r.Times {
		c.Times[k] = v
	}
	c.Meta = make(map[string]string, len(r.Meta))
	for k, v := range r.Meta {
		c.Meta[k] = v
	}
	c.Outputs = make(map[string][]byte, len(r.Outputs))
	for k, v := range r.Outputs {
		c.Outputs[k] = v
	}
	c.Inst.Args = make(map[string]string, len(r.Inst.Args))
	for k, v := range r.Inst.Args {
		c.Inst.Args[k] = v
	}
	return &c
}
