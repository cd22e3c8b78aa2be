// Package catalog implements the Job Catalog (spec.md §4.2): a read-mostly
// map from job id to job definition, loaded once from a directory of YAML
// files, supplying schedule generators, a program template, and a rerun
// policy per job.
package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// RerunPolicy is a job's {count, delay, max_delay} retry policy (spec.md §3).
type RerunPolicy struct {
	Count    int           `yaml:"count" json:"count"`
	Delay    time.Duration `yaml:"delay" json:"delay"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

// ScheduleGenerator is a lazy, monotonically-increasing sequence of
// (time, args) pairs given a start time, per spec.md §4.2/§6. The core
// treats generators as opaque external producers; cron-expression parsing
// is only one concrete implementation among several.
type ScheduleGenerator interface {
	// Next returns the next (time, args) pair strictly after `after`, and
	// false if the generator is exhausted (most generators never are).
	Next(after time.Time) (at time.Time, args map[string]string, ok bool)
}

// ProgramTemplate is an argv vector with placeholder interpolation
// (spec.md §4.2). Template expansion is literal `{name}` substitution with
// no escaping (spec.md §9).
type ProgramTemplate struct {
	// Argv is set for an argv-vector program (type "process").
	Argv []string
	// Shell is set for a single-string shell program (type "shell");
	// mutually exclusive with Argv.
	Shell string
}

// Job is a user-defined template: parameters, program, schedule
// generators, rerun policy (spec.md §3 "Job").
type Job struct {
	JobID      string
	Params     []string
	Program    ProgramTemplate
	Generators []ScheduleGenerator
	Reruns     RerunPolicy
}

// jobSnapshot is the durable mirror of a Job written to store.JobStore
// (spec.md §6 "jobs(job_id -> serialized job)"). Generators are excluded:
// they are live ScheduleGenerator values built from a job's YAML schedule
// stanzas at load time, not a round-trippable wire format, so the snapshot
// only carries the operator-facing shape already exposed by the API.
type jobSnapshot struct {
	JobID          string          `json:"job_id"`
	Params         []string        `json:"params,omitempty"`
	Program        ProgramTemplate `json:"program"`
	Reruns         RerunPolicy     `json:"reruns"`
	GeneratorCount int             `json:"generator_count"`
}

// Serialize returns j's durable snapshot for store.JobStore.Upsert.
func (j *Job) Serialize() ([]byte, error) {
	return json.Marshal(jobSnapshot{
		JobID:          j.JobID,
		Params:         j.Params,
		Program:        j.Program,
		Reruns:         j.Reruns,
		GeneratorCount: len(j.Generators),
	})
}

// Catalog is the read-mostly job_id -> Job map (spec.md §4.2).
type Catalog struct {
	jobs map[string]*Job
}

// New wraps a pre-built job map, primarily for tests.
func New(jobs map[string]*Job) *Catalog {
	if jobs == nil {
		jobs = map[string]*Job{}
	}
	return &Catalog{jobs: jobs}
}

// GetJob returns the job for id, or an error if unknown.
func (c *Catalog) GetJob(jobID string) (*Job, error) {
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown job %q", jobID)
	}
	return job, nil
}

// All returns every job in the catalog. Iteration order is not semantic;
// callers that need a deterministic order (internal/horizon) sort
// explicitly.
func (c *Catalog) All() []*Job {
	out := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	return out
}
