package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// jobFile is the on-disk YAML shape for a job definition.
type jobFile struct {
	JobID   string   `yaml:"job_id"`
	Params  []string `yaml:"params"`
	Program struct {
		Argv  []string `yaml:"argv"`
		Shell string   `yaml:"shell"`
	} `yaml:"program"`
	Schedule []scheduleStanza `yaml:"schedule"`
	Reruns   struct {
		Count    int    `yaml:"count"`
		Delay    string `yaml:"delay"`
		MaxDelay string `yaml:"max_delay"`
	} `yaml:"reruns"`
}

type scheduleStanza struct {
	Type  string            `yaml:"type"` // cron | interval | once
	Expr  string            `yaml:"expr"` // cron expression
	Every string            `yaml:"every"` // interval duration, e.g. "5m"
	At    string            `yaml:"at"`   // RFC3339 instant, for "once"
	Args  map[string]string `yaml:"args"`
}

// Load reads every *.yaml / *.yml file in dir into a Catalog (spec.md §4.2
// "Loaded once at startup from a directory").
func Load(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading job directory %q: %w", dir, err)
	}

	jobs := map[string]*Job{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		job, err := loadJobFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("catalog: loading %s: %w", name, err)
		}
		if _, exists := jobs[job.JobID]; exists {
			return nil, fmt.Errorf("catalog: duplicate job_id %q (in %s)", job.JobID, name)
		}
		jobs[job.JobID] = job
	}
	return New(jobs), nil
}

func loadJobFile(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var jf jobFile
	if err := yaml.Unmarshal(raw, &jf); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if jf.JobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	generators := make([]ScheduleGenerator, 0, len(jf.Schedule))
	for i, s := range jf.Schedule {
		gen, err := buildGenerator(s)
		if err != nil {
			return nil, fmt.Errorf("schedule[%d]: %w", i, err)
		}
		generators = append(generators, gen)
	}

	reruns := RerunPolicy{Count: jf.Reruns.Count}
	if jf.Reruns.Delay != "" {
		reruns.Delay, err = time.ParseDuration(jf.Reruns.Delay)
		if err != nil {
			return nil, fmt.Errorf("reruns.delay: %w", err)
		}
	}
	if jf.Reruns.MaxDelay != "" {
		reruns.MaxDelay, err = time.ParseDuration(jf.Reruns.MaxDelay)
		if err != nil {
			return nil, fmt.Errorf("reruns.max_delay: %w", err)
		}
	}

	return &Job{
		JobID:  jf.JobID,
		Params: jf.Params,
		Program: ProgramTemplate{
			Argv:  jf.Program.Argv,
			Shell: jf.Program.Shell,
		},
		Generators: generators,
		Reruns:     reruns,
	}, nil
}

func buildGenerator(s scheduleStanza) (ScheduleGenerator, error) {
	switch s.Type {
	case "cron":
		return NewCronGenerator(s.Expr, s.Args)
	case "interval":
		d, err := time.ParseDuration(s.Every)
		if err != nil {
			return nil, fmt.Errorf("every: %w", err)
		}
		return &IntervalGenerator{Period: d, Args: s.Args}, nil
	case "once":
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return nil, fmt.Errorf("at: %w", err)
		}
		return &OnceGenerator{At: at, Args: s.Args}, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", s.Type)
	}
}
