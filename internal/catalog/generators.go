package catalog

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronGenerator turns a cron expression into a monotone time iterator,
// using the teacher's own cron.v3 dependency (internal/scheduler's
// CalculateNextRun in the original repository this module was reworked
// from). spec.md treats schedule generators as opaque external producers;
// this is the one concrete, cron-flavored instance the core ships.
type CronGenerator struct {
	Expr     string
	Args     map[string]string
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCronGenerator parses expr eagerly so load-time errors surface at
// catalog load rather than on the first scheduling pass.
func NewCronGenerator(expr string, args map[string]string) (*CronGenerator, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("catalog: invalid cron expression %q: %w", expr, err)
	}
	return &CronGenerator{Expr: expr, Args: args, schedule: sched}, nil
}

func (g *CronGenerator) Next(after time.Time) (time.Time, map[string]string, bool) {
	return g.schedule.Next(after), g.Args, true
}

// IntervalGenerator produces times at a fixed period starting from the
// first Next() call's `after` argument.
type IntervalGenerator struct {
	Period time.Duration
	Args   map[string]string
}

func (g *IntervalGenerator) Next(after time.Time) (time.Time, map[string]string, bool) {
	if g.Period <= 0 {
		return time.Time{}, nil, false
	}
	return after.Add(g.Period), g.Args, true
}

// OnceGenerator fires a single time. It is stateless: since the horizon
// scheduler only ever calls Next with a monotonically increasing `after`
// (spec.md §4.4), At stops qualifying once the horizon passes it and the
// generator is naturally exhausted without needing to remember "fired".
type OnceGenerator struct {
	At   time.Time
	Args map[string]string
}

func (g *OnceGenerator) Next(after time.Time) (time.Time, map[string]string, bool) {
	if !g.At.After(after) {
		return time.Time{}, nil, false
	}
	return g.At, g.Args, true
}
