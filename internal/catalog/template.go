package catalog

import (
	"strings"

	"github.com/minisource/runsched/internal/program"
)

// Bind resolves a ProgramTemplate's placeholders against ctx and returns a
// concrete program.Program (spec.md §4.2 "bind(args) -> Program"). ctx
// typically holds {run_id, job_id} plus the instance's own args.
func (t ProgramTemplate) Bind(ctx map[string]string) program.Program {
	if t.Shell != "" {
		return program.NewShellCommand(expand(t.Shell, ctx))
	}
	argv := make([]string, len(t.Argv))
	for i, a := range t.Argv {
		argv[i] = expand(a, ctx)
	}
	return &program.Process{Argv: argv}
}

// expand performs literal `{name}` substitution with no escaping, per
// spec.md §9 ("Dynamic bindings map").
func expand(s string, ctx map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	for k, v := range ctx {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}
