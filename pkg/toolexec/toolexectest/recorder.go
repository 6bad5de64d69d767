// Package toolexectest provides a stand-in for external tools, for
// tests of code that runs them through a toolexec.Runner.
package toolexectest

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// Recorder is an ExecCC replacement that records every invocation and
// runs a harmless stand-in instead.
type Recorder struct {
	mu    sync.Mutex
	calls [][]string

	// FailOn makes any invocation whose joined argv contains one of
	// these substrings exit non-zero.
	FailOn []string

	// Stdout is echoed for invocations whose joined argv contains the
	// key.
	Stdout map[string]string

	// Hook runs before the stand-in command is built. It can create
	// the files a real tool would have produced.
	Hook func(argv []string)
}

func (r *Recorder) ExecCC(ctx context.Context, name string, args ...string) *exec.Cmd {
	argv := append([]string{name}, args...)
	joined := strings.Join(argv, " ")

	r.mu.Lock()
	r.calls = append(r.calls, argv)
	hook := r.Hook
	r.mu.Unlock()

	if hook != nil {
		hook(argv)
	}

	for _, f := range r.FailOn {
		if strings.Contains(joined, f) {
			return exec.CommandContext(ctx, "sh", "-c", "echo failing >&2; exit 3")
		}
	}

	for k, out := range r.Stdout {
		if strings.Contains(joined, k) {
			return exec.CommandContext(ctx, "printf", "%s", out)
		}
	}

	return exec.CommandContext(ctx, "true")
}

// Calls returns a copy of the recorded argv slices.
func (r *Recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Commands returns each recorded invocation joined with spaces.
func (r *Recorder) Commands() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}
