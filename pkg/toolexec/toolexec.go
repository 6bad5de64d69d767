// Package toolexec runs the external build tools the release pipeline
// is made of. Every invocation is exit-code checked: a failing tool
// returns an error carrying its argv and output, and nothing after it
// runs on partial state.
package toolexec

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	toollog "github.com/relbuild/pyrelease/pkg/log"
	"go.opencensus.io/trace"
)

// ExecCC matches the signature of exec.CommandContext. Tests swap it
// out to record invocations.
type ExecCC func(context.Context, string, ...string) *exec.Cmd

type Runner struct {
	env     []string
	dir     string
	stream  bool
	secrets []string
	execCC  ExecCC
}

type Option func(*Runner)

// WithEnv sets the full environment for spawned tools. When unset, the
// tools inherit the current process environment.
func WithEnv(env []string) Option {
	return func(r *Runner) {
		r.env = env
	}
}

func WithDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

func WithExecCC(fn ExecCC) Option {
	return func(r *Runner) {
		r.execCC = fn
	}
}

// WithStreamedOutput sends tool output through the context logger as
// it is produced, in addition to capturing it.
func WithStreamedOutput() Option {
	return func(r *Runner) {
		r.stream = true
	}
}

// WithRedacted masks secrets (eg: a certificate password) wherever the
// runner logs or reports a command line.
func WithRedacted(secrets ...string) Option {
	return func(r *Runner) {
		// copied, so a runner derived through With can't clobber its parent
		merged := append([]string{}, r.secrets...)
		for _, s := range secrets {
			if s != "" {
				merged = append(merged, s)
			}
		}
		r.secrets = merged
	}
}

func New(opts ...Option) *Runner {
	r := &Runner{
		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// With returns a copy of the runner with additional options applied.
func (r *Runner) With(opts ...Option) *Runner {
	cp := *r
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Run executes argv0 in the runner's directory and returns the trimmed
// stdout.
func (r *Runner) Run(ctx context.Context, argv0 string, args ...string) (string, error) {
	return r.RunIn(ctx, r.dir, argv0, args...)
}

func (r *Runner) RunIn(ctx context.Context, dir string, argv0 string, args ...string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "toolexec."+filepath.Base(argv0))
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	cmd := r.execCC(ctx, argv0, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if r.env != nil {
		cmd.Env = r.env
	}

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", r.redact(strings.Join(cmd.Args, " ")),
		"dir", cmd.Dir,
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr

	// stdout and stderr are copied on separate goroutines, so each
	// gets its own adapter.
	var adapters []*toollog.ToolLogAdapter
	if r.stream {
		adapterOpts := []toollog.Option{
			toollog.WithKeyValue("tool", filepath.Base(argv0)),
			toollog.WithRewrite(r.redact),
		}
		outAdapter := toollog.NewToolLogAdapter(logger, adapterOpts...)
		errAdapter := toollog.NewToolLogAdapter(logger, adapterOpts...)
		cmd.Stdout = io.MultiWriter(stdout, outAdapter)
		cmd.Stderr = io.MultiWriter(stderr, errAdapter)
		adapters = append(adapters, outAdapter, errAdapter)
	}

	err := cmd.Run()
	for _, a := range adapters {
		a.Flush()
	}
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return strings.TrimSpace(stdout.String()), errors.Wrapf(err,
			"run command %s\nstdout=%s\nstderr=%s",
			r.redact(strings.Join(append([]string{argv0}, args...), " ")),
			r.redact(strings.TrimSpace(stdout.String())), r.redact(strings.TrimSpace(stderr.String())),
		)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (r *Runner) redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	return s
}

// LookPath resolves a tool either as an existing file path or through
// the PATH.
func LookPath(tool string) (string, error) {
	if strings.ContainsAny(tool, `/\`) {
		if _, err := os.Stat(tool); err != nil {
			return "", errors.Wrapf(err, "tool %s", tool)
		}
		return tool, nil
	}
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", errors.Wrapf(err, "tool %s not on PATH", tool)
	}
	return path, nil
}
