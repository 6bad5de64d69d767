// Package pyruntime provisions the private python interpreter a
// release is frozen with: a silent install into a local directory,
// patched SSL libraries, and a virtual environment on top.
package pyruntime

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/backoff"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"go.opencensus.io/trace"
)

type Provisioner struct {
	installer string // path to the python.org installer executable
	targetDir string
	runner    *toolexec.Runner
	readiness *backoff.Backoff
	goos      string
}

type Option func(*Provisioner)

func WithRunner(r *toolexec.Runner) Option {
	return func(p *Provisioner) {
		p.runner = r
	}
}

// WithReadinessBackoff controls how long Install waits for the
// interpreter to appear once the installer returns.
func WithReadinessBackoff(b *backoff.Backoff) Option {
	return func(p *Provisioner) {
		p.readiness = b
	}
}

// WithOS overrides the operating system used for interpreter path
// layout. Only useful in tests.
func WithOS(goos string) Option {
	return func(p *Provisioner) {
		p.goos = goos
	}
}

func New(installer, targetDir string, opts ...Option) *Provisioner {
	p := &Provisioner{
		installer: installer,
		targetDir: targetDir,
		runner:    toolexec.New(),
		readiness: backoff.New(backoff.WithMaxAttempts(30), backoff.WithDelay(time.Second, 5*time.Second)),
		goos:      runtime.GOOS,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Python is the path of the provisioned interpreter.
func (p *Provisioner) Python() string {
	return filepath.Join(p.targetDir, exeName(p.goos, "python"))
}

// Install runs the python installer silently into the target
// directory. The installer can return before its files are in place,
// so Install then waits for the interpreter to show up.
func (p *Provisioner) Install(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "pyruntime.Install")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if _, err := os.Stat(p.installer); err != nil {
		return errors.Wrap(err, "python installer")
	}

	if err := os.MkdirAll(p.targetDir, fsutil.DirMode); err != nil {
		return errors.Wrapf(err, "creating %s", p.targetDir)
	}

	if _, err := p.runner.Run(ctx, p.installer,
		"/quiet",
		"InstallAllUsers=0",
		"Include_launcher=0",
		"Include_test=0",
		"Shortcuts=0",
		"PrependPath=0",
		"TargetDir="+p.targetDir,
	); err != nil {
		return errors.Wrap(err, "installing python")
	}

	if err := p.readiness.Run(ctx, func() error {
		_, err := os.Stat(p.Python())
		return err
	}); err != nil {
		return errors.Wrap(err, "waiting for python interpreter")
	}

	level.Info(logger).Log("msg", "python installed", "dir", p.targetDir)
	return nil
}

// Patch overwrites runtime files with the copies in sourceDir. This is
// how the SSL libraries and openssl.cnf shipped with the interpreter
// are replaced. DLLs land in the runtime's DLLs directory, everything
// else at its root.
func (p *Provisioner) Patch(ctx context.Context, sourceDir string, files []string) error {
	ctx, span := trace.StartSpan(ctx, "pyruntime.Patch")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	dllDir := filepath.Join(p.targetDir, "DLLs")
	if err := os.MkdirAll(dllDir, fsutil.DirMode); err != nil {
		return errors.Wrapf(err, "creating %s", dllDir)
	}

	for _, f := range files {
		src := filepath.Join(sourceDir, f)
		dest := filepath.Join(p.targetDir, f)
		if filepath.Ext(f) == ".dll" {
			dest = filepath.Join(dllDir, f)
		}

		if err := fsutil.CopyFile(src, dest); err != nil {
			return errors.Wrapf(err, "patching %s", f)
		}
		level.Debug(logger).Log("msg", "patched runtime file", "file", f, "dest", dest)
	}

	return nil
}

// CreateVenv makes a virtual environment from the provisioned runtime
// and refreshes its build tooling from the vendored archives only.
func (p *Provisioner) CreateVenv(ctx context.Context, venvDir, vendorDir string) error {
	ctx, span := trace.StartSpan(ctx, "pyruntime.CreateVenv")
	defer span.End()

	if _, err := p.runner.Run(ctx, p.Python(), "-m", "venv", "--clear", venvDir); err != nil {
		return errors.Wrap(err, "creating venv")
	}

	if _, err := p.runner.Run(ctx, VenvPython(p.goos, venvDir),
		"-m", "pip", "install",
		"--no-index",
		"--find-links", vendorDir,
		"--upgrade",
		"pip", "setuptools", "wheel",
	); err != nil {
		return errors.Wrap(err, "upgrading venv build tooling")
	}

	return nil
}

// Uninstall removes the provisioned runtime through its installer, and
// then whatever the installer left behind.
func (p *Provisioner) Uninstall(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "pyruntime.Uninstall")
	defer span.End()

	if _, err := os.Stat(p.installer); err != nil {
		return errors.Wrap(err, "python installer")
	}

	if _, err := p.runner.Run(ctx, p.installer, "/quiet", "/uninstall"); err != nil {
		return errors.Wrap(err, "uninstalling python")
	}

	if err := os.RemoveAll(p.targetDir); err != nil {
		return errors.Wrapf(err, "removing %s", p.targetDir)
	}

	return nil
}

// VenvPython is the interpreter inside a virtual environment.
func VenvPython(goos, venvDir string) string {
	if goos == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

func exeName(goos, name string) string {
	if goos == "windows" {
		return name + ".exe"
	}
	return name
}
