// Package pydeps installs the pinned, vendored python packages into
// the build virtual environment. Nothing is fetched from an index.
//
// Each archive kind has its own install routine, but they share a
// shape: clean a work directory, unpack, run the installer.
package pydeps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/archive"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/manifest"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"go.opencensus.io/trace"
)

type Installer struct {
	python    string // venv interpreter
	vendorDir string // where the vendored archives live
	workDir   string // scratch space for unpacking
	runner    *toolexec.Runner
}

type Option func(*Installer)

func WithRunner(r *toolexec.Runner) Option {
	return func(i *Installer) {
		i.runner = r
	}
}

func New(python, vendorDir, workDir string, opts ...Option) *Installer {
	i := &Installer{
		python:    python,
		vendorDir: vendorDir,
		workDir:   workDir,
		runner:    toolexec.New(),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// InstallAll installs pkgs in order, stopping at the first failure.
func (i *Installer) InstallAll(ctx context.Context, pkgs []manifest.Package) error {
	ctx, span := trace.StartSpan(ctx, "pydeps.InstallAll")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	for n, pkg := range pkgs {
		level.Info(logger).Log(
			"msg", "installing package",
			"package", pkg.String(),
			"kind", pkg.Kind,
			"progress", fmt.Sprintf("%d/%d", n+1, len(pkgs)),
		)
		if err := i.Install(ctx, pkg); err != nil {
			return errors.Wrapf(err, "installing %s", pkg)
		}
	}

	return nil
}

// Install installs a single package with the routine for its kind.
func (i *Installer) Install(ctx context.Context, pkg manifest.Package) error {
	ctx, span := trace.StartSpan(ctx, "pydeps.Install."+pkg.Name)
	defer span.End()

	src := filepath.Join(i.vendorDir, pkg.ArchiveName())
	if _, err := os.Stat(src); err != nil {
		return errors.Wrap(err, "vendored archive")
	}

	switch pkg.Kind {
	case manifest.TarGz, manifest.Zip:
		return i.installSource(ctx, pkg, src)
	case manifest.Wheel:
		_, err := i.runner.Run(ctx, i.python, "-m", "pip", "install", "--no-index", "--no-deps", src)
		return err
	case manifest.Exe:
		_, err := i.runner.Run(ctx, i.python, "-m", "easy_install", src)
		return err
	default:
		return errors.Errorf("unknown package kind %q", pkg.Kind)
	}
}

// installSource unpacks an sdist and runs its setup.py.
func (i *Installer) installSource(ctx context.Context, pkg manifest.Package, src string) error {
	dest := filepath.Join(i.workDir, pkg.Name)
	if err := archive.CleanDir(dest); err != nil {
		return err
	}

	if err := archive.Extract(src, dest); err != nil {
		return err
	}

	root, err := archive.SingleRoot(dest)
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(root, "setup.py")); err != nil {
		return errors.Wrapf(err, "no setup.py in %s", pkg.ArchiveName())
	}

	if _, err := i.runner.RunIn(ctx, root, i.python, "setup.py", "install"); err != nil {
		return err
	}

	return nil
}

// Frozen returns the venv's installed packages as `name==version`
// lines.
func (i *Installer) Frozen(ctx context.Context) ([]string, error) {
	out, err := i.runner.Run(ctx, i.python, "-m", "pip", "freeze", "--all")
	if err != nil {
		return nil, errors.Wrap(err, "pip freeze")
	}

	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkgs = append(pkgs, line)
	}
	return pkgs, nil
}
