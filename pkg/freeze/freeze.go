// Package freeze turns the python application into a single
// executable with PyInstaller, and stages the files that ship next to
// it.
package freeze

import (
	"bytes"
	"context"
	_ "embed"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/go-ini/ini"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/manifest"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"go.opencensus.io/trace"
)

//go:embed assets/app.spec.tmpl
var specTemplate string

type Freezer struct {
	python    string
	sourceDir string
	buildDir  string
	distDir   string
	cfg       manifest.Freeze
	runner    *toolexec.Runner
}

type Option func(*Freezer)

func WithRunner(r *toolexec.Runner) Option {
	return func(f *Freezer) {
		f.runner = r
	}
}

func New(python, sourceDir, buildDir, distDir string, cfg manifest.Freeze, opts ...Option) *Freezer {
	f := &Freezer{
		python:    python,
		sourceDir: sourceDir,
		buildDir:  buildDir,
		distDir:   distDir,
		cfg:       cfg,
		runner:    toolexec.New(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Executable is where the frozen binary ends up.
func (f *Freezer) Executable() string {
	return filepath.Join(f.distDir, f.cfg.ExecutableName())
}

// RenderSpec writes the PyInstaller spec file for the application.
// Relative manifest paths are joined to the source dir. PyInstaller
// resolves relative spec paths against the spec's own directory, so
// the source dir must be absolute.
func (f *Freezer) RenderSpec(w io.Writer) error {
	tmpl, err := template.New("spec").Funcs(template.FuncMap{
		"pyquote": strconv.Quote,
	}).Parse(specTemplate)
	if err != nil {
		return errors.Wrap(err, "parsing spec template")
	}

	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(f.sourceDir, p)
	}

	datas := make([]manifest.Data, len(f.cfg.Datas))
	for i, d := range f.cfg.Datas {
		datas[i] = manifest.Data{Source: abs(d.Source), Dest: d.Dest}
	}

	data := struct {
		Name          string
		Entry         string
		PathEx        []string
		Datas         []manifest.Data
		HiddenImports []string
		Icon          string
	}{
		Name:          f.cfg.Name,
		Entry:         abs(f.cfg.Entry),
		PathEx:        []string{f.sourceDir, filepath.Dir(abs(f.cfg.Entry))},
		Datas:         datas,
		HiddenImports: f.cfg.HiddenImports,
		Icon:          abs(f.cfg.Icon),
	}

	if err := tmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "executing spec template")
	}
	return nil
}

// Run freezes the application and returns the path of the executable.
func (f *Freezer) Run(ctx context.Context) (string, error) {
	ctx, span := trace.StartSpan(ctx, "freeze.Run")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if err := os.MkdirAll(f.buildDir, fsutil.DirMode); err != nil {
		return "", errors.Wrapf(err, "creating %s", f.buildDir)
	}

	var spec bytes.Buffer
	if err := f.RenderSpec(&spec); err != nil {
		return "", err
	}

	specPath := filepath.Join(f.buildDir, f.cfg.Name+".spec")
	if err := os.WriteFile(specPath, spec.Bytes(), 0644); err != nil {
		return "", errors.Wrapf(err, "writing %s", specPath)
	}
	level.Debug(logger).Log("msg", "wrote pyinstaller spec", "path", specPath)

	if _, err := f.runner.RunIn(ctx, f.sourceDir, f.python,
		"-m", "PyInstaller",
		"--clean",
		"--noconfirm",
		"--distpath", f.distDir,
		"--workpath", filepath.Join(f.buildDir, "work"),
		specPath,
	); err != nil {
		return "", errors.Wrap(err, "running pyinstaller")
	}

	exe := f.Executable()
	if _, err := os.Stat(exe); err != nil {
		return "", errors.Wrap(err, "pyinstaller did not produce an executable")
	}

	level.Info(logger).Log("msg", "froze application", "exe", exe)
	return exe, nil
}

// StageDist copies the runtime DLLs from dllDir next to the executable
// and writes the application config file, with overrides applied, into
// the dist directory.
func (f *Freezer) StageDist(ctx context.Context, dllDir string) error {
	ctx, span := trace.StartSpan(ctx, "freeze.StageDist")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if err := os.MkdirAll(f.distDir, fsutil.DirMode); err != nil {
		return errors.Wrapf(err, "creating %s", f.distDir)
	}

	for _, dll := range f.cfg.RuntimeDLLs {
		if err := fsutil.CopyFile(filepath.Join(dllDir, dll), filepath.Join(f.distDir, dll)); err != nil {
			return errors.Wrapf(err, "copying runtime dll %s", dll)
		}
		level.Debug(logger).Log("msg", "staged runtime dll", "dll", dll)
	}

	if f.cfg.ConfigFile == "" {
		return nil
	}

	src := f.cfg.ConfigFile
	if !filepath.IsAbs(src) {
		src = filepath.Join(f.sourceDir, src)
	}

	return writeConfig(src, filepath.Join(f.distDir, filepath.Base(src)), f.cfg.ConfigOverrides)
}

func writeConfig(src, dest string, overrides map[string]map[string]string) error {
	cfg, err := ini.Load(src)
	if err != nil {
		return errors.Wrapf(err, "loading config %s", src)
	}

	for section, keys := range overrides {
		for k, v := range keys {
			cfg.Section(section).Key(k).SetValue(v)
		}
	}

	if err := cfg.SaveTo(dest); err != nil {
		return errors.Wrapf(err, "writing config %s", dest)
	}
	return nil
}
