package main

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
	"github.com/relbuild/pyrelease/pkg/buildenv"
	"github.com/relbuild/pyrelease/pkg/buildinfo"
	"github.com/relbuild/pyrelease/pkg/collect"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/freeze"
	"github.com/relbuild/pyrelease/pkg/manifest"
	"github.com/relbuild/pyrelease/pkg/packagekit"
	"github.com/relbuild/pyrelease/pkg/packagekit/authenticode"
	"github.com/relbuild/pyrelease/pkg/packagekit/wix"
	"github.com/relbuild/pyrelease/pkg/pipeline"
	"github.com/relbuild/pyrelease/pkg/preflight"
	"github.com/relbuild/pyrelease/pkg/pydeps"
	"github.com/relbuild/pyrelease/pkg/pyruntime"
	"github.com/relbuild/pyrelease/pkg/toolexec"
)

// release holds everything a build needs. Each stage is a method, so a
// partial run (-stages) recomputes its inputs from the layout rather
// than from earlier stages.
type release struct {
	params   buildenv.Params
	manifest *manifest.Manifest

	sign        bool
	signtool    string
	signSubject string
	pfxPath     string
	pfxPassword string
	wixPath     string
	wixDocker   string
	collector   collect.Collector
	minFree     uint64 // bytes needed in the work dir, 0 skips the check

	goos      string
	execCC    toolexec.ExecCC
	readiness *backoff.Backoff
	runner    *toolexec.Runner
}

type releaseOpt func(*release)

func withExecCC(fn toolexec.ExecCC) releaseOpt {
	return func(r *release) {
		r.execCC = fn
	}
}

func withOS(goos string) releaseOpt {
	return func(r *release) {
		r.goos = goos
	}
}

func withCollector(c collect.Collector) releaseOpt {
	return func(r *release) {
		r.collector = c
	}
}

func withSigning(signtool, subject string) releaseOpt {
	return func(r *release) {
		r.sign = true
		r.signtool = signtool
		r.signSubject = subject
	}
}

func withPFX(path, password string) releaseOpt {
	return func(r *release) {
		r.pfxPath = path
		r.pfxPassword = password
	}
}

func withMinFree(bytes uint64) releaseOpt {
	return func(r *release) {
		r.minFree = bytes
	}
}

func withWix(path, dockerImage string) releaseOpt {
	return func(r *release) {
		r.wixPath = path
		r.wixDocker = dockerImage
	}
}

func withReadiness(b *backoff.Backoff) releaseOpt {
	return func(r *release) {
		r.readiness = b
	}
}

func newRelease(params buildenv.Params, man *manifest.Manifest, opts ...releaseOpt) (*release, error) {
	params, err := params.Absolute()
	if err != nil {
		return nil, err
	}
	if params.ProductName == "" && man != nil {
		params.ProductName = man.Product
	}

	r := &release{
		params:   params,
		manifest: man,
		goos:     runtime.GOOS,
	}

	for _, opt := range opts {
		opt(r)
	}

	runnerOpts := []toolexec.Option{
		toolexec.WithEnv(buildenv.CommandEnv(os.Environ())),
		toolexec.WithStreamedOutput(),
	}
	if r.execCC != nil {
		runnerOpts = append(runnerOpts, toolexec.WithExecCC(r.execCC))
	}
	r.runner = toolexec.New(runnerOpts...)

	return r, nil
}

func (r *release) pipeline() *pipeline.Pipeline {
	return pipeline.New(
		pipeline.Stage{Name: "preflight", Run: r.preflight},
		pipeline.Stage{Name: "environment", Run: r.environment},
		pipeline.Stage{Name: "python", Run: r.installPython},
		pipeline.Stage{Name: "patch", Run: r.patchPython},
		pipeline.Stage{Name: "venv", Run: r.createVenv},
		pipeline.Stage{Name: "deps", Run: r.installDeps},
		pipeline.Stage{Name: "freeze", Run: r.freeze},
		pipeline.Stage{Name: "msi", Run: r.buildMSI},
		pipeline.Stage{Name: "sign", Run: r.signMSI},
		pipeline.Stage{Name: "collect", Run: r.collect},
		pipeline.Stage{Name: "uninstall", Run: r.uninstallPython, Always: true},
	)
}

func (r *release) installerPath() string {
	return filepath.Join(r.params.PackagingDir(), r.manifest.Python.Installer)
}

func (r *release) msiPath() string {
	return filepath.Join(r.params.OutputDir(), r.params.MSIFileName())
}

func (r *release) venvPython() string {
	return pyruntime.VenvPython(r.goos, r.params.VenvDir())
}

func (r *release) provisioner() *pyruntime.Provisioner {
	opts := []pyruntime.Option{
		pyruntime.WithRunner(r.runner),
		pyruntime.WithOS(r.goos),
	}
	if r.readiness != nil {
		opts = append(opts, pyruntime.WithReadinessBackoff(r.readiness))
	}
	return pyruntime.New(r.installerPath(), r.params.PythonDir(), opts...)
}

func (r *release) freezer() *freeze.Freezer {
	return freeze.New(
		r.venvPython(),
		r.params.SourceDir,
		r.params.BuildDir(),
		r.params.DistDir(),
		r.manifest.Freeze,
		freeze.WithRunner(r.runner),
	)
}

func (r *release) preflight(ctx context.Context) error {
	if err := r.params.Validate(); err != nil {
		return errors.Wrap(err, "build parameters")
	}

	checks := []preflight.Check{
		preflight.FileCheck(r.installerPath()),
		preflight.DirCheck(r.params.VendorDir()),
		preflight.DirCheck(r.params.SourceDir),
		preflight.FileCheck(filepath.Join(r.params.SourceDir, r.manifest.Freeze.Entry)),
	}

	for _, f := range r.manifest.Python.SSLFiles {
		checks = append(checks, preflight.FileCheck(filepath.Join(r.params.SSLDir(), f)))
	}

	for _, pkg := range r.manifest.Packages {
		checks = append(checks, preflight.FileCheck(filepath.Join(r.params.VendorDir(), pkg.ArchiveName())))
	}

	for _, dll := range r.manifest.Freeze.RuntimeDLLs {
		checks = append(checks, preflight.FileCheck(filepath.Join(r.params.DLLDir(), dll)))
	}

	if r.wixDocker == "" && r.wixPath != "" {
		checks = append(checks, preflight.ToolCheck(filepath.Join(r.wixPath, "heat.exe")))
	}

	if r.sign && r.signtool != "" {
		checks = append(checks, preflight.ToolCheck(r.signtool))
	}

	if r.sign && r.pfxPath != "" {
		checks = append(checks, preflight.Check{
			Name: "signing certificate " + r.pfxPath,
			Fn: func(ctx context.Context) error {
				cert, err := authenticode.CheckPFX(r.pfxPath, r.pfxPassword, time.Now())
				if err != nil {
					return err
				}
				level.Debug(ctxlog.FromContext(ctx)).Log(
					"msg", "signing certificate ok",
					"subject", cert.Subject.CommonName,
					"expires", cert.NotAfter,
				)
				return nil
			},
		})
	}

	if r.minFree > 0 {
		checks = append(checks, preflight.DiskCheck(r.params.WorkDir, r.minFree))
	}

	return preflight.Run(ctx, checks...)
}

func (r *release) environment(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	buildenv.ClearStrayEnv(logger)

	for _, dir := range []string{r.params.BuildDir(), r.params.OutputDir()} {
		if err := os.MkdirAll(dir, fsutil.DirMode); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}

	level.Info(logger).Log(
		"msg", "build parameters",
		"product", r.params.ProductName,
		"version", r.params.ProductVersion,
		"build", r.params.BuildNumber,
		"library_version", r.params.LibraryVersion,
		"arch", r.params.Arch,
		"work_dir", r.params.WorkDir,
		"packaging_dir", r.params.PackagingDir(),
		"packages", len(r.manifest.Packages),
	)
	return nil
}

func (r *release) installPython(ctx context.Context) error {
	return r.provisioner().Install(ctx)
}

func (r *release) patchPython(ctx context.Context) error {
	return r.provisioner().Patch(ctx, r.params.SSLDir(), r.manifest.Python.SSLFiles)
}

func (r *release) createVenv(ctx context.Context) error {
	return r.provisioner().CreateVenv(ctx, r.params.VenvDir(), r.params.VendorDir())
}

func (r *release) installDeps(ctx context.Context) error {
	installer := pydeps.New(
		r.venvPython(),
		r.params.VendorDir(),
		filepath.Join(r.params.BuildDir(), "src"),
		pydeps.WithRunner(r.runner),
	)
	return installer.InstallAll(ctx, r.manifest.Packages)
}

func (r *release) freeze(ctx context.Context) error {
	f := r.freezer()
	if _, err := f.Run(ctx); err != nil {
		return err
	}
	return f.StageDist(ctx, r.params.DLLDir())
}

func (r *release) buildMSI(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	msiVersion, err := r.params.MSIVersion()
	if err != nil {
		return err
	}

	po := &packagekit.PackageOptions{
		Name:           r.params.ProductName,
		Identifier:     r.manifest.Installer.Identifier,
		Version:        msiVersion,
		Root:           r.params.DistDir(),
		Manufacturer:   r.manifest.Installer.Manufacturer,
		Description:    r.manifest.Installer.Description,
		ExecutableName: r.manifest.Freeze.ExecutableName(),
		AddToPath:      r.manifest.Installer.AddToPath,
		Arch:           r.params.Arch,
		WixPath:        r.wixPath,
		WixDocker:      r.wixDocker,
	}

	if err := os.MkdirAll(r.params.OutputDir(), fsutil.DirMode); err != nil {
		return errors.Wrapf(err, "creating %s", r.params.OutputDir())
	}

	msi := r.msiPath()
	fh, err := os.Create(msi)
	if err != nil {
		return errors.Wrapf(err, "creating %s", msi)
	}

	err = packagekit.PackageWixMSI(ctx, fh, po,
		wix.WithRunner(r.runner),
		wix.WithBuildDir(filepath.Join(r.params.BuildDir(), "wix")),
	)
	if closeErr := fh.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "closing %s", msi)
	}
	if err != nil {
		os.Remove(msi)
		return err
	}

	level.Info(logger).Log("msg", "built installer", "msi", msi, "version", msiVersion)
	return nil
}

func (r *release) signMSI(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	if !r.sign {
		level.Info(logger).Log("msg", "signing disabled, skipping")
		return nil
	}

	signtool := r.signtool
	if signtool == "" {
		kitArch := "x64"
		if r.params.Arch == "386" {
			kitArch = "x86"
		}

		var err error
		if signtool, err = authenticode.FindSigntool("", kitArch); err != nil {
			return err
		}
	}

	opts := []authenticode.SigntoolOpt{
		authenticode.WithSigntoolPath(signtool),
	}
	if r.signSubject != "" {
		opts = append(opts, authenticode.WithSubjectName(r.signSubject))
	}
	if r.pfxPath != "" {
		opts = append(opts, authenticode.WithPFX(r.pfxPath, r.pfxPassword))
	}
	if r.execCC != nil {
		opts = append(opts, authenticode.WithExecCC(r.execCC))
	}

	return authenticode.Sign(ctx, r.msiPath(), opts...)
}

func (r *release) collect(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	msi := r.msiPath()

	info := buildinfo.New(r.params.ProductName, r.params.ProductVersion, r.params.BuildNumber)
	info.Library = r.params.LibraryVersion
	if err := info.SetMSI(msi); err != nil {
		return err
	}

	for _, pkg := range r.manifest.Packages {
		info.Packages = append(info.Packages, pkg.String())
	}

	rev, err := buildinfo.GitRevision(r.params.SourceDir)
	if err != nil {
		level.Info(logger).Log("msg", "could not determine source revision", "err", err)
	}
	info.Revision = rev

	frozen, err := pydeps.New(r.venvPython(), r.params.VendorDir(), "", pydeps.WithRunner(r.runner)).Frozen(ctx)
	if err != nil {
		level.Info(logger).Log("msg", "could not list installed packages", "err", err)
	}
	info.Frozen = frozen

	infoPath := filepath.Join(r.params.OutputDir(), "build-info.json")
	if err := info.Write(infoPath); err != nil {
		return err
	}

	if r.collector == nil {
		level.Info(logger).Log("msg", "no collection path, leaving artifacts in place", "dir", r.params.OutputDir())
		return nil
	}

	for _, artifact := range []string{msi, infoPath} {
		dest, err := r.collector.Collect(ctx, artifact)
		if err != nil {
			return errors.Wrap(err, "collecting artifacts")
		}
		if dest != "" {
			level.Info(logger).Log("msg", "artifact collected", "artifact", filepath.Base(artifact), "dest", dest)
		}
	}

	return nil
}

func (r *release) uninstallPython(ctx context.Context) error {
	if _, err := os.Stat(r.params.PythonDir()); os.IsNotExist(err) {
		level.Debug(ctxlog.FromContext(ctx)).Log("msg", "no python runtime to remove")
		return nil
	}
	return r.provisioner().Uninstall(ctx)
}
