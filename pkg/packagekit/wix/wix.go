package wix

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"go.opencensus.io/trace"
)

type wixTool struct {
	wixPath        string       // Where is wix installed
	packageRoot    string       // What's the root of the packaging files?
	buildDir       string       // The wix tools want to work in a build dir.
	msArch         string       // What's the microsoft archtecture name?
	pathEntries    []*PathEntry // PATH entries to attach to harvested files
	mustHarvest    []string     // file names heat must have found
	dockerImage    string       // If in docker, what image?
	skipValidation bool         // Skip light validation. Seems to be needed for running in 32bit wine environments.
	cleanDirs      []string     // directories to rm on cleanup

	runner *toolexec.Runner
}

type WixOpt func(*wixTool)

func As64bit() WixOpt {
	return func(wo *wixTool) {
		wo.msArch = "x64"
	}
}

func As32bit() WixOpt {
	return func(wo *wixTool) {
		wo.msArch = "x86"
	}
}

// If you're running this in a virtual win environment, you probably
// need to skip validation. LGHT0216 is a common error.
func SkipValidation() WixOpt {
	return func(wo *wixTool) {
		wo.skipValidation = true
	}
}

func WithWix(path string) WixOpt {
	return func(wo *wixTool) {
		wo.wixPath = path
	}
}

// WithPathEntry adds the install directory to the system PATH, tied
// to the component of the harvested file the entry matches.
func WithPathEntry(entry *PathEntry) WixOpt {
	return func(wo *wixTool) {
		wo.pathEntries = append(wo.pathEntries, entry)
	}
}

// WithRequiredFile fails packaging if heat did not harvest a file with
// this name. It catches packaging an empty or half staged dist.
func WithRequiredFile(name string) WixOpt {
	return func(wo *wixTool) {
		wo.mustHarvest = append(wo.mustHarvest, name)
	}
}

func WithBuildDir(path string) WixOpt {
	return func(wo *wixTool) {
		wo.buildDir = path
	}
}

func WithDocker(image string) WixOpt {
	return func(wo *wixTool) {
		wo.dockerImage = image
	}
}

func WithRunner(r *toolexec.Runner) WixOpt {
	return func(wo *wixTool) {
		wo.runner = r
	}
}

// New takes a packageRoot of files, and a wxsContent of xml wix
// configs, and will return a struct suitable for builing packages
// with.
func New(packageRoot string, mainWxsContent []byte, wixOpts ...WixOpt) (*wixTool, error) {
	wo := &wixTool{
		wixPath:     `C:\Program Files (x86)\WiX Toolset v3.11\bin`,
		packageRoot: packageRoot,
		runner:      toolexec.New(toolexec.WithStreamedOutput()),
	}

	for _, opt := range wixOpts {
		opt(wo)
	}

	var err error
	if wo.buildDir == "" {
		wo.buildDir, err = os.MkdirTemp("", "wix-build-dir")
		if err != nil {
			return nil, errors.Wrap(err, "making temp wix-build-dir")
		}
		wo.cleanDirs = append(wo.cleanDirs, wo.buildDir)
	} else if err := os.MkdirAll(wo.buildDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "making %s", wo.buildDir)
	}

	if wo.msArch == "" {
		switch runtime.GOARCH {
		case "386":
			wo.msArch = "x86"
		case "amd64":
			wo.msArch = "x64"
		default:
			return nil, errors.Errorf("unknown arch for windows %s", runtime.GOARCH)
		}
	}

	mainWxsPath := filepath.Join(wo.buildDir, "Installer.wxs")

	if err := os.WriteFile(
		mainWxsPath,
		mainWxsContent,
		0644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", mainWxsPath)
	}

	return wo, nil
}

// Cleanup removes temp directories. Meant to be called in a defer.
func (wo *wixTool) Cleanup() {
	for _, d := range wo.cleanDirs {
		os.RemoveAll(d)
	}
}

// Package will run through the wix steps to produce a resulting
// package. The path of the built msi is returned.
func (wo *wixTool) Package(ctx context.Context) (string, error) {
	ctx, span := trace.StartSpan(ctx, "wix.Package")
	defer span.End()

	if err := wo.heat(ctx); err != nil {
		return "", errors.Wrap(err, "running heat")
	}

	if err := wo.checkHarvest(); err != nil {
		return "", errors.Wrap(err, "checking harvest")
	}

	if err := wo.addPathEntries(ctx); err != nil {
		return "", errors.Wrap(err, "adding path entries")
	}

	if err := wo.candle(ctx); err != nil {
		return "", errors.Wrap(err, "running candle")
	}

	if err := wo.light(ctx); err != nil {
		return "", errors.Wrap(err, "running light")
	}

	return filepath.Join(wo.buildDir, "out.msi"), nil
}

// checkHarvest parses heat's output and makes sure the required files
// were picked up.
func (wo *wixTool) checkHarvest() error {
	if len(wo.mustHarvest) == 0 {
		return nil
	}

	content, err := os.ReadFile(filepath.Join(wo.buildDir, "AppFiles.wxs"))
	if err != nil {
		return errors.Wrap(err, "reading AppFiles.wxs")
	}

	harvested, err := ParseHarvest(content)
	if err != nil {
		return err
	}

	have := make(map[string]bool)
	for _, f := range harvested.RetFiles() {
		have[strings.ToLower(f.BaseName())] = true
	}

	for _, name := range wo.mustHarvest {
		if !have[strings.ToLower(name)] {
			return errors.Errorf("heat did not harvest %s from %s", name, wo.packageRoot)
		}
	}
	return nil
}

// addPathEntries inserts environment elements into the heat generated
// file, inside the component of the matching file.
func (wo *wixTool) addPathEntries(ctx context.Context) error {
	if len(wo.pathEntries) == 0 {
		return nil
	}

	logger := ctxlog.FromContext(ctx)

	heatFile := filepath.Join(wo.buildDir, "AppFiles.wxs")
	heatContent, err := os.ReadFile(heatFile)
	if err != nil {
		return errors.Wrap(err, "reading AppFiles.wxs")
	}

	heatWrite, err := os.Create(heatFile)
	if err != nil {
		return errors.Wrap(err, "opening AppFiles.wxs for writing")
	}
	defer heatWrite.Close()

	scanner := bufio.NewScanner(bytes.NewReader(heatContent))
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := fmt.Fprintln(heatWrite, line); err != nil {
			return errors.Wrap(err, "writing AppFiles.wxs")
		}

		for _, entry := range wo.pathEntries {
			isMatch, err := entry.Match(line)
			if err != nil {
				return errors.Wrap(err, "match error")
			}
			if !isMatch {
				continue
			}

			level.Debug(logger).Log("msg", "adding path entry", "file", entry.matchString)
			if err := entry.Xml(heatWrite); err != nil {
				return errors.Wrap(err, "adding path entry")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scanning AppFiles.wxs")
	}

	for _, entry := range wo.pathEntries {
		if entry.count == 0 {
			return errors.Errorf("no harvested file matched %s", entry.matchString)
		}
	}

	return nil
}

// heat invokes wix's heat command. This examines a directory and
// "harvests" the files into an xml structure. See
// http://wixtoolset.org/documentation/manual/v3/overview/heat.html
func (wo *wixTool) heat(ctx context.Context) error {
	_, err := wo.execOut(ctx,
		filepath.Join(wo.wixPath, "heat.exe"),
		"dir", wo.packageRoot,
		"-nologo",
		"-gg", "-g1",
		"-srd",
		"-sfrag",
		"-ke",
		"-cg", "AppFiles",
		"-template", "fragment",
		"-dr", "INSTALLDIR",
		"-var", "var.SourceDir",
		"-out", "AppFiles.wxs",
	)
	return err
}

// candle invokes wix's candle command. This is the wix compiler, It
// preprocesses and compiles WiX source files into object files
// (.wixobj).
func (wo *wixTool) candle(ctx context.Context) error {
	_, err := wo.execOut(ctx,
		filepath.Join(wo.wixPath, "candle.exe"),
		"-nologo",
		"-arch", wo.msArch,
		"-dSourceDir="+wo.packageRoot,
		"Installer.wxs",
		"AppFiles.wxs",
	)
	return err
}

// light invokes wix's light command. This links and binds one or more
// .wixobj files and creates a Windows Installer database (.msi or
// .msm). See http://wixtoolset.org/documentation/manual/v3/overview/light.html for options
func (wo *wixTool) light(ctx context.Context) error {
	args := []string{
		"-nologo",
		"-dcl:high", // compression level
		"-dSourceDir=" + wo.packageRoot,
		"AppFiles.wixobj",
		"Installer.wixobj",
		"-out", "out.msi",
	}

	if wo.skipValidation {
		args = append(args, "-sval")
	}

	_, err := wo.execOut(ctx,
		filepath.Join(wo.wixPath, "light.exe"),
		args...,
	)
	return err
}

// execOut runs a wix tool in the build dir. With a docker image set,
// the tool is run under wine inside the container, with the package
// root and build dir mounted at the same paths.
func (wo *wixTool) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	if wo.dockerImage != "" {
		dockerArgs := []string{
			"run",
			"--entrypoint", "",
			"-v", fmt.Sprintf("%s:%s", wo.packageRoot, wo.packageRoot),
			"-v", fmt.Sprintf("%s:%s", wo.buildDir, wo.buildDir),
			"-w", wo.buildDir,
			wo.dockerImage,
			"wine",
			argv0,
		}
		args = append(dockerArgs, args...)
		argv0 = "docker"
	}

	return wo.runner.RunIn(ctx, wo.buildDir, argv0, args...)
}
