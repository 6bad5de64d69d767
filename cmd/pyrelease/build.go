package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/buildenv"
	"github.com/relbuild/pyrelease/pkg/collect"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	buildlog "github.com/relbuild/pyrelease/pkg/log"
)

func runBuild(args []string) error {
	params := buildenv.FromEnv()

	flagset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		flStages = flagset.String(
			"stages",
			"",
			"comma separated list of stages to run. Defaults to all of them",
		)
		flDebug = flagset.Bool(
			"debug",
			false,
			"enable debug logging",
		)
		flWorkDir = flagset.String(
			"work_dir",
			env.String("WORK_DIR", "work"),
			"directory for the python runtime, build scratch and output",
		)
		flProduct = flagset.String(
			"product",
			params.ProductName,
			"product name for the installer and build info. Defaults to the manifest's product",
		)
		flManifest = flagset.String(
			"manifest",
			"",
			"package manifest (yaml, json or hcl). Defaults to the built in one",
		)
		flSign = flagset.Bool(
			"sign",
			false,
			"sign the installer with signtool",
		)
		flSigntool = flagset.String(
			"signtool",
			"",
			"path to signtool.exe. Found in the Windows Kits when unset",
		)
		flSignSubject = flagset.String(
			"sign_subject",
			"",
			"certificate subject name passed to signtool",
		)
		flSignPFX = flagset.String(
			"sign_pfx",
			"",
			"sign with the certificate in this pfx file instead of the certificate store",
		)
		flSignPFXPassword = flagset.String(
			"sign_pfx_password",
			"",
			"password for -sign_pfx. Prefer the PYRELEASE_SIGN_PFX_PASSWORD environment variable",
		)
		flWix = flagset.String(
			"wix",
			"",
			"path to the wix toolset bin directory",
		)
		flWixDocker = flagset.String(
			"wix_docker",
			"",
			"run wix under wine in this docker image",
		)
		flMinFreeMB = flagset.Uint64(
			"min_free_mb",
			5120,
			"free space the work dir needs before a build starts. 0 disables the check",
		)
		flLogFile = flagset.String(
			"log_file",
			"",
			"also write a json build log to this file (rotated)",
		)
		flCollect = flagset.String(
			"collect",
			params.CollectionPath,
			"where to collect the installer: a directory or s3://bucket/prefix",
		)
		_ = flagset.String("config", "", "config file (optional)")
	)

	flagset.Usage = usageFor(flagset, "pyrelease build [flags]")

	ffOpts := []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("PYRELEASE"),
	}

	if err := ff.Parse(flagset, args, ffOpts...); err != nil {
		return errors.Wrap(err, "parsing flags")
	}

	logger := logutil.NewCLILogger(*flDebug)
	if *flLogFile != "" {
		fileLogger, closer := buildlog.NewFileLogger(*flLogFile)
		defer closer.Close()
		logger = buildlog.Tee(logger, fileLogger)
	}
	ctx := ctxlog.NewContext(context.Background(), logger)

	man, err := loadManifest(*flManifest)
	if err != nil {
		return err
	}

	params.ProductName = *flProduct
	params.WorkDir = *flWorkDir
	params.CollectionPath = *flCollect

	opts := []releaseOpt{
		withWix(*flWix, *flWixDocker),
		withMinFree(*flMinFreeMB << 20),
	}

	if *flSign {
		opts = append(opts,
			withSigning(*flSigntool, *flSignSubject),
			withPFX(*flSignPFX, *flSignPFXPassword),
		)
	}

	if params.CollectionPath != "" {
		collector, err := collect.New(params.CollectionPath)
		if err != nil {
			return errors.Wrap(err, "configuring collection")
		}
		opts = append(opts, withCollector(collector))
	}

	var only []string
	if *flStages != "" {
		only = strings.Split(*flStages, ",")
	}

	r, err := newRelease(params, man, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	{
		g.Add(func() error {
			return r.pipeline().Run(ctx, only)
		}, func(error) {
			cancel()
		})
	}
	{
		sig := make(chan os.Signal, 1)
		g.Add(func() error {
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case s := <-sig:
				level.Info(logger).Log("msg", "interrupted, cleaning up", "signal", s)
				return errors.Errorf("received %s", s)
			case <-ctx.Done():
				return nil
			}
		}, func(error) {
			signal.Stop(sig)
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "build failed", "err", err)
		return err
	}

	level.Info(logger).Log("msg", "build complete", "msi", r.msiPath())
	return nil
}
