// Package authenticode is a light wrapper around signing code under
// windows.
//
// See
//
// https://docs.microsoft.com/en-us/dotnet/framework/tools/signtool-exe
package authenticode

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"go.opencensus.io/trace"
)

const (
	defaultTimestampServer = "http://timestamp.digicert.com"
	defaultRFC3161Server   = "http://timestamp.digicert.com"

	fallbackKitsRoot = `C:\Program Files (x86)\Windows Kits\10\bin`
)

// signtoolOptions are the options for how we call signtool.exe. These
// are *not* the tool options, but instead our own representation of
// the arguments.
type signtoolOptions struct {
	extraArgs       []string
	subjectName     string // If present, use this as the `/n` argument
	skipValidation  bool
	signtoolPath    string
	timestampServer string
	rfc3161Server   string
	pfxPath         string
	pfxPassword     string

	execCC toolexec.ExecCC // Allows test overrides
}

type SigntoolOpt func(*signtoolOptions)

// SkipValidation skips the `signtool verify` step.
func SkipValidation() SigntoolOpt {
	return func(so *signtoolOptions) {
		so.skipValidation = true
	}
}

// WithExtraArgs set additional arguments for signtool. A common one is `/sm`, to use the machine store
func WithExtraArgs(args []string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.extraArgs = args
	}
}

func WithSigntoolPath(path string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.signtoolPath = path
	}
}

func WithSubjectName(sn string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.subjectName = sn
	}
}

// WithTimestampServer sets the authenticode timestamp server used
// for the sha1 signature.
func WithTimestampServer(server string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.timestampServer = server
	}
}

// WithRFC3161Server sets the RFC 3161 timestamp server used for the
// sha256 signature.
func WithRFC3161Server(server string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.rfc3161Server = server
	}
}

// WithPFX signs with the certificate in a pfx file rather than one
// from the certificate store.
func WithPFX(path, password string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.pfxPath = path
		so.pfxPassword = password
	}
}

func WithExecCC(fn toolexec.ExecCC) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.execCC = fn
	}
}

// Sign signs file in place, first with a sha1 signature and then with
// an appended sha256 one, and verifies the result.
func Sign(ctx context.Context, file string, opts ...SigntoolOpt) error {
	ctx, span := trace.StartSpan(ctx, "authenticode.Sign")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	so := &signtoolOptions{
		signtoolPath:    "signtool.exe",
		timestampServer: defaultTimestampServer,
		rfc3161Server:   defaultRFC3161Server,
	}

	for _, opt := range opts {
		opt(so)
	}

	if _, err := os.Stat(file); err != nil {
		return errors.Wrapf(err, "stat %s", file)
	}

	runnerOpts := []toolexec.Option{
		toolexec.WithStreamedOutput(),
		toolexec.WithRedacted(so.pfxPassword),
	}
	if so.execCC != nil {
		runnerOpts = append(runnerOpts, toolexec.WithExecCC(so.execCC))
	}
	runner := toolexec.New(runnerOpts...)

	// signtool.exe can be called multiple times to apply multiple
	// signatures. _But_ it uses different arguments for the subsequent
	// signatures. So, multiple calls.
	// Some info at https://knowledge.digicert.com/generalinformation/INFO2274.html
	sha1Args := []string{
		"sign",
		"/fd", "sha1",
		"/t", so.timestampServer,
		"/v",
	}
	sha256Args := []string{
		"sign",
		"/as",
		"/fd", "sha256",
		"/tr", so.rfc3161Server,
		"/td", "sha256",
		"/v",
	}

	for _, args := range [][]string{sha1Args, sha256Args} {
		if so.subjectName != "" {
			args = append(args, "/n", so.subjectName)
		}
		if so.pfxPath != "" {
			args = append(args, "/f", so.pfxPath)
			if so.pfxPassword != "" {
				args = append(args, "/p", so.pfxPassword)
			}
		}
		args = append(args, so.extraArgs...)
		args = append(args, file)

		if _, err := runner.Run(ctx, so.signtoolPath, args...); err != nil {
			return errors.Wrap(err, "calling signtool")
		}
	}

	if so.skipValidation {
		level.Info(logger).Log("msg", "skipping signature verification", "file", file)
		return nil
	}

	if _, err := runner.Run(ctx, so.signtoolPath, "verify", "/pa", "/all", file); err != nil {
		return errors.Wrap(err, "verifying signature")
	}

	level.Info(logger).Log("msg", "signed", "file", file)
	return nil
}

// FindSigntool looks for signtool.exe on the PATH, then in the
// installed Windows Kits, preferring the newest kit for arch (x64 or
// x86).
func FindSigntool(kitsRoot, arch string) (string, error) {
	if path, err := toolexec.LookPath("signtool.exe"); err == nil {
		return path, nil
	}

	if kitsRoot == "" {
		kitsRoot = defaultKitsRoot()
	}

	matches, err := filepath.Glob(filepath.Join(kitsRoot, "*", arch, "signtool.exe"))
	if err != nil {
		return "", errors.Wrap(err, "globbing for signtool")
	}

	var (
		newest        string
		newestVersion []int
	)
	for _, m := range matches {
		// kit directories are named by sdk version, eg: 10.0.18362.0
		v, ok := kitVersion(filepath.Base(filepath.Dir(filepath.Dir(m))))
		if !ok {
			continue
		}
		if newest == "" || compareVersions(v, newestVersion) > 0 {
			newest, newestVersion = m, v
		}
	}

	if newest == "" {
		return "", errors.Errorf("no signtool.exe found under %s", kitsRoot)
	}
	return newest, nil
}

func kitVersion(dir string) ([]int, bool) {
	fields := strings.Split(dir, ".")
	v := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		v[i] = n
	}
	return v, true
}

// compareVersions compares dotted versions field by field, a missing
// field counting as 0.
func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}
