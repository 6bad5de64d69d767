package toolexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/toolexec/toolexectest"
	"github.com/stretchr/testify/require"
)

func TestRunRecordsAndSucceeds(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("recorder stand-ins need a posix shell")
	}

	rec := &toolexectest.Recorder{Stdout: map[string]string{"--version": "Python 3.8.10"}}
	r := New(WithExecCC(rec.ExecCC), WithDir(t.TempDir()))

	out, err := r.Run(context.TODO(), "python.exe", "--version")
	require.NoError(t, err)
	require.Equal(t, "Python 3.8.10", out)
	require.Equal(t, []string{"python.exe --version"}, rec.Commands())
}

func TestRunFailureCarriesOutput(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("recorder stand-ins need a posix shell")
	}

	rec := &toolexectest.Recorder{FailOn: []string{"setup.py"}}
	r := New(WithExecCC(rec.ExecCC))

	_, err := r.Run(context.TODO(), "python.exe", "setup.py", "install")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run command python.exe setup.py install")
	require.Contains(t, err.Error(), "stderr=failing")
}

func TestRunStreamsToLogger(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("recorder stand-ins need a posix shell")
	}

	var buf bytes.Buffer
	ctx := ctxlog.NewContext(context.Background(), log.NewLogfmtLogger(&buf))

	rec := &toolexectest.Recorder{Stdout: map[string]string{"freeze": "six==1.16.0\n"}}
	r := New(WithExecCC(rec.ExecCC), WithStreamedOutput())

	out, err := r.Run(ctx, "python.exe", "-m", "pip", "freeze")
	require.NoError(t, err)
	require.Equal(t, "six==1.16.0", out)
	require.Contains(t, buf.String(), `tool=python.exe msg="six==1.16.0"`)
}

func TestRunRedactsSecrets(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("recorder stand-ins need a posix shell")
	}

	var buf bytes.Buffer
	ctx := ctxlog.NewContext(context.Background(), log.NewLogfmtLogger(&buf))

	rec := &toolexectest.Recorder{FailOn: []string{"sign"}}
	r := New(WithExecCC(rec.ExecCC), WithRedacted("hunter2", ""))

	_, err := r.Run(ctx, "signtool.exe", "sign", "/f", "cert.pfx", "/p", "hunter2")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "hunter2")
	require.Contains(t, err.Error(), "/p [REDACTED]")
	require.NotContains(t, buf.String(), "hunter2")

	// the real argv still carries the secret
	require.Equal(t, "hunter2", rec.Calls()[0][6])
}

func TestRunRedactsToolOutput(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("stand-in needs a posix shell")
	}

	// signtool echoes what it was given when the password is wrong
	execCC := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo using password hunter2; echo bad password hunter2 >&2; exit 1")
	}

	var buf bytes.Buffer
	ctx := ctxlog.NewContext(context.Background(), log.NewLogfmtLogger(&buf))

	r := New(WithExecCC(execCC), WithStreamedOutput(), WithRedacted("hunter2"))
	_, err := r.Run(ctx, "signtool.exe", "sign", "/p", "hunter2", "ilorest.msi")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "hunter2")
	require.Contains(t, err.Error(), "stdout=using password [REDACTED]")
	require.Contains(t, err.Error(), "stderr=bad password [REDACTED]")

	require.NotContains(t, buf.String(), "hunter2")
	require.Contains(t, buf.String(), `msg="bad password [REDACTED]"`)
}

func TestWithDoesNotMutate(t *testing.T) {
	t.Parallel()

	base := New(WithDir("a"))
	derived := base.With(WithDir("b"), WithEnv([]string{"X=1"}))

	require.Equal(t, "a", base.dir)
	require.Nil(t, base.env)
	require.Equal(t, "b", derived.dir)
	require.Equal(t, []string{"X=1"}, derived.env)
}

func TestLookPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tool := filepath.Join(dir, "candle.exe")
	require.NoError(t, os.WriteFile(tool, []byte("x"), 0755))

	found, err := LookPath(tool)
	require.NoError(t, err)
	require.Equal(t, tool, found)

	_, err = LookPath(filepath.Join(dir, "light.exe"))
	require.Error(t, err)

	_, err = LookPath("definitely-not-a-real-tool-name")
	require.Error(t, err)
}
