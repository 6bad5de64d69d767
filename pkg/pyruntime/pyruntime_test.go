package pyruntime

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/relbuild/pyrelease/pkg/backoff"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"github.com/relbuild/pyrelease/pkg/toolexec/toolexectest"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("recorder stand-ins need a posix shell")
	}
}

func fastBackoff(attempts int) *backoff.Backoff {
	return backoff.New(backoff.WithMaxAttempts(attempts), backoff.WithDelay(time.Millisecond, time.Millisecond))
}

func setupInstaller(t *testing.T) (string, string) {
	dir := t.TempDir()
	installer := filepath.Join(dir, "python-3.8.10-amd64.exe")
	require.NoError(t, os.WriteFile(installer, []byte("MZ"), 0755))
	return installer, filepath.Join(dir, "python")
}

func TestInstall(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	installer, target := setupInstaller(t)

	rec := &toolexectest.Recorder{
		Hook: func(argv []string) {
			if strings.HasSuffix(argv[0], "amd64.exe") && argv[1] == "/quiet" && len(argv) > 2 && argv[2] != "/uninstall" {
				os.WriteFile(filepath.Join(target, "python.exe"), []byte("MZ"), 0755)
			}
		},
	}

	p := New(installer, target,
		WithOS("windows"),
		WithRunner(toolexec.New(toolexec.WithExecCC(rec.ExecCC))),
		WithReadinessBackoff(fastBackoff(3)),
	)

	require.NoError(t, p.Install(context.TODO()))
	require.Equal(t, []string{
		installer + " /quiet InstallAllUsers=0 Include_launcher=0 Include_test=0 Shortcuts=0 PrependPath=0 TargetDir=" + target,
	}, rec.Commands())
	require.Equal(t, filepath.Join(target, "python.exe"), p.Python())
}

func TestInstallInterpreterNeverAppears(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	installer, target := setupInstaller(t)
	rec := &toolexectest.Recorder{}

	p := New(installer, target,
		WithOS("windows"),
		WithRunner(toolexec.New(toolexec.WithExecCC(rec.ExecCC))),
		WithReadinessBackoff(fastBackoff(2)),
	)

	err := p.Install(context.TODO())
	require.Error(t, err)
	require.Contains(t, err.Error(), "waiting for python interpreter")
}

func TestInstallFailureStops(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	installer, target := setupInstaller(t)
	rec := &toolexectest.Recorder{FailOn: []string{"TargetDir="}}

	p := New(installer, target,
		WithRunner(toolexec.New(toolexec.WithExecCC(rec.ExecCC))),
		WithReadinessBackoff(fastBackoff(2)),
	)

	err := p.Install(context.TODO())
	require.Error(t, err)
	require.Contains(t, err.Error(), "installing python")
}

func TestInstallMissingInstaller(t *testing.T) {
	t.Parallel()

	p := New(filepath.Join(t.TempDir(), "nope.exe"), t.TempDir())
	require.Error(t, p.Install(context.TODO()))
}

func TestPatch(t *testing.T) {
	t.Parallel()

	sslDir := t.TempDir()
	for name, body := range map[string]string{
		"libssl-1_1-x64.dll":    "patched ssl",
		"libcrypto-1_1-x64.dll": "patched crypto",
		"openssl.cnf":           "[openssl_init]",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(sslDir, name), []byte(body), 0644))
	}

	target := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(target, "DLLs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "DLLs", "libssl-1_1-x64.dll"), []byte("stock"), 0644))

	p := New("installer.exe", target)
	require.NoError(t, p.Patch(context.TODO(), sslDir, []string{"libssl-1_1-x64.dll", "libcrypto-1_1-x64.dll", "openssl.cnf"}))

	body, err := os.ReadFile(filepath.Join(target, "DLLs", "libssl-1_1-x64.dll"))
	require.NoError(t, err)
	require.Equal(t, "patched ssl", string(body))
	require.FileExists(t, filepath.Join(target, "DLLs", "libcrypto-1_1-x64.dll"))
	require.FileExists(t, filepath.Join(target, "openssl.cnf"))

	require.Error(t, p.Patch(context.TODO(), sslDir, []string{"missing.dll"}))
}

func TestCreateVenv(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	rec := &toolexectest.Recorder{}
	p := New("installer.exe", `C:\build\python`,
		WithOS("windows"),
		WithRunner(toolexec.New(toolexec.WithExecCC(rec.ExecCC))),
	)

	require.NoError(t, p.CreateVenv(context.TODO(), "venv", "vendor"))

	calls := rec.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{filepath.Join(`C:\build\python`, "python.exe"), "-m", "venv", "--clear", "venv"}, calls[0])
	require.Equal(t, VenvPython("windows", "venv"), calls[1][0])
	require.Contains(t, calls[1], "--no-index")
}

func TestUninstall(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	installer, target := setupInstaller(t)
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "leftover.txt"), []byte("x"), 0644))

	rec := &toolexectest.Recorder{}
	p := New(installer, target, WithRunner(toolexec.New(toolexec.WithExecCC(rec.ExecCC))))

	require.NoError(t, p.Uninstall(context.TODO()))
	require.Equal(t, []string{installer + " /quiet /uninstall"}, rec.Commands())
	require.NoDirExists(t, target)
}

func TestVenvPython(t *testing.T) {
	t.Parallel()

	require.Equal(t, filepath.Join("v", "Scripts", "python.exe"), VenvPython("windows", "v"))
	require.Equal(t, filepath.Join("v", "bin", "python"), VenvPython("linux", "v"))
}
