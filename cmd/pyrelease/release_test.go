package main

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relbuild/pyrelease/pkg/backoff"
	"github.com/relbuild/pyrelease/pkg/buildenv"
	"github.com/relbuild/pyrelease/pkg/buildinfo"
	"github.com/relbuild/pyrelease/pkg/collect"
	"github.com/relbuild/pyrelease/pkg/manifest"
	"github.com/relbuild/pyrelease/pkg/toolexec/toolexectest"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t        *testing.T
	root     string
	params   buildenv.Params
	manifest *manifest.Manifest
	signtool string
	rec      *toolexectest.Recorder
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeSdistZip(t *testing.T, path, root string) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(root + "/setup.py")
	require.NoError(t, err)
	_, err = w.Write([]byte("from setuptools import setup\nsetup()\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// newFixture stages the inputs of a build and a recorder that stands
// in for every external tool, creating what each tool would have.
func newFixture(t *testing.T) *fixture {
	root := t.TempDir()

	params := buildenv.Params{
		ProductName:    "ilorest",
		ProductVersion: "3.1.0",
		BuildNumber:    "7",
		LibraryVersion: "3.2.1",
		StagingPath:    filepath.Join(root, "packaging"),
		SourceDir:      filepath.Join(root, "src"),
		WorkDir:        filepath.Join(root, "work"),
		Arch:           "amd64",
	}

	man := &manifest.Manifest{
		Product: "ilorest",
		Python: manifest.Python{
			Version:   "3.8.10",
			Installer: "python-3.8.10-amd64.exe",
			SSLFiles:  []string{"libssl-1_1-x64.dll", "openssl.cnf"},
		},
		Packages: []manifest.Package{
			{Name: "colorama", Version: "0.4.6", Kind: manifest.Zip},
			{Name: "six", Version: "1.16.0", Kind: manifest.Wheel, File: "six-1.16.0-py2.py3-none-any.whl"},
			{Name: "pywin32", Version: "227", Kind: manifest.Exe, File: "pywin32-227.win-amd64-py3.8.exe"},
		},
		Freeze: manifest.Freeze{
			Entry:           "ilorest/rdmc.py",
			Name:            "ilorest",
			ConfigFile:      "ilorest/redfish.conf",
			ConfigOverrides: map[string]map[string]string{"redfish": {"cache": "True"}},
			RuntimeDLLs:     []string{"ilorest_chif.dll"},
		},
		Installer: manifest.Installer{
			Manufacturer: "Hewlett Packard Enterprise",
			Identifier:   "hpe",
			AddToPath:    true,
		},
	}

	writeFile(t, filepath.Join(params.PackagingDir(), man.Python.Installer), "installer")
	writeFile(t, filepath.Join(params.SSLDir(), "libssl-1_1-x64.dll"), "libssl")
	writeFile(t, filepath.Join(params.SSLDir(), "openssl.cnf"), "openssl")
	writeFile(t, filepath.Join(params.DLLDir(), "ilorest_chif.dll"), "chif")
	writeFile(t, filepath.Join(params.VendorDir(), "six-1.16.0-py2.py3-none-any.whl"), "wheel")
	writeFile(t, filepath.Join(params.VendorDir(), "pywin32-227.win-amd64-py3.8.exe"), "exe")
	writeSdistZip(t, filepath.Join(params.VendorDir(), "colorama-0.4.6.zip"), "colorama-0.4.6")
	writeFile(t, filepath.Join(params.SourceDir, "ilorest", "rdmc.py"), "print('hi')\n")
	writeFile(t, filepath.Join(params.SourceDir, "ilorest", "redfish.conf"), "[redfish]\ncache = False\nurl = https://127.0.0.1\n")

	signtool := filepath.Join(root, "kits", "signtool.exe")
	writeFile(t, signtool, "")

	harvest, err := os.ReadFile(filepath.Join("testdata", "AppFiles.wxs"))
	require.NoError(t, err)

	wixDir := filepath.Join(params.BuildDir(), "wix")
	rec := &toolexectest.Recorder{
		Stdout: map[string]string{"pip freeze": "colorama==0.4.6\nsix==1.16.0\npywin32==227\n"},
		Hook: func(argv []string) {
			joined := strings.Join(argv, " ")
			switch {
			case strings.Contains(joined, "TargetDir="):
				writeFile(t, filepath.Join(params.PythonDir(), "python.exe"), "")
			case strings.Contains(joined, "PyInstaller"):
				writeFile(t, filepath.Join(params.DistDir(), "ilorest.exe"), "frozen")
			case strings.Contains(joined, "heat.exe"):
				writeFile(t, filepath.Join(wixDir, "AppFiles.wxs"), string(harvest))
			case strings.Contains(joined, "light.exe"):
				writeFile(t, filepath.Join(wixDir, "out.msi"), "msi")
			}
		},
	}

	return &fixture{t: t, root: root, params: params, manifest: man, signtool: signtool, rec: rec}
}

func (f *fixture) release(opts ...releaseOpt) *release {
	base := []releaseOpt{
		withOS("windows"),
		withExecCC(f.rec.ExecCC),
		withReadiness(backoff.New(backoff.WithMaxAttempts(2), backoff.WithDelay(time.Millisecond, time.Millisecond))),
	}
	r, err := newRelease(f.params, f.manifest, append(base, opts...)...)
	require.NoError(f.t, err)
	return r
}

// indexOf returns the position of the first recorded command
// containing s, or -1.
func indexOf(cmds []string, s string) int {
	for i, c := range cmds {
		if strings.Contains(c, s) {
			return i
		}
	}
	return -1
}

func TestBuild(t *testing.T) {
	f := newFixture(t)
	releases := filepath.Join(f.root, "releases")

	r := f.release(
		withSigning(f.signtool, "Hewlett Packard Enterprise"),
		withCollector(collect.NewDirCollector(releases)),
	)
	require.NoError(t, r.pipeline().Run(context.TODO(), nil))

	cmds := f.rec.Commands()
	order := []string{
		"TargetDir=",
		"-m venv --clear",
		"--upgrade pip setuptools wheel",
		"setup.py install",
		"pip install --no-index --no-deps",
		"-m easy_install",
		"-m PyInstaller",
		"heat.exe",
		"candle.exe",
		"light.exe",
		"sign /fd sha1",
		"sign /as /fd sha256",
		"verify /pa",
		"pip freeze",
		"/quiet /uninstall",
	}
	last := -1
	for _, s := range order {
		i := indexOf(cmds, s)
		require.Greater(t, i, last, "%s out of order in %v", s, cmds)
		last = i
	}

	msiName := "ilorest-3.1.0-7.x86_64.msi"
	require.FileExists(t, filepath.Join(releases, msiName))
	require.FileExists(t, filepath.Join(releases, "build-info.json"))

	info, err := buildinfo.Read(filepath.Join(releases, "build-info.json"))
	require.NoError(t, err)
	require.Equal(t, msiName, info.MSI)
	require.Equal(t, "3.2.1", info.Library)
	require.Equal(t, []string{"colorama==0.4.6", "six==1.16.0", "pywin32==227"}, info.Packages)
	require.Equal(t, []string{"colorama==0.4.6", "six==1.16.0", "pywin32==227"}, info.Frozen)

	require.FileExists(t, filepath.Join(f.params.DistDir(), "ilorest_chif.dll"))
	conf, err := os.ReadFile(filepath.Join(f.params.DistDir(), "redfish.conf"))
	require.NoError(t, err)
	require.Contains(t, string(conf), "cache = True")
	require.Contains(t, string(conf), "https://127.0.0.1")

	mainWxs, err := os.ReadFile(filepath.Join(f.params.BuildDir(), "wix", "Installer.wxs"))
	require.NoError(t, err)
	require.Contains(t, string(mainWxs), `Version="3.1.0.7"`)

	require.NoDirExists(t, f.params.PythonDir(), "python runtime is removed after the build")
}

func TestBuildFailureStillUninstalls(t *testing.T) {
	f := newFixture(t)
	f.rec.FailOn = []string{"easy_install"}

	err := f.release().pipeline().Run(context.TODO(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage deps")
	require.Contains(t, err.Error(), "installing pywin32")

	cmds := f.rec.Commands()
	require.Equal(t, -1, indexOf(cmds, "PyInstaller"), "nothing after the failed stage runs")
	require.Contains(t, cmds[len(cmds)-1], "/quiet /uninstall")
	require.NoDirExists(t, f.params.PythonDir())
	require.NoFileExists(t, filepath.Join(f.params.OutputDir(), "ilorest-3.1.0-7.x86_64.msi"))
}

func TestBuildPreflightFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.params.VendorDir(), "six-1.16.0-py2.py3-none-any.whl")))

	err := f.release().pipeline().Run(context.TODO(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "six-1.16.0-py2.py3-none-any.whl")
	require.Empty(t, f.rec.Calls(), "no tool runs when inputs are missing")
}

func TestBuildRelativePaths(t *testing.T) {
	f := newFixture(t)
	t.Chdir(f.root)

	f.params.WorkDir = "work"
	f.params.SourceDir = "src"
	f.params.StagingPath = "packaging"

	r := f.release()
	require.Equal(t, filepath.Join(f.root, "work"), r.params.WorkDir)
	require.Equal(t, filepath.Join(f.root, "src"), r.params.SourceDir)
	require.Equal(t, filepath.Join(f.root, "packaging"), r.params.StagingPath)

	require.NoError(t, r.pipeline().Run(context.TODO(), nil))

	// tools run from subdirectories of the work dir, so the interpreter
	// and the paths handed to them must not be relative
	cmds := f.rec.Commands()
	setup := indexOf(cmds, "setup.py install")
	require.NotEqual(t, -1, setup)
	require.True(t, filepath.IsAbs(strings.Fields(cmds[setup])[0]), cmds[setup])

	heat := indexOf(cmds, "heat.exe")
	require.NotEqual(t, -1, heat)
	require.Contains(t, cmds[heat], "dir "+filepath.Join(f.root, "work", "dist"))

	spec, err := os.ReadFile(filepath.Join(f.root, "work", "build", "ilorest.spec"))
	require.NoError(t, err)
	require.Contains(t, string(spec), filepath.Join(f.root, "src", "ilorest", "rdmc.py"))
}

func TestBuildProductFromManifest(t *testing.T) {
	f := newFixture(t)
	f.params.ProductName = ""
	f.manifest.Product = "ilorest-next"

	r := f.release()
	require.NoError(t, r.pipeline().Run(context.TODO(), nil))

	require.FileExists(t, filepath.Join(f.params.OutputDir(), "ilorest-next-3.1.0-7.x86_64.msi"))

	info, err := buildinfo.Read(filepath.Join(f.params.OutputDir(), "build-info.json"))
	require.NoError(t, err)
	require.Equal(t, "ilorest-next", info.Product)
}

func TestBuildProductOverride(t *testing.T) {
	f := newFixture(t)
	f.params.ProductName = "ilo-tools"

	require.NoError(t, f.release().pipeline().Run(context.TODO(), nil))
	require.FileExists(t, filepath.Join(f.params.OutputDir(), "ilo-tools-3.1.0-7.x86_64.msi"))
}

func TestBuildPreflightBadPFX(t *testing.T) {
	f := newFixture(t)
	pfx := filepath.Join(f.root, "codesign.pfx")
	require.NoError(t, os.WriteFile(pfx, []byte("not a pfx"), 0600))

	r := f.release(
		withSigning(f.signtool, ""),
		withPFX(pfx, "hunter2"),
	)
	err := r.pipeline().Run(context.TODO(), []string{"preflight"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "signing certificate")
	require.Empty(t, f.rec.Calls())
}

func TestBuildUnsigned(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.release().pipeline().Run(context.TODO(), nil))

	cmds := f.rec.Commands()
	require.Equal(t, -1, indexOf(cmds, "signtool"))
	require.FileExists(t, filepath.Join(f.params.OutputDir(), "ilorest-3.1.0-7.x86_64.msi"))
	require.FileExists(t, filepath.Join(f.params.OutputDir(), "build-info.json"))
}

func TestStageNames(t *testing.T) {
	t.Parallel()

	r := &release{}
	require.Equal(t, []string{
		"preflight", "environment", "python", "patch", "venv", "deps",
		"freeze", "msi", "sign", "collect", "uninstall",
	}, r.pipeline().Names())
}

func TestPrintPackages(t *testing.T) {
	t.Parallel()

	man, err := loadManifest("")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printPackages(&out, man))
	require.Contains(t, out.String(), "Python 3.8.10")
	require.Contains(t, out.String(), "python-redfish-library")

	_, err = loadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
