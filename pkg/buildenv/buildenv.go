// Package buildenv holds the parameters a release build runs with, and
// the directory layout derived from them.
package buildenv

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/env"
	"github.com/pkg/errors"
)

const (
	DefaultProductVersion = "1.0.0"
	DefaultBuildNumber    = "1"
)

// strayEnv are variables that leak a developer's python setup into the
// provisioned runtime. They are removed before any tool runs.
var strayEnv = []string{
	"PYTHONPATH",
	"PYTHONHOME",
	"PYTHONSTARTUP",
	"PYTHONUSERBASE",
	"VIRTUAL_ENV",
	"PIP_REQUIRE_VIRTUALENV",
	"PIP_CONFIG_FILE",
	"CONDA_PREFIX",
}

type Params struct {
	ProductName    string // empty means the manifest's product
	ProductVersion string
	BuildNumber    string
	LibraryVersion string // version of the bundled REST library, stamped into build info
	StagingPath    string // where vendored inputs were staged; defaults to WorkDir/packaging
	CollectionPath string // release collection target, empty to skip
	SourceDir      string // the python application being frozen
	WorkDir        string
	Arch           string // GOARCH naming
}

// FromEnv reads the build parameters from the environment, applying
// defaults for anything unset.
func FromEnv() Params {
	return Params{
		ProductName:    env.String("PRODUCT_NAME", ""),
		ProductVersion: env.String("PRODUCT_VERSION", DefaultProductVersion),
		BuildNumber:    env.String("BUILD_NUMBER", DefaultBuildNumber),
		LibraryVersion: env.String("LIBRARY_VERSION", ""),
		StagingPath:    env.String("STAGING_PATH", ""),
		CollectionPath: env.String("COLLECTION_PATH", ""),
		SourceDir:      env.String("SOURCE_DIR", "."),
		Arch:           runtime.GOARCH,
	}
}

func (p Params) Validate() error {
	if p.ProductName == "" {
		return errors.New("missing product name")
	}
	if p.WorkDir == "" {
		return errors.New("missing work dir")
	}
	if _, err := semver.NewVersion(p.ProductVersion); err != nil {
		return errors.Wrapf(err, "product version %q", p.ProductVersion)
	}
	if _, err := p.buildNumber(); err != nil {
		return err
	}
	if _, err := p.msArch(); err != nil {
		return err
	}
	return nil
}

// Absolute returns p with its directories made absolute against the
// current working directory. Tools run with their working directory set
// to subdirectories of the layout, so relative paths would resolve
// against the wrong place.
func (p Params) Absolute() (Params, error) {
	for _, dir := range []*string{&p.WorkDir, &p.SourceDir, &p.StagingPath} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return p, errors.Wrapf(err, "resolving %s", *dir)
		}
		*dir = abs
	}
	return p, nil
}

func (p Params) buildNumber() (int, error) {
	n, err := strconv.Atoi(p.BuildNumber)
	if err != nil {
		return 0, errors.Wrapf(err, "build number %q", p.BuildNumber)
	}
	if n < 0 {
		return 0, errors.Errorf("build number %d is negative", n)
	}
	return n, nil
}

func (p Params) msArch() (string, error) {
	switch p.Arch {
	case "amd64":
		return "x86_64", nil
	case "386":
		return "x86", nil
	default:
		return "", errors.Errorf("unknown arch for windows %s", p.Arch)
	}
}

var versionRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)(?:\.(\d+))?`)

// MSIVersion formats the product version and build number as the
// W.X.Y.Z form windows installers require. Windows caps the major and
// minor fields at 255 and the build field at 65535.
func (p Params) MSIVersion() (string, error) {
	matches := versionRegex.FindStringSubmatch(p.ProductVersion)
	if len(matches) != 4 {
		return "", errors.Errorf("Version %s did not match expected format", p.ProductVersion)
	}

	major, minor, patch := matches[1], matches[2], matches[3]
	if patch == "" {
		patch = "0"
	}

	build, err := p.buildNumber()
	if err != nil {
		return "", err
	}

	limits := []struct {
		name  string
		value string
		max   int
	}{
		{"major", major, 255},
		{"minor", minor, 255},
		{"patch", patch, 65535},
	}
	for _, l := range limits {
		n, err := strconv.Atoi(l.value)
		if err != nil {
			return "", errors.Wrapf(err, "%s version field", l.name)
		}
		if n > l.max {
			return "", errors.Errorf("%s version field %d exceeds %d", l.name, n, l.max)
		}
	}
	if build > 65535 {
		return "", errors.Errorf("build number %d exceeds 65535", build)
	}

	return fmt.Sprintf("%s.%s.%s.%d", major, minor, patch, build), nil
}

// MSIFileName is the name of the final installer, eg:
// ilorest-3.2.0-7.x86_64.msi
func (p Params) MSIFileName() string {
	arch, err := p.msArch()
	if err != nil {
		arch = p.Arch
	}
	return fmt.Sprintf("%s-%s-%s.%s.msi", p.ProductName, strings.TrimPrefix(p.ProductVersion, "v"), p.BuildNumber, arch)
}

func (p Params) PackagingDir() string {
	if p.StagingPath != "" {
		return p.StagingPath
	}
	return filepath.Join(p.WorkDir, "packaging")
}

// Inputs staged under the packaging dir.
func (p Params) VendorDir() string { return filepath.Join(p.PackagingDir(), "vendor") }
func (p Params) SSLDir() string    { return filepath.Join(p.PackagingDir(), "ssl") }
func (p Params) DLLDir() string    { return filepath.Join(p.PackagingDir(), "dlls") }

func (p Params) PythonDir() string { return filepath.Join(p.WorkDir, "python") }
func (p Params) VenvDir() string   { return filepath.Join(p.WorkDir, "venv") }
func (p Params) BuildDir() string  { return filepath.Join(p.WorkDir, "build") }
func (p Params) DistDir() string   { return filepath.Join(p.WorkDir, "dist") }
func (p Params) OutputDir() string { return filepath.Join(p.WorkDir, "output") }

// ClearStrayEnv unsets python related variables from the current
// process environment.
func ClearStrayEnv(logger log.Logger) {
	for _, k := range strayEnv {
		if v, ok := os.LookupEnv(k); ok {
			level.Info(logger).Log("msg", "clearing stray environment variable", "key", k, "value", v)
			os.Unsetenv(k)
		}
	}
}

// CommandEnv returns environ with the stray python variables removed.
func CommandEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if isStray(kv) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isStray(kv string) bool {
	key := kv
	if i := strings.IndexByte(kv, '='); i >= 0 {
		key = kv[:i]
	}
	for _, k := range strayEnv {
		if strings.EqualFold(key, k) {
			return true
		}
	}
	return false
}
