// Package archive unpacks vendored source distributions.
package archive

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kolide/kit/fsutil"
	"github.com/mholt/archiver/v3"
	"github.com/pkg/errors"
)

// CleanDir removes dir and everything in it, then recreates it empty.
func CleanDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing %s", dir)
	}
	if err := os.MkdirAll(dir, fsutil.DirMode); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	return nil
}

// Supported reports whether Extract understands the archive name.
func Supported(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Extract unpacks src into dest. dest must not already contain the
// archive's files.
func Extract(src, dest string) error {
	if !Supported(src) {
		return errors.Errorf("unsupported archive %s", filepath.Base(src))
	}
	if _, err := os.Stat(src); err != nil {
		return errors.Wrap(err, "archive")
	}
	if err := archiver.Unarchive(src, dest); err != nil {
		return errors.Wrapf(err, "extracting %s", filepath.Base(src))
	}
	return nil
}

// SingleRoot returns the lone top level directory inside dest. Source
// distributions unpack into `name-version/`. If dest holds anything
// else, dest itself is returned.
func SingleRoot(dest string) (string, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", dest)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dest, entries[0].Name()), nil
	}
	return dest, nil
}
