package packagekit

import (
	"os"

	"github.com/pkg/errors"
)

// checkRoot makes sure the frozen dist the installer is built from is
// an existing directory.
func checkRoot(root string) error {
	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		return errors.Wrapf(err, "installer root %s does not exist", root)
	case err != nil:
		return errors.Wrapf(err, "stat installer root %s", root)
	case !info.IsDir():
		return errors.Errorf("installer root %s is not a directory", root)
	}
	return nil
}
