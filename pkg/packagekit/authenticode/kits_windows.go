//go:build windows
// +build windows

package authenticode

import (
	"path/filepath"

	"golang.org/x/sys/windows/registry"
)

// defaultKitsRoot asks the registry where the Windows 10 SDK is
// installed, falling back to the usual location.
func defaultKitsRoot() string {
	k, err := registry.OpenKey(
		registry.LOCAL_MACHINE,
		`SOFTWARE\Microsoft\Windows Kits\Installed Roots`,
		registry.QUERY_VALUE|registry.WOW64_32KEY,
	)
	if err != nil {
		return fallbackKitsRoot
	}
	defer k.Close()

	root, _, err := k.GetStringValue("KitsRoot10")
	if err != nil || root == "" {
		return fallbackKitsRoot
	}

	return filepath.Join(root, "bin")
}
