//go:build !windows
// +build !windows

package authenticode

func defaultKitsRoot() string {
	return fallbackKitsRoot
}
