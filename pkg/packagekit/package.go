package packagekit

// PackageOptions describes the installer to build around a frozen
// application directory.
type PackageOptions struct {
	Identifier     string // What is the identifier? (eg: hpe)
	Name           string // What's the name for this package (eg: ilorest)
	Root           string // source directory to package, the frozen dist
	Version        string // package version, windows W.X.Y.Z
	Manufacturer   string // shown in add/remove programs
	Description    string // package description
	ExecutableName string // main executable inside Root (eg: ilorest.exe)
	Arch           string // go architecture of the payload, amd64 or 386

	AddToPath bool // append the install directory to the system PATH

	WixPath        string // path to wix installation
	WixDocker      string // run wix under wine in this docker image
	WixSkipCleanup bool   // keep the temp dirs
}
