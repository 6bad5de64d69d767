// Package manifest describes what goes into a release: the python
// runtime, the pinned table of vendored packages, and how the
// application is frozen.
//
// Manifests are YAML (or JSON) by default. HCL is accepted for
// callers who keep their build definitions next to other HCL
// configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

type Kind string

const (
	TarGz Kind = "targz" // sdist, installed with setup.py
	Zip   Kind = "zip"   // sdist, installed with setup.py
	Wheel Kind = "wheel" // installed with pip
	Exe   Kind = "exe"   // bdist_wininst self extracting installer, installed with easy_install
)

func (k Kind) valid() bool {
	switch k {
	case TarGz, Zip, Wheel, Exe:
		return true
	}
	return false
}

type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Kind    Kind   `json:"kind"`
	File    string `json:"file,omitempty"`
}

// ArchiveName is the file name of the vendored archive for p.
func (p Package) ArchiveName() string {
	if p.File != "" {
		return p.File
	}
	switch p.Kind {
	case TarGz:
		return fmt.Sprintf("%s-%s.tar.gz", p.Name, p.Version)
	case Zip:
		return fmt.Sprintf("%s-%s.zip", p.Name, p.Version)
	}
	return ""
}

func (p Package) String() string {
	return fmt.Sprintf("%s==%s", p.Name, p.Version)
}

type Python struct {
	Version   string   `json:"version"`
	Installer string   `json:"installer"`
	SSLFiles  []string `json:"ssl_files,omitempty"`
}

type Data struct {
	Source string `json:"src"`
	Dest   string `json:"dest"`
}

type Freeze struct {
	Entry           string                       `json:"entry"`
	Name            string                       `json:"name"`
	HiddenImports   []string                     `json:"hidden_imports,omitempty"`
	Datas           []Data                       `json:"datas,omitempty"`
	Icon            string                       `json:"icon,omitempty"`
	ConfigFile      string                       `json:"config_file,omitempty"`
	ConfigOverrides map[string]map[string]string `json:"config_overrides,omitempty"`
	RuntimeDLLs     []string                     `json:"runtime_dlls,omitempty"`
}

// ExecutableName is the frozen binary's file name.
func (f Freeze) ExecutableName() string {
	return f.Name + ".exe"
}

type Installer struct {
	Manufacturer string `json:"manufacturer"`
	Description  string `json:"description,omitempty"`
	Identifier   string `json:"identifier"`
	AddToPath    bool   `json:"add_to_path,omitempty"`
}

type Manifest struct {
	Product   string    `json:"product"`
	Python    Python    `json:"python"`
	Packages  []Package `json:"packages"`
	Freeze    Freeze    `json:"freeze"`
	Installer Installer `json:"installer"`
}

//go:embed assets/default.yaml
var defaultManifest []byte

// Default returns the built in manifest.
func Default() (*Manifest, error) {
	return Parse(defaultManifest)
}

// Parse decodes a YAML or JSON manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from disk. The format is picked by extension.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		m, err := parseHCL(filepath.Base(path), data)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case ".yaml", ".yml", ".json":
		return Parse(data)
	default:
		return nil, errors.Errorf("unknown manifest format %s", path)
	}
}

func (m *Manifest) Validate() error {
	if m.Product == "" {
		return errors.New("manifest: missing product")
	}
	if m.Python.Installer == "" {
		return errors.New("manifest: missing python installer")
	}
	if m.Freeze.Entry == "" || m.Freeze.Name == "" {
		return errors.New("manifest: freeze needs an entry and a name")
	}

	seen := make(map[string]bool, len(m.Packages))
	for i, p := range m.Packages {
		if p.Name == "" {
			return errors.Errorf("manifest: package %d has no name", i)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return errors.Errorf("manifest: duplicate package %s", p.Name)
		}
		seen[key] = true

		if p.Version == "" {
			return errors.Errorf("manifest: package %s has no version", p.Name)
		}
		if !p.Kind.valid() {
			return errors.Errorf("manifest: package %s has unknown kind %q", p.Name, p.Kind)
		}
		if (p.Kind == Wheel || p.Kind == Exe) && p.File == "" {
			return errors.Errorf("manifest: package %s is a %s and needs a file", p.Name, p.Kind)
		}
	}
	return nil
}
