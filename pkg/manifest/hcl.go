package manifest

import (
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
)

// hclManifest mirrors Manifest with hcl tags. Packages are labelled
// blocks, eg:
//
//	package "six" {
//	  version = "1.16.0"
//	  kind    = "targz"
//	}
type hclManifest struct {
	Product   string        `hcl:"product"`
	Python    hclPython     `hcl:"python,block"`
	Packages  []hclPackage  `hcl:"package,block"`
	Freeze    hclFreeze     `hcl:"freeze,block"`
	Installer *hclInstaller `hcl:"installer,block"`
}

type hclPython struct {
	Version   string   `hcl:"version"`
	Installer string   `hcl:"installer"`
	SSLFiles  []string `hcl:"ssl_files,optional"`
}

type hclPackage struct {
	Name    string `hcl:"name,label"`
	Version string `hcl:"version"`
	Kind    string `hcl:"kind"`
	File    string `hcl:"file,optional"`
}

type hclData struct {
	Source string `hcl:"src"`
	Dest   string `hcl:"dest"`
}

type hclFreeze struct {
	Entry           string                       `hcl:"entry"`
	Name            string                       `hcl:"name"`
	HiddenImports   []string                     `hcl:"hidden_imports,optional"`
	Datas           []hclData                    `hcl:"data,block"`
	Icon            string                       `hcl:"icon,optional"`
	ConfigFile      string                       `hcl:"config_file,optional"`
	ConfigOverrides map[string]map[string]string `hcl:"config_overrides,optional"`
	RuntimeDLLs     []string                     `hcl:"runtime_dlls,optional"`
}

type hclInstaller struct {
	Manufacturer string `hcl:"manufacturer"`
	Description  string `hcl:"description,optional"`
	Identifier   string `hcl:"identifier"`
	AddToPath    bool   `hcl:"add_to_path,optional"`
}

func parseHCL(filename string, src []byte) (*Manifest, error) {
	var hm hclManifest
	if err := hclsimple.Decode(filename, src, nil, &hm); err != nil {
		return nil, errors.Wrap(err, "decode hcl manifest")
	}

	m := &Manifest{
		Product: hm.Product,
		Python: Python{
			Version:   hm.Python.Version,
			Installer: hm.Python.Installer,
			SSLFiles:  hm.Python.SSLFiles,
		},
		Freeze: Freeze{
			Entry:           hm.Freeze.Entry,
			Name:            hm.Freeze.Name,
			HiddenImports:   hm.Freeze.HiddenImports,
			Icon:            hm.Freeze.Icon,
			ConfigFile:      hm.Freeze.ConfigFile,
			ConfigOverrides: hm.Freeze.ConfigOverrides,
			RuntimeDLLs:     hm.Freeze.RuntimeDLLs,
		},
	}

	for _, p := range hm.Packages {
		m.Packages = append(m.Packages, Package{
			Name:    p.Name,
			Version: p.Version,
			Kind:    Kind(p.Kind),
			File:    p.File,
		})
	}

	for _, d := range hm.Freeze.Datas {
		m.Freeze.Datas = append(m.Freeze.Datas, Data{Source: d.Source, Dest: d.Dest})
	}

	if hm.Installer != nil {
		m.Installer = Installer{
			Manufacturer: hm.Installer.Manufacturer,
			Description:  hm.Installer.Description,
			Identifier:   hm.Installer.Identifier,
			AddToPath:    hm.Installer.AddToPath,
		}
	}

	return m, nil
}
