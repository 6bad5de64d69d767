package wix

import (
	"encoding/xml"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Wix is the subset of the wix schema heat emits when harvesting a
// directory as a fragment.
type Wix struct {
	XMLName   xml.Name   `xml:"Wix"`
	Fragments []Fragment `xml:"Fragment"`
}

type Fragment struct {
	DirectoryRefs   []DirectoryRef   `xml:"DirectoryRef"`
	ComponentGroups []ComponentGroup `xml:"ComponentGroup"`
}

type DirectoryRef struct {
	Id          string      `xml:",attr"`
	Components  []Component `xml:"Component"`
	Directories []Directory `xml:"Directory"`
}

type Directory struct {
	Id          string      `xml:",attr"`
	Name        string      `xml:",attr"`
	Components  []Component `xml:"Component"`
	Directories []Directory `xml:"Directory"`
}

type Component struct {
	Id    string `xml:",attr"`
	Guid  string `xml:",attr"`
	Files []File `xml:"File"`
}

type File struct {
	Id      string `xml:",attr"`
	KeyPath string `xml:",attr"`
	Source  string `xml:",attr"`
}

type ComponentGroup struct {
	Id            string         `xml:",attr"`
	ComponentRefs []ComponentRef `xml:"ComponentRef"`
}

type ComponentRef struct {
	Id string `xml:",attr"`
}

// BaseName returns the file name from a heat Source attribute, which
// uses windows separators regardless of where heat ran.
func (f File) BaseName() string {
	return path.Base(strings.ReplaceAll(f.Source, `\`, "/"))
}

// ParseHarvest decodes heat output.
func ParseHarvest(content []byte) (*Wix, error) {
	w := &Wix{}
	if err := xml.Unmarshal(content, w); err != nil {
		return nil, errors.Wrap(err, "parsing heat output")
	}
	return w, nil
}

// RetFiles returns every harvested file, walking all directories.
func (w *Wix) RetFiles() []File {
	var files []File
	for _, frag := range w.Fragments {
		for _, dr := range frag.DirectoryRefs {
			for _, c := range dr.Components {
				files = append(files, c.Files...)
			}
			for _, d := range dr.Directories {
				files = append(files, d.retFiles()...)
			}
		}
	}
	return files
}

func (d Directory) retFiles() []File {
	var files []File
	for _, c := range d.Components {
		files = append(files, c.Files...)
	}
	for _, sub := range d.Directories {
		files = append(files, sub.retFiles()...)
	}
	return files
}
