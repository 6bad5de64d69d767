package wix

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/serenize/snaker"
)

// http://wixtoolset.org/documentation/manual/v3/xsd/wix/environment.html
type YesNoType string

const (
	Yes YesNoType = "yes"
	No  YesNoType = "no"
)

type EnvironmentAction string

const (
	ActionCreate EnvironmentAction = "create"
	ActionSet    EnvironmentAction = "set"
	ActionRemove EnvironmentAction = "remove"
)

type EnvironmentPart string

const (
	PartAll   EnvironmentPart = "all"
	PartFirst EnvironmentPart = "first"
	PartLast  EnvironmentPart = "last"
)

// Environment implements
// http://wixtoolset.org/documentation/manual/v3/xsd/wix/environment.html
type Environment struct {
	XMLName   xml.Name          `xml:"Environment"`
	Id        string            `xml:",attr"`
	Name      string            `xml:",attr"`
	Value     string            `xml:",attr"`
	Action    EnvironmentAction `xml:",attr,omitempty"`
	Part      EnvironmentPart   `xml:",attr,omitempty"`
	Permanent YesNoType         `xml:",attr,omitempty"`
	System    YesNoType         `xml:",attr,omitempty"`
}

// PathEntry adds a directory to PATH when the component owning a
// harvested file is installed, and removes it on uninstall.
type PathEntry struct {
	matchString   string
	count         int // number of times we've seen this. Used for error handling
	expectedCount int

	environment *Environment
}

type PathEntryOpt func(*PathEntry)

// PathValue sets the directory added to PATH. It defaults to the
// install directory.
func PathValue(value string) PathEntryOpt {
	return func(p *PathEntry) {
		p.environment.Value = value
	}
}

// UserPath scopes the entry to the installing user's PATH.
func UserPath() PathEntryOpt {
	return func(p *PathEntry) {
		p.environment.System = No
	}
}

// PrependPath puts the directory ahead of the existing PATH.
func PrependPath() PathEntryOpt {
	return func(p *PathEntry) {
		p.environment.Part = PartFirst
	}
}

// NewPathEntry returns an entry attached to the harvested file named
// fileName (eg: ilorest.exe).
func NewPathEntry(fileName string, opts ...PathEntryOpt) *PathEntry {
	id := cleanId(strings.TrimSuffix(fileName, ".exe") + ".path")
	p := &PathEntry{
		matchString:   fileName,
		expectedCount: 1,
		environment: &Environment{
			Id:        id,
			Name:      "PATH",
			Value:     "[INSTALLDIR]",
			Action:    ActionSet,
			Part:      PartLast,
			Permanent: No,
			System:    Yes,
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Match returns a bool if the line is the harvested File element for
// this entry, and throws an error if we have too many matches. This is
// to ensure the match isn't broader than expected.
func (p *PathEntry) Match(line string) (bool, error) {
	trimmed := strings.TrimSpace(line)
	isMatch := strings.HasPrefix(trimmed, "<File ") &&
		(strings.Contains(trimmed, `\`+p.matchString+`"`) || strings.Contains(trimmed, `/`+p.matchString+`"`))

	if isMatch {
		p.count += 1
	}

	if p.count > p.expectedCount {
		return isMatch, fmt.Errorf("Too many matches. Have %d, expected %d. (on %s)", p.count, p.expectedCount, p.matchString)
	}

	return isMatch, nil
}

// Xml converts the entry to Xml suitable for embedding in a Component
func (p *PathEntry) Xml(w io.Writer) error {
	enc := xml.NewEncoder(w)
	enc.Indent("                    ", "    ")
	if err := enc.Encode(p.environment); err != nil {
		return err
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	return nil
}

// cleanId removes characters wix doesn't like in identifiers, and
// converts everything to camel case. Right now, it only removes likely
// bad characters. It is not as complete as an allowlist.
func cleanId(in string) string {
	r := strings.NewReplacer(
		"-", "_",
		" ", "_",
		".", "_",
		"/", "_",
		"\\", "_",
	)

	return snaker.SnakeToCamel(r.Replace(in))
}
