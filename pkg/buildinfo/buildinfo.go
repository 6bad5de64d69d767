// Package buildinfo records what went into a release: the installer,
// its digest, the source revision and the python packages frozen into
// it.
package buildinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Info struct {
	BuildID     string    `json:"build_id"`
	Product     string    `json:"product"`
	Version     string    `json:"version"`
	BuildNumber string    `json:"build_number"`
	Library     string    `json:"library_version,omitempty"`
	Revision    string    `json:"revision,omitempty"`
	MSI         string    `json:"msi"`
	SHA256      string    `json:"sha256"`
	Packages    []string  `json:"packages"`
	Frozen      []string  `json:"frozen,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// New returns an Info with a fresh build id.
func New(product, version, buildNumber string) *Info {
	return &Info{
		BuildID:     uuid.New().String(),
		Product:     product,
		Version:     version,
		BuildNumber: buildNumber,
		CreatedAt:   time.Now().UTC(),
	}
}

// SetMSI records the installer name and digest.
func (i *Info) SetMSI(path string) error {
	sum, err := FileSHA256(path)
	if err != nil {
		return err
	}
	i.MSI = filepath.Base(path)
	i.SHA256 = sum
	return nil
}

// Write writes the info as indented json.
func (i *Info) Write(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling build info")
	}

	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// Read loads a previously written build info.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var i Info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &i, nil
}

func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GitRevision returns the HEAD commit of the repository containing
// dir, or "" when dir is not inside a repository. A dirty worktree
// gets a -dirty suffix.
func GitRevision(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err == git.ErrRepositoryNotExists {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "opening git repository at %s", dir)
	}

	head, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "resolving HEAD")
	}
	rev := head.Hash().String()

	wt, err := repo.Worktree()
	if err != nil {
		return rev, nil
	}

	status, err := wt.Status()
	if err != nil {
		return "", errors.Wrap(err, "getting worktree status")
	}
	if !status.IsClean() {
		rev += "-dirty"
	}

	return rev, nil
}
