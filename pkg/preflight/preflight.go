// Package preflight verifies that the tools and inputs a build needs
// are present before any long running stage starts.
package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/toolexec"
	"github.com/shirou/gopsutil/disk"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"
)

type Check struct {
	Name string
	Fn   func(context.Context) error
}

// ToolCheck passes when tool is an existing path or is on the PATH.
func ToolCheck(tool string) Check {
	return Check{
		Name: "tool " + tool,
		Fn: func(context.Context) error {
			_, err := toolexec.LookPath(tool)
			return err
		},
	}
}

// FileCheck passes when path exists.
func FileCheck(path string) Check {
	return Check{
		Name: "file " + path,
		Fn: func(context.Context) error {
			if _, err := os.Stat(path); err != nil {
				return errors.Wrap(err, "missing input")
			}
			return nil
		},
	}
}

// DirCheck passes when path is an existing directory.
func DirCheck(path string) Check {
	return Check{
		Name: "dir " + path,
		Fn: func(context.Context) error {
			info, err := os.Stat(path)
			if err != nil {
				return errors.Wrap(err, "missing input")
			}
			if !info.IsDir() {
				return errors.Errorf("%s is not a directory", path)
			}
			return nil
		},
	}
}

// DiskCheck passes when the filesystem holding path has at least
// minFree bytes available. path need not exist yet; its closest
// existing parent is checked.
func DiskCheck(path string, minFree uint64) Check {
	return Check{
		Name: "disk " + path,
		Fn: func(ctx context.Context) error {
			dir := existingParent(path)
			usage, err := disk.UsageWithContext(ctx, dir)
			if err != nil {
				return errors.Wrapf(err, "disk usage for %s", dir)
			}
			if usage.Free < minFree {
				return errors.Errorf("%d MB free on %s, need %d MB", usage.Free>>20, usage.Path, minFree>>20)
			}
			return nil
		},
	}
}

func existingParent(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

// Run runs every check concurrently. Failing checks don't stop the
// others, and all failures are reported together.
func Run(ctx context.Context, checks ...Check) error {
	ctx, span := trace.StartSpan(ctx, "preflight.Run")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	failures := make([]error, len(checks))

	var g errgroup.Group
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			if err := c.Fn(ctx); err != nil {
				failures[i] = errors.Wrap(err, c.Name)
			}
			return nil
		})
	}
	g.Wait()

	var msgs []string
	for _, err := range failures {
		if err == nil {
			continue
		}
		level.Error(logger).Log("msg", "preflight check failed", "err", err)
		msgs = append(msgs, err.Error())
	}

	if len(msgs) > 0 {
		return errors.Errorf("%d of %d preflight checks failed:\n%s", len(msgs), len(checks), strings.Join(msgs, "\n"))
	}

	level.Debug(logger).Log("msg", "preflight passed", "checks", len(checks))
	return nil
}
