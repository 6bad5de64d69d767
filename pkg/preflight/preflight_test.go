package preflight

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	installer := filepath.Join(dir, "python-3.8.10-amd64.exe")
	require.NoError(t, os.WriteFile(installer, nil, 0755))

	require.NoError(t, Run(context.TODO(),
		FileCheck(installer),
		DirCheck(dir),
		ToolCheck(installer),
		ToolCheck("sh"),
	))
}

func TestRunReportsAllFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(notDir, nil, 0644))

	var ran int32
	counting := Check{
		Name: "counting",
		Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	}

	err := Run(context.TODO(),
		FileCheck(filepath.Join(dir, "vendor", "six-1.16.0.tar.gz")),
		DirCheck(notDir),
		ToolCheck("definitely-not-a-real-tool-xyz"),
		counting,
		Check{Name: "custom", Fn: func(context.Context) error { return errors.New("boom") }},
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "4 of 5 preflight checks failed")
	require.Contains(t, err.Error(), "six-1.16.0.tar.gz")
	require.Contains(t, err.Error(), "is not a directory")
	require.Contains(t, err.Error(), "definitely-not-a-real-tool-xyz")
	require.Contains(t, err.Error(), "custom: boom")
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestDiskCheck(t *testing.T) {
	t.Parallel()

	notYet := filepath.Join(t.TempDir(), "work", "build")
	require.NoError(t, Run(context.TODO(), DiskCheck(notYet, 1)))

	err := Run(context.TODO(), DiskCheck(notYet, math.MaxUint64))
	require.Error(t, err)
	require.Contains(t, err.Error(), "MB free")
}
