package log

import (
	"bytes"
	"strings"
	"testing"

	kitlog "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolLevel(t *testing.T) {
	testCases := []struct {
		log      string
		expected string
	}{
		{`1423 WARNING: lib not found: api-ms-win-crt-runtime-l1-1-0.dll`, `WARNING`},
		{`87 INFO: PyInstaller: 4.10`, `INFO`},
		{`ERROR: Could not find a version that satisfies the requirement six`, `ERROR`},
		{`Traceback (most recent call last):`, `ERROR`},
		{`DEPRECATION: setup.py install is deprecated`, `WARNING`},
		{`Installer.wxs(12) : error CNDL0104 : Not a valid source file`, `ERROR`},
		{`running install_lib`, ``},
	}

	for _, tt := range testCases {
		t.Run("", func(t *testing.T) {
			assert.Equal(t, tt.expected, extractToolLevel(tt.log))
		})
	}
}

func TestToolLogAdapterSplitsLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := NewToolLogAdapter(kitlog.NewLogfmtLogger(&buf), WithKeyValue("tool", "pip"))

	n, err := adapter.Write([]byte("Processing six-1.16.0\nERROR: boom\npart"))
	require.NoError(t, err)
	require.Equal(t, len("Processing six-1.16.0\nERROR: boom\npart"), n)

	out := buf.String()
	require.Contains(t, out, `level=debug tool=pip msg="Processing six-1.16.0"`)
	require.Contains(t, out, `level=error tool=pip msg="ERROR: boom"`)
	require.NotContains(t, out, "part")

	_, err = adapter.Write([]byte("ial line\n"))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `msg="partial line"`)
}

func TestToolLogAdapterFlush(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := NewToolLogAdapter(kitlog.NewLogfmtLogger(&buf))

	_, err := adapter.Write([]byte("no newline"))
	require.NoError(t, err)
	require.Empty(t, buf.String())

	require.NoError(t, adapter.Flush())
	require.Contains(t, buf.String(), `msg="no newline"`)

	require.NoError(t, adapter.Flush())
}

func TestToolLogAdapterRewrite(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := NewToolLogAdapter(kitlog.NewLogfmtLogger(&buf), WithRewrite(strings.ToUpper))

	_, err := adapter.Write([]byte("signing ilorest.msi\n"))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `msg="SIGNING ILOREST.MSI"`)
}
