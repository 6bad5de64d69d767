package log

import (
	"bytes"
	"regexp"
	"strings"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ToolLogAdapter is an io.Writer that turns the output of an external
// build tool (pip, setup.py, PyInstaller, WiX) into log lines. Lines
// that look like warnings or errors are promoted out of debug.
type ToolLogAdapter struct {
	logger       kitlog.Logger
	levelFunc    func(kitlog.Logger) kitlog.Logger
	extraKeyVals []interface{} // log.With expects an interface, not string
	rewrite      func(string) string
	pending      []byte
}

type Option func(*ToolLogAdapter)

func WithKeyValue(key, value string) Option {
	return func(l *ToolLogAdapter) {
		l.extraKeyVals = append(l.extraKeyVals, key, value)
	}
}

func WithLevelFunc(lf func(kitlog.Logger) kitlog.Logger) Option {
	return func(l *ToolLogAdapter) {
		l.levelFunc = lf
	}
}

// WithRewrite runs every line through fn before it is logged.
func WithRewrite(fn func(string) string) Option {
	return func(l *ToolLogAdapter) {
		l.rewrite = fn
	}
}

// PyInstaller prefixes lines with elapsed milliseconds and a level,
// eg: `1423 WARNING: lib not found: api-ms-win-crt-runtime-l1-1-0.dll`
var pyinstallerLevelRegexp = regexp.MustCompile(`^\d+\s+(DEBUG|INFO|WARNING|ERROR|CRITICAL):`)

func extractToolLevel(line string) string {
	if m := pyinstallerLevelRegexp.FindStringSubmatch(line); len(m) == 2 {
		return m[1]
	}

	switch {
	case strings.HasPrefix(line, "ERROR:"), strings.HasPrefix(line, "error:"), strings.HasPrefix(line, "Traceback"):
		return "ERROR"
	case strings.HasPrefix(line, "WARNING:"), strings.HasPrefix(line, "warning:"), strings.HasPrefix(line, "DEPRECATION:"):
		return "WARNING"
	case strings.Contains(line, ": error "):
		// candle/light, eg: `Installer.wxs(12) : error CNDL0104 : Not a valid source file`
		return "ERROR"
	case strings.Contains(line, ": warning "):
		return "WARNING"
	}
	return ""
}

func NewToolLogAdapter(logger kitlog.Logger, opts ...Option) *ToolLogAdapter {
	l := &ToolLogAdapter{
		logger:       logger,
		levelFunc:    level.Debug,
		extraKeyVals: []interface{}{},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Write logs every complete line in p. A trailing partial line is held
// until the next Write or Flush.
func (l *ToolLogAdapter) Write(p []byte) (int, error) {
	l.pending = append(l.pending, p...)

	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		line := l.pending[:i]
		l.pending = l.pending[i+1:]
		if err := l.logLine(line); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Flush logs any buffered partial line.
func (l *ToolLogAdapter) Flush() error {
	if len(l.pending) == 0 {
		return nil
	}
	line := l.pending
	l.pending = nil
	return l.logLine(line)
}

func (l *ToolLogAdapter) logLine(line []byte) error {
	msg := strings.TrimSpace(string(line))
	if msg == "" {
		return nil
	}
	if l.rewrite != nil {
		msg = l.rewrite(msg)
	}

	lf := l.levelFunc
	switch extractToolLevel(msg) {
	case "ERROR", "CRITICAL":
		lf = level.Error
	case "WARNING":
		lf = level.Warn
	}

	kv := make([]interface{}, 0, len(l.extraKeyVals)+2)
	kv = append(kv, l.extraKeyVals...)
	kv = append(kv, "msg", msg)
	return lf(l.logger).Log(kv...)
}
