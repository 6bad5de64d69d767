package log

import (
	"io"

	kitlog "github.com/go-kit/kit/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFileLogger returns a JSON logger writing to a rotated file. Build
// logs from CI agents are kept for a few weeks next to the artifacts.
// Close the returned io.Closer when the build is done.
func NewFileLogger(path string) (kitlog.Logger, io.Closer) {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	logger := kitlog.NewJSONLogger(kitlog.NewSyncWriter(lj))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)

	return logger, lj
}

// Tee sends every log event to all of the loggers. The first error is
// returned after all of them have been tried.
func Tee(loggers ...kitlog.Logger) kitlog.Logger {
	return kitlog.LoggerFunc(func(keyvals ...interface{}) error {
		var firstErr error
		for _, l := range loggers {
			if err := l.Log(keyvals...); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
