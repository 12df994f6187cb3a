// Package log is the tracer's ambient logging surface. It keeps the small
// call-site API pendulm-fileflip used (Debug/Error/Die/DieWithCode/IsDebug)
// but backs it with logrus so output gets levels, structured fields and a
// text/JSON formatter switch, the way nestybox-sysbox-fs wires logrus in its
// cmd/sysbox-fs/main.go.
package log

import (
	"io"
	"os"

	"github.com/pendulm/lxtrace/pkg/env"
	"github.com/sirupsen/logrus"
)

// Format selects the logrus formatter.
type Format int

const (
	// FormatText renders human-readable lines (the default).
	FormatText Format = iota
	// FormatJSON renders one JSON object per log line.
	FormatJSON
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LXTRACE_DEBUG") != "" {
		std.SetLevel(logrus.DebugLevel)
	}
}

// Configure wires the logger's level, formatter and destination. CLI
// startup calls this once before touching any other package.
func Configure(debug bool, format Format, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	std.SetOutput(out)
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
	switch format {
	case FormatJSON:
		std.SetFormatter(&logrus.JSONFormatter{})
	default:
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// IsDebug reports whether debug-level logging is enabled, so callers can
// skip building expensive debug arguments (same contract as the teacher's
// IsDebug).
func IsDebug() bool {
	return std.IsLevelEnabled(logrus.DebugLevel)
}

// Debug logs a formatted debug line.
func Debug(format string, v ...interface{}) {
	std.Debugf(format, v...)
}

// Error logs a formatted error line; it does not terminate the process.
func Error(format string, v ...interface{}) {
	std.Errorf(format, v...)
}

// Die logs a formatted error line and terminates with env.ExitErr.
func Die(format string, v ...interface{}) {
	DieWithCode(env.ExitErr, format, v...)
}

// DieWithCode logs a formatted error line and terminates with the given
// exit code.
func DieWithCode(code int, format string, v ...interface{}) {
	std.Errorf(format, v...)
	os.Exit(code)
}

// WithField exposes the underlying structured logger for call sites that
// want a pid/syscall-tagged entry instead of a bare formatted line.
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}
