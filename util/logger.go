// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages through zerolog. The printf-style
// helpers keep call sites short; With returns a child carrying
// structured fields (component, host, sid).
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	format string // "console" or "json"
	out    io.Writer
	fields map[string]interface{}
	zl     zerolog.Logger
}

// NewLogger returns a console Logger that prints messages at or below
// the given verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{level: LogLevel(verbosity), format: "console", out: os.Stderr}
	l.rebuild()
	return l
}

// NewSinkLogger returns a Logger that hands every rendered line to sink
// as a single string. Verbose and debug lines are included.
func NewSinkLogger(sink func(string)) *Logger {
	l := &Logger{level: LogDebug, format: "console", out: sinkWriter(sink)}
	l.rebuild()
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := &Logger{level: LogQuiet, format: "json", out: io.Discard}
	l.rebuild()
	return l
}

// SetFormat selects "console" (default) or "json" output.
func (l *Logger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = strings.ToLower(format)
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger that adds key/value to every line.
func (l *Logger) With(key string, value interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{level: l.level, format: l.format, out: l.out, fields: make(map[string]interface{}, len(l.fields)+1)}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[key] = value
	child.rebuild()
	return child
}

// Info prints when verbosity >= 1.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.logger().Info().Msgf(format, args...)
	}
}

// Warn prints when verbosity >= 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.logger().Warn().Msgf(format, args...)
	}
}

// Verbose prints when verbosity >= 2. Rendered at zerolog's debug level.
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.logger().Debug().Msgf(format, args...)
	}
}

// Debug prints when verbosity >= 3. Rendered at zerolog's trace level.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.logger().Trace().Msgf(format, args...)
	}
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	l.logger().Error().Msgf(format, args...)
}

func (l *Logger) logger() *zerolog.Logger {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()
	return &zl
}

// rebuild must be called with mu held.
func (l *Logger) rebuild() {
	out := l.out
	if out == nil {
		out = os.Stderr
	}
	if l.format != "json" {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000", NoColor: true}
		if l.level < LogDebug {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).Level(zerolog.TraceLevel).With()
	if l.format == "json" || l.level >= LogDebug {
		ctx = ctx.Timestamp()
	}
	for k, v := range l.fields {
		ctx = ctx.Interface(k, v)
	}
	l.zl = ctx.Logger()
}

// sinkWriter adapts a single-string callback to io.Writer. zerolog
// issues one Write per event, so each call is one line.
type sinkWriter func(string)

func (s sinkWriter) Write(p []byte) (int, error) {
	s(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
