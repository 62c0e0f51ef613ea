// Package logging provides leveled, structured logging for the sync system.
// Output is one entry per line, JSON or plain text.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	}
	return "unknown"
}

// ParseLevel parses a level name; unknown names fall back to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	}
	return LevelInfo
}

// Format represents the output format for log entries
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat parses a format name; unknown names fall back to JSON.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Logger writes structured log entries at or above its configured level.
// Field-carrying derivatives share the parent's output and mutex, so loggers
// handed out via WithField are safe across goroutines.
type Logger struct {
	level  Level
	format Format
	fields map[string]interface{}

	mu  *sync.Mutex
	out io.Writer
	now func() time.Time
}

// New creates a logger writing to stdout.
func New(level Level, format Format) *Logger {
	return &Logger{
		level:  level,
		format: format,
		fields: map[string]interface{}{},
		mu:     &sync.Mutex{},
		out:    os.Stdout,
		now:    time.Now,
	}
}

// NewComponent creates a logger pre-tagged with a component field, the way
// workers and services identify themselves in output.
func NewComponent(level Level, format Format, component string) *Logger {
	return New(level, format).WithField("component", component)
}

// SetOutput redirects output, mainly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// WithField returns a logger that includes key=value on every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a logger that includes all given fields on every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		level:  l.level,
		format: l.format,
		fields: merged,
		mu:     l.mu,
		out:    l.out,
		now:    l.now,
	}
}

// WithError returns a logger that includes the error on every entry.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(msg string)                          { l.log(LevelDebug, msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Info(msg string)                           { l.log(LevelInfo, msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warn(msg string)                           { l.log(LevelWarn, msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Error(msg string)                          { l.log(LevelError, msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(msg string) {
	l.log(LevelFatal, msg)
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, msg string) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   msg,
	}
	if len(l.fields) > 0 {
		e.Fields = l.fields
	}

	var line string
	if l.format == FormatJSON {
		b, err := json.Marshal(e)
		if err != nil {
			line = fmt.Sprintf(`{"level":"error","message":"log marshal failed: %s"}`, err)
		} else {
			line = string(b)
		}
	} else {
		line = l.formatText(e)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}

func (l *Logger) formatText(e entry) string {
	line := fmt.Sprintf("[%s] %s: %s", e.Timestamp, e.Level, e.Message)
	if len(e.Fields) == 0 {
		return line
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, e.Fields[k])
	}
	return line
}

// Global logger, used by code without an injected logger.

var (
	globalMu sync.RWMutex
	global   = New(LevelInfo, FormatJSON)
)

// Init replaces the global logger configuration.
func Init(level Level, format Format) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(level, format)
}

// Default returns the global logger.
func Default() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func Debug(msg string)                          { Default().Debug(msg) }
func Debugf(format string, args ...interface{}) { Default().Debugf(format, args...) }
func Info(msg string)                           { Default().Info(msg) }
func Infof(format string, args ...interface{})  { Default().Infof(format, args...) }
func Warn(msg string)                           { Default().Warn(msg) }
func Warnf(format string, args ...interface{})  { Default().Warnf(format, args...) }
func Error(msg string)                          { Default().Error(msg) }
func Errorf(format string, args ...interface{}) { Default().Errorf(format, args...) }
func Fatal(msg string)                          { Default().Fatal(msg) }
func Fatalf(format string, args ...interface{}) { Default().Fatalf(format, args...) }

// WithField returns the global logger extended with one field.
func WithField(key string, value interface{}) *Logger { return Default().WithField(key, value) }

// WithFields returns the global logger extended with fields.
func WithFields(fields map[string]interface{}) *Logger { return Default().WithFields(fields) }

// WithError returns the global logger extended with an error field.
func WithError(err error) *Logger { return Default().WithError(err) }

// Context plumbing so request-scoped loggers flow through service calls.

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the context's logger, or the global one.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return logger
	}
	return Default()
}
