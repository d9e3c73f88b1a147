// Package observability defines shared logging and metrics primitives.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// Level gates which log lines a TextLogger emits.
type Level int

const (
	// LevelDebug emits everything.
	LevelDebug Level = iota
	// LevelInfo suppresses debug lines.
	LevelInfo
	// LevelError emits only errors.
	LevelError
)

// TextLogger writes key=value log lines to an io.Writer.
type TextLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// NewTextLogger constructs a logger writing to out at the given level.
func NewTextLogger(out io.Writer, level Level) *TextLogger {
	return &TextLogger{out: out, level: level}
}

// Debug implements Logger.
func (l *TextLogger) Debug(msg string, fields ...Field) { l.write(LevelDebug, "debug", msg, fields) }

// Info implements Logger.
func (l *TextLogger) Info(msg string, fields ...Field) { l.write(LevelInfo, "info", msg, fields) }

// Error implements Logger.
func (l *TextLogger) Error(msg string, fields ...Field) { l.write(LevelError, "error", msg, fields) }

func (l *TextLogger) write(level Level, label, msg string, fields []Field) {
	if level < l.level {
		return
	}
	parts := make([]string, 0, len(fields)+3)
	parts = append(parts,
		"ts="+time.Now().UTC().Format(time.RFC3339),
		"level="+label,
		fmt.Sprintf("msg=%q", msg),
	)
	kvs := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		kvs = append(kvs, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	sort.Strings(kvs)
	parts = append(parts, kvs...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, strings.Join(parts, " "))
}
