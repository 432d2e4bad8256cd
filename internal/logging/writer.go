package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// sink serializes writes to one destination. Component loggers derived via
// WithComponent share the sink so their lines never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.out, line)
}

// writerLogger writes levelled, component-prefixed lines to one destination.
// Formatted output passes through Redact before it is written so secrets in
// request payloads or config dumps never reach the log.
type writerLogger struct {
	sink      *sink
	level     Level
	component string
}

// Options controls the default logger built by NewWithOptions.
type Options struct {
	Level Level
	// File, when non-empty, receives a copy of all lines in addition to
	// stderr.
	File string
}

// New returns the default stderr logger scoped to a component.
func New(component string) Logger {
	return &writerLogger{sink: &sink{out: os.Stderr}, level: LevelInfo, component: component}
}

// NewWithOptions builds the process root logger. Close releases the log file
// when one was opened.
func NewWithOptions(component string, opts Options) (Logger, func() error) {
	l := &writerLogger{sink: &sink{out: os.Stderr}, level: opts.Level, component: component}
	closeFn := func() error { return nil }
	if opts.File != "" {
		if f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			l.sink.out = io.MultiWriter(os.Stderr, f)
			closeFn = f.Close
		} else {
			fmt.Fprintf(os.Stderr, "logging: cannot open %s: %v\n", opts.File, err)
		}
	}
	return l, closeFn
}

// WithComponent returns a logger sharing the destination but tagged with a
// different component name.
func WithComponent(base Logger, component string) Logger {
	if wl, ok := base.(*writerLogger); ok {
		return &writerLogger{sink: wl.sink, level: wl.level, component: component}
	}
	return OrNop(base)
}

func (l *writerLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := Redact(fmt.Sprintf(format, args...))

	_, file, line, ok := runtime.Caller(2)
	caller := "???"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	component := l.component
	if component == "" {
		component = "loom"
	}

	l.sink.write(fmt.Sprintf("%s [%s] [%s] %s - %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, component, caller, msg))
}

func (l *writerLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *writerLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *writerLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *writerLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
