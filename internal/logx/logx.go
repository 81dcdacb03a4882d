// Package logx provides the orchestrator's leveled logger. It mirrors the
// teacher's controller/logging.go idiom (a thin wrapper around the standard
// library logger with level-prefixed helpers) but scrubs every message
// through internal/security before it reaches the underlying writer, so
// secrets never land in stdout/stderr even when a loop logs a raw
// configuration dump or agent stderr excerpt.
package logx

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/andywolf/swarmd/internal/security"
)

// Logger is a scrubbing, leveled wrapper around *log.Logger.
type Logger struct {
	mu       sync.Mutex
	std      *log.Logger
	scrubber *security.Scrubber
	tag      string
}

// New creates a Logger writing to stderr, tagged with component name tag
// (e.g. "poller", "supervisor").
func New(tag string) *Logger {
	return &Logger{
		std:      log.New(os.Stderr, "", log.LstdFlags),
		scrubber: security.NewScrubber(),
		tag:      tag,
	}
}

// With returns a child logger with an additional tag, sharing the scrubber
// and underlying writer.
func (l *Logger) With(tag string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	combined := tag
	if l.tag != "" {
		combined = l.tag + "." + tag
	}
	return &Logger{std: l.std, scrubber: l.scrubber, tag: combined}
}

func (l *Logger) log(level, format string, args ...interface{}) {
	msg := l.scrubber.Scrub(fmt.Sprintf(format, args...))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tag != "" {
		l.std.Printf("%s [%s] %s", level, l.tag, msg)
		return
	}
	l.std.Printf("%s %s", level, msg)
}

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...interface{}) { l.log("INFO", format, args...) }

// Warn logs at WARNING level.
func (l *Logger) Warn(format string, args ...interface{}) { l.log("WARN", format, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...interface{}) { l.log("ERROR", format, args...) }

// Fatal logs at ERROR level and exits the process. Used only for
// configuration errors detected at startup, before any control loop starts.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log("FATAL", format, args...)
	os.Exit(1)
}
