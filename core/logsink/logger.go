package logsink

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name into a Level
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logsink: unknown log level %q", level)
}

// Logger formats leveled lines and hands them to a Sink. Formatting happens
// on the caller's goroutine; the write happens on the sink's consumer.
type Logger struct {
	sink   *Sink
	level  *atomic.Int32
	prefix string
}

// NewLogger creates a logger writing into sink
func NewLogger(sink *Sink, level Level) *Logger {
	lv := &atomic.Int32{}
	lv.Store(int32(level))
	return &Logger{sink: sink, level: lv}
}

// With returns a logger that prepends prefix to every message. The level is
// shared with the parent.
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return nil
	}
	p := prefix
	if l.prefix != "" {
		p = l.prefix + " " + prefix
	}
	return &Logger{sink: l.sink, level: l.level, prefix: p}
}

// SetLevel changes the minimum level for this logger and all derived loggers
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Enabled reports whether messages at level would be written. A nil
// Logger discards everything.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return level >= Level(l.level.Load())
}

func (l *Logger) log(level Level, format string, v ...any) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder
	b.Grow(64 + len(format))
	b.WriteByte('[')
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString("] [")
	b.WriteString(level.String())
	b.WriteString("] ")
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, format, v...)

	// A full or closed sink loses the line; the sink counts drops.
	_ = l.sink.Write(b.String())
}

func (l *Logger) Debug(format string, v ...any) {
	l.log(LevelDebug, format, v...)
}

func (l *Logger) Info(format string, v ...any) {
	l.log(LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.log(LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.log(LevelError, format, v...)
}
