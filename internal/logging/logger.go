package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log severities from most to least verbose.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// ParseLevel maps a LOG_LEVEL string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO", "":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
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
	case LevelFatal:
		return "FATAL"
	}
	return "INFO"
}

// Logger provides level-based logging functionality
type Logger struct {
	mu       sync.Mutex
	minLevel Level
	out      *log.Logger
	fileSink io.Closer
	exit     func(int)
}

// Global logger instance
var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Initialize sets up the global logger. When file is non-empty, output is
// duplicated into a size-rotated log file at that path.
func Initialize(level Level, file string) {
	var output io.Writer = os.Stderr
	var sink io.Closer
	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		output = io.MultiWriter(os.Stderr, rotated)
		sink = rotated
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = &Logger{
		minLevel: level,
		out:      log.New(output, "", log.LstdFlags),
		fileSink: sink,
		exit:     os.Exit,
	}
}

// Close flushes and closes the file sink, if any.
func Close() {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil && l.fileSink != nil {
		l.fileSink.Close()
	}
}

func current() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func (l *Logger) logf(level Level, prefix, format string, args ...interface{}) {
	if l == nil || level < l.minLevel {
		return
	}
	l.mu.Lock()
	l.out.Printf(level.String()+": "+prefix+format, args...)
	l.mu.Unlock()
	if level == LevelFatal {
		l.exit(1)
	}
}

// Debug logs debug messages (only shown when the threshold allows)
func Debug(format string, args ...interface{}) {
	current().logf(LevelDebug, "", format, args...)
}

// Info logs informational messages
func Info(format string, args ...interface{}) {
	current().logf(LevelInfo, "", format, args...)
}

// Warn logs warning messages
func Warn(format string, args ...interface{}) {
	current().logf(LevelWarn, "", format, args...)
}

// Error logs error messages
func Error(format string, args ...interface{}) {
	current().logf(LevelError, "", format, args...)
}

// Fatal logs the message then exits with code 1.
func Fatal(format string, args ...interface{}) {
	l := current()
	if l == nil {
		fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
		os.Exit(1)
	}
	l.logf(LevelFatal, "", format, args...)
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	l := current()
	return l != nil && l.minLevel <= LevelDebug
}

// Component is a named logger that prefixes each line with its component.
type Component struct {
	prefix string
}

// Named returns a component logger writing through the global logger.
func Named(name string) *Component {
	return &Component{prefix: "[" + name + "] "}
}

func (c *Component) Debug(format string, args ...interface{}) {
	current().logf(LevelDebug, c.prefix, format, args...)
}

func (c *Component) Info(format string, args ...interface{}) {
	current().logf(LevelInfo, c.prefix, format, args...)
}

func (c *Component) Warn(format string, args ...interface{}) {
	current().logf(LevelWarn, c.prefix, format, args...)
}

func (c *Component) Error(format string, args ...interface{}) {
	current().logf(LevelError, c.prefix, format, args...)
}
