// Package debug provides the engine's logger and the helpers that report
// render-thread health from outside the render thread.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	// LogLevelTrace is for per-message transport chatter.
	LogLevelTrace LogLevel = iota - 1
	// LogLevelDebug is for detailed debugging information.
	LogLevelDebug
	// LogLevelInfo is for general informational messages.
	LogLevelInfo
	// LogLevelWarn is for warning messages.
	LogLevelWarn
	// LogLevelError is for error messages.
	LogLevelError
	// LogLevelOff disables all logging.
	LogLevelOff
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string such as "debug" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LogLevelTrace, nil
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "off", "none":
		return LogLevelOff, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Flags for logger output formatting.
const (
	FlagTime      = 1 << iota // Include timestamp
	FlagShortFile             // Include short file name and line number
	FlagLevel                 // Include log level
	FlagPrefix                // Include prefix
)

// DefaultFlags are the default formatting flags.
const DefaultFlags = FlagTime | FlagLevel | FlagPrefix

// sink is shared by a logger and everything derived from it with With.
type sink struct {
	mu     sync.Mutex
	output io.Writer
	level  LogLevel
	flags  int
}

// Logger writes leveled printf-style messages. Loggers derived with With
// share the parent's output, level and flags. It must never be used from
// the render thread.
type Logger struct {
	sink   *sink
	prefix string
}

var defaultLogger = New(os.Stderr, "aushell", DefaultFlags)

// New creates a new logger instance at LogLevelInfo.
func New(output io.Writer, prefix string, flags int) *Logger {
	return &Logger{
		sink: &sink{
			output: output,
			level:  LogLevelInfo,
			flags:  flags,
		},
		prefix: prefix,
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	l := New(io.Discard, "", 0)
	l.SetLevel(LogLevelOff)
	return l
}

// With returns a logger that appends name to the prefix.
func (l *Logger) With(name string) *Logger {
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{sink: l.sink, prefix: prefix}
}

// Prefix returns the logger prefix.
func (l *Logger) Prefix() string {
	return l.prefix
}

// SetOutput sets the output destination for the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Level returns the minimum log level.
func (l *Logger) Level() LogLevel {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.Level() && level < LogLevelOff
}

// SetFlags sets the output formatting flags.
func (l *Logger) SetFlags(flags int) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.flags = flags
}

// log writes a log message at the specified level. depth is the
// runtime.Caller skip of the frame reported by FlagShortFile.
func (l *Logger) log(depth int, level LogLevel, msg string, fields map[string]any) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level || s.level >= LogLevelOff {
		return
	}

	var sb strings.Builder

	if s.flags&FlagTime != 0 {
		sb.WriteString(time.Now().Format("2006-01-02 15:04:05.000 "))
	}
	if s.flags&FlagLevel != 0 {
		fmt.Fprintf(&sb, "[%s] ", level)
	}
	if s.flags&FlagPrefix != 0 && l.prefix != "" {
		fmt.Fprintf(&sb, "[%s] ", l.prefix)
	}
	if s.flags&FlagShortFile != 0 {
		if _, file, line, ok := runtime.Caller(depth); ok {
			fmt.Fprintf(&sb, "%s:%d: ", filepath.Base(file), line)
		}
	}

	sb.WriteString(strings.TrimSuffix(msg, "\n"))
	writeFields(&sb, fields)
	sb.WriteByte('\n')

	io.WriteString(s.output, sb.String())
}

func writeFields(sb *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, " %s=%v", k, fields[k])
	}
}

// Trace logs a trace message.
func (l *Logger) Trace(format string, args ...any) {
	l.log(2, LogLevelTrace, fmt.Sprintf(format, args...), nil)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(2, LogLevelDebug, fmt.Sprintf(format, args...), nil)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(2, LogLevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(2, LogLevelWarn, fmt.Sprintf(format, args...), nil)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(2, LogLevelError, fmt.Sprintf(format, args...), nil)
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(level LogLevel) {
	defaultLogger.SetLevel(level)
}

// SetOutput sets the output destination for the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}
