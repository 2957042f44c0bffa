// Package logging provides the leveled key-value logger used across idgate.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level represents log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

// String returns the string representation of the log level
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel parses a string into a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Logger is the interface for logging.
// Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
	WithModule(module string) Logger
}

// SimpleLogger writes "[module] LEVEL: msg k=v" lines.
type SimpleLogger struct {
	module    string
	level     Level
	logger    *log.Logger
	useColors bool
}

// NewSimpleLogger creates a logger writing to stdout.
// Colors are only used when stdout is a terminal.
func NewSimpleLogger(module string, level Level, useColors bool) *SimpleLogger {
	return NewSimpleLoggerWithWriter(module, level, useColors && isTerminal(os.Stdout), os.Stdout)
}

// NewSimpleLoggerWithWriter creates a logger writing to w.
func NewSimpleLoggerWithWriter(module string, level Level, useColors bool, w io.Writer) *SimpleLogger {
	return &SimpleLogger{
		module:    module,
		level:     level,
		logger:    log.New(w, "", log.LstdFlags),
		useColors: useColors,
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func (l *SimpleLogger) format(level Level, msg string, args []interface{}) string {
	var sb strings.Builder

	module := "[" + l.module + "]"
	name := level.String()
	if l.useColors {
		module = colorCyan + module + colorReset
		name = levelColors[level] + name + colorReset
	}
	sb.WriteString(module)
	sb.WriteString(" ")
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(msg)

	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", args[i], args[i+1])
	}
	return sb.String()
}

func (l *SimpleLogger) log(level Level, msg string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.logger.Println(l.format(level, msg, args))
	if level == LevelFatal {
		os.Exit(1)
	}
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }

// Info logs an informational message
func (l *SimpleLogger) Info(msg string, args ...interface{}) { l.log(LevelInfo, msg, args...) }

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, args ...interface{}) { l.log(LevelWarn, msg, args...) }

// Error logs an error message
func (l *SimpleLogger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }

// Fatal logs a fatal error message and exits
func (l *SimpleLogger) Fatal(msg string, args ...interface{}) { l.log(LevelFatal, msg, args...) }

// WithModule returns a logger that shares output and level but reports a
// nested module name such as "proxy/ui".
func (l *SimpleLogger) WithModule(module string) Logger {
	name := module
	if l.module != "" && l.module != "main" {
		name = l.module + "/" + module
	}
	return &SimpleLogger{
		module:    name,
		level:     l.level,
		logger:    l.logger,
		useColors: l.useColors,
	}
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

var levelColors = map[Level]string{
	LevelDebug: colorGray,
	LevelInfo:  colorGreen,
	LevelWarn:  colorYellow,
	LevelError: colorRed,
	LevelFatal: colorRed + colorBold,
}

// MaskEmail hides the local part of an address for log output,
// e.g. "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
