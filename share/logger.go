package wgshare

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its
	// behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for Warning messages
	LogLevelWarning

	// LogLevelInfo is for Info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

// StringToLogLevel converts a string to a LogLevel. Unrecognized
// names produce LogLevelUnknown
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// FromString initializes a LogLevel from a string
func (x *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("Unknown log level: \"%s\"", s)
	}
	*x = result
	return nil
}

// MinLogger is a minimal logging interface for a logging component
type MinLogger interface {
	Print(args ...interface{})
}

// Logger is an interface for a logging component that supports logging levels and prefix forking
type Logger interface {
	// Prefix returns the component prefix (without the ": " trailer)
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	// Panic outputs a log message and then panics
	Panic(args ...interface{})

	// Panicf outputs a formatted log message and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise logs it and panics
	PanicOnError(err error)

	// Logf outputs to a Logger iff logging level is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf, WLogErrorf, ILogErrorf, DLogErrorf output an error message if the
	// corresponding level is enabled, and return an error object with a description
	// string that has the Logger's prefix
	ELogErrorf(f string, args ...interface{}) error
	WLogErrorf(f string, args ...interface{}) error
	ILogErrorf(f string, args ...interface{}) error
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	logger   MinLogger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

func newBasicLogger(logger MinLogger, prefix string, logLevel LogLevel) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   logger,
		logLevel: logLevel,
	}
}

// NewLogger creates a new Logger with a given prefix and default flags,
// emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithWriter(os.Stderr, prefix, logLevel)
}

// NewLoggerWithWriter creates a new Logger with a given prefix and default flags,
// emitting output to w
func NewLoggerWithWriter(w io.Writer, prefix string, logLevel LogLevel) Logger {
	return newBasicLogger(log.New(w, "", defaultLogFlags), prefix, logLevel)
}

// NewLogWrapper creates a new Logger that wraps an existing MinLogger
func NewLogWrapper(logger MinLogger, prefix string, logLevel LogLevel) Logger {
	return newBasicLogger(logger, prefix, logLevel)
}

// NewDiscardLogger creates a Logger that filters out everything but panics
func NewDiscardLogger() Logger {
	return newBasicLogger(log.New(io.Discard, "", 0), "", LogLevelPanic)
}

// Print outputs to a Logger regardless of level
func (l *BasicLogger) Print(args ...interface{}) {
	l.logger.Print(l.prefixC + fmt.Sprint(args...))
}

func (l *BasicLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= l.logLevel || logLevel <= LogLevelFatal
}

// emit writes an already-prefixed message, then exits or panics for
// LogLevelFatal and LogLevelPanic
func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	l.logger.Print(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprintf(f, args...))
	}
}

// LogErrorf outputs an error message to a Logger iff logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) LogErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	if l.enabled(logLevel) {
		l.emit(logLevel, msg)
	}
	return errors.New(msg)
}

// Panic outputs a log message and then panics
func (l *BasicLogger) Panic(args ...interface{}) {
	l.emit(LogLevelPanic, l.prefixC+fmt.Sprint(args...))
}

// PanicOnError does nothing if err is nil; otherwise
// outputs a log message and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// Panicf outputs a formatted log message and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

// ELogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogErrorf logs at ERROR level and returns a prefixed error
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelError, f, args...)
}

// WLogErrorf logs at WARNING level and returns a prefixed error
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelWarning, f, args...)
}

// ILogErrorf logs at INFO level and returns a prefixed error
func (l *BasicLogger) ILogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelInfo, f, args...)
}

// DLogErrorf logs at DEBUG level and returns a prefixed error
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelDebug, f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between). The fork shares the
// parent's output and starts at the parent's level.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return newBasicLogger(l.logger, newPrefix, l.logLevel)
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

// SetLogLevel sets the log level
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}
