// Package logging provides structured logging for the edge event store.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging. Loggers derived with
// WithComponent share the underlying output and level.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// New creates a standalone logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(jsonFormatter())
	base.SetLevel(toLogrus(minLevel))
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	}
}

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = New(out, minLevel)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// ParseLevel converts a textual level ("debug", "WARN", ...) to a LogLevel.
// Unknown values map to LevelInfo.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the minimum level for this logger and every logger derived from it.
func (l *Logger) SetLevel(level LogLevel) {
	l.base.SetLevel(toLogrus(level))
}

// SetFormat switches between "json" (default) and "text" output.
func (l *Logger) SetFormat(format string) {
	if strings.EqualFold(format, "text") {
		l.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	l.base.SetFormatter(jsonFormatter())
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	switch l.base.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// WithComponent returns a logger that tags every entry with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField("component", component)}
}

// log writes a log entry at the specified level.
func (l *Logger) log(level logrus.Level, message string, err error, context map[string]interface{}) {
	if !l.base.IsLevelEnabled(level) {
		return
	}

	entry := l.entry
	if len(context) > 0 {
		entry = entry.WithField("context", context)
	}
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	entry.Log(level, message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(logrus.DebugLevel, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(logrus.InfoLevel, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(logrus.WarnLevel, message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(logrus.ErrorLevel, message, err, mergeContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	ctx := mergeContext(context...)
	merged := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["code"] = code
	l.log(logrus.ErrorLevel, message, err, merged)
}

// mergeContext merges multiple context maps.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
