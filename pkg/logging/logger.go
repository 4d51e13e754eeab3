// Package logging is the levelled, component-tagged logger shared by the
// daemon, the link manager and the simulator.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dougsko/sotacat/pkg/config"
)

// LogLevel represents logging levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLogLevel parses a config level name. Unknown names mean info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "wire":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields are key/value pairs appended to a log line.
type Fields = map[string]interface{}

const timeLayout = "2006-01-02 15:04:05.000"

// Logger writes one line per message to the console, a rotating file, or
// both.
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	structured bool
	out        io.Writer
	rotating   *lumberjack.Logger
	now        func() time.Time
}

// NewLogger creates a logger from the logging section of cfg. Without a
// log file, output goes to the console regardless of logging.console.
func NewLogger(cfg *config.Config) (*Logger, error) {
	var writers []io.Writer

	var rotating *lumberjack.Logger
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating = &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSize, // megabytes
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge, // days
			Compress:   cfg.Logging.Compress,
		}
		writers = append(writers, rotating)
	}
	if cfg.Logging.Console || rotating == nil {
		writers = append(writers, os.Stdout)
	}

	l := NewWriterLogger(io.MultiWriter(writers...), ParseLogLevel(cfg.Logging.Level), cfg.Logging.Structured)
	l.rotating = rotating
	return l, nil
}

// NewWriterLogger logs to w only.
func NewWriterLogger(w io.Writer, level LogLevel, structured bool) *Logger {
	return &Logger{
		level:      level,
		structured: structured,
		out:        w,
		now:        time.Now,
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.rotating != nil {
		return l.rotating.Close()
	}
	return nil
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

// fieldValue renders errors and Stringers (frequencies, modes, link
// states) by their text so both output formats agree.
func fieldValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	case time.Duration:
		return x.String()
	default:
		return x
	}
}

func (l *Logger) format(level LogLevel, component, message string, fields Fields) string {
	ts := l.now().Format(timeLayout)

	if l.structured {
		line := map[string]interface{}{
			"time":      ts,
			"level":     level.String(),
			"component": component,
			"message":   message,
		}
		if len(fields) > 0 {
			f := make(map[string]interface{}, len(fields))
			for k, v := range fields {
				f[k] = fieldValue(v)
			}
			line["fields"] = f
		}
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Sprintf(`{"time":%q,"level":"ERROR","component":"logging","message":%q}`, ts, err.Error())
		}
		return string(data)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", ts, level, component, message)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%v", k, fieldValue(fields[k]))
		}
		b.WriteByte(']')
	}
	return b.String()
}

func (l *Logger) log(level LogLevel, component, message string, fields Fields) {
	if !l.Enabled(level) {
		return
	}
	line := l.format(level, component, message, fields) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, line)
}

func first(fields []Fields) Fields {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

func (l *Logger) Debug(component, message string, fields ...Fields) {
	l.log(LevelDebug, component, message, first(fields))
}

func (l *Logger) Info(component, message string, fields ...Fields) {
	l.log(LevelInfo, component, message, first(fields))
}

func (l *Logger) Warn(component, message string, fields ...Fields) {
	l.log(LevelWarn, component, message, first(fields))
}

func (l *Logger) Error(component, message string, fields ...Fields) {
	l.log(LevelError, component, message, first(fields))
}

func (l *Logger) Debugf(component, format string, args ...interface{}) {
	l.log(LevelDebug, component, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(component, format string, args ...interface{}) {
	l.log(LevelInfo, component, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(component, format string, args ...interface{}) {
	l.log(LevelWarn, component, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(component, format string, args ...interface{}) {
	l.log(LevelError, component, fmt.Sprintf(format, args...), nil)
}

// WithFields returns a logger that appends fields to every line.
func (l *Logger) WithFields(fields Fields) *FieldLogger {
	return &FieldLogger{logger: l, fields: fields}
}

// FieldLogger is a Logger with fixed fields, typically a request ID and
// the tuning request.
type FieldLogger struct {
	logger *Logger
	fields Fields
}

// With returns a copy carrying fields in addition to the existing ones.
func (fl *FieldLogger) With(fields Fields) *FieldLogger {
	merged := make(Fields, len(fl.fields)+len(fields))
	for k, v := range fl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &FieldLogger{logger: fl.logger, fields: merged}
}

func (fl *FieldLogger) Debug(component, message string) {
	fl.logger.log(LevelDebug, component, message, fl.fields)
}

func (fl *FieldLogger) Info(component, message string) {
	fl.logger.log(LevelInfo, component, message, fl.fields)
}

func (fl *FieldLogger) Warn(component, message string) {
	fl.logger.log(LevelWarn, component, message, fl.fields)
}

func (fl *FieldLogger) Error(component, message string) {
	fl.logger.log(LevelError, component, message, fl.fields)
}

func (fl *FieldLogger) Debugf(component, format string, args ...interface{}) {
	fl.logger.log(LevelDebug, component, fmt.Sprintf(format, args...), fl.fields)
}

func (fl *FieldLogger) Infof(component, format string, args ...interface{}) {
	fl.logger.log(LevelInfo, component, fmt.Sprintf(format, args...), fl.fields)
}

func (fl *FieldLogger) Warnf(component, format string, args ...interface{}) {
	fl.logger.log(LevelWarn, component, fmt.Sprintf(format, args...), fl.fields)
}

func (fl *FieldLogger) Errorf(component, format string, args ...interface{}) {
	fl.logger.log(LevelError, component, fmt.Sprintf(format, args...), fl.fields)
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewWriterLogger(os.Stdout, LevelInfo, false)
)

// InitGlobalLogger replaces the global logger with one built from cfg.
func InitGlobalLogger(cfg *config.Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	SetGlobalLogger(logger)
	return nil
}

func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// CloseGlobalLogger closes the global log file.
func CloseGlobalLogger() error {
	return GetGlobalLogger().Close()
}

func Debug(component, message string, fields ...Fields) {
	GetGlobalLogger().Debug(component, message, fields...)
}

func Info(component, message string, fields ...Fields) {
	GetGlobalLogger().Info(component, message, fields...)
}

func Warn(component, message string, fields ...Fields) {
	GetGlobalLogger().Warn(component, message, fields...)
}

func Error(component, message string, fields ...Fields) {
	GetGlobalLogger().Error(component, message, fields...)
}

func Debugf(component, format string, args ...interface{}) {
	GetGlobalLogger().Debugf(component, format, args...)
}

func Infof(component, format string, args ...interface{}) {
	GetGlobalLogger().Infof(component, format, args...)
}

func Warnf(component, format string, args ...interface{}) {
	GetGlobalLogger().Warnf(component, format, args...)
}

func Errorf(component, format string, args ...interface{}) {
	GetGlobalLogger().Errorf(component, format, args...)
}
