package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures a Logger.
type Options struct {
	// Level is the minimum level written (default INFO).
	Level Level
	// File, when set, adds a rotating JSON sink at that path.
	File string
}

// Logger provides structured logging
type Logger struct {
	z *zap.Logger
}

// New creates a console logger at INFO level
func New() *Logger {
	l, err := NewWithOptions(Options{Level: LevelInfo})
	if err != nil {
		// Only the file sink can fail, and there is none here.
		panic(err)
	}
	return l
}

// NewWithOptions creates a logger writing to stdout and, optionally, a rotating file.
func NewWithOptions(opts Options) (*Logger, error) {
	level, err := ParseLevel(string(opts.Level))
	if err != nil {
		return nil, err
	}
	enabler := zap.NewAtomicLevelAt(level)

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stdout), enabler),
	}

	if opts.File != "" {
		fileConfig := zapcore.EncoderConfig{
			MessageKey:   "message",
			LevelKey:     "level",
			TimeKey:      "time",
			CallerKey:    "caller",
			EncodeLevel:  zapcore.CapitalLevelEncoder,
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		}
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), writer, enabler))
	}

	return &Logger{z: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// ParseLevel maps a level name to a zap level. Empty means INFO.
func ParseLevel(s string) (zapcore.Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case "", LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelWarn, "WARNING":
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Field) {
	l.z.Info(message, toZap(fields)...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Field) {
	l.z.Warn(message, toZap(fields)...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Field) {
	l.z.Error(message, toZap(fields)...)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Field) {
	l.z.Debug(message, toZap(fields)...)
}

// With returns a child logger that always carries the given fields.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(toZap(fields)...)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a Field
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional "error" field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
