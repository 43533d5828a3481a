// Package logger wraps zap with a small, field-based API shared by every service.
package logger

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger construction options.
type Config struct {
	Level  string // "debug", "info", "warn", or "error"
	Format string // "json" or "console"
}

// Logger is a named, structured logger.
type Logger struct {
	zl *zap.Logger
}

// Field is a structured log field.
type Field = zap.Field

// New creates a logger from the given config.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.DisableStacktrace = true
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{zl: zl}, nil
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

// Named returns a child logger with the given name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zl: l.zl.Named(name)}
}

// With returns a child logger with the given fields attached.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{zl: l.zl.With(fields...)}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func (l *Logger) Debug(msg string, fields ...Field) { l.zl.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.zl.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.zl.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.zl.Error(msg, fields...) }

// Field constructors re-exported so callers don't import zap directly.
func String(key, value string) Field            { return zap.String(key, value) }
func Int(key string, value int) Field           { return zap.Int(key, value) }
func Int64(key string, value int64) Field       { return zap.Int64(key, value) }
func Float64(key string, value float64) Field   { return zap.Float64(key, value) }
func Bool(key string, value bool) Field         { return zap.Bool(key, value) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Time(key string, t time.Time) Field        { return zap.Time(key, t) }
func Any(key string, value any) Field           { return zap.Any(key, value) }
func Error(err error) Field                     { return zap.Error(err) }
