// Package logger provides the structured zap logger of the service. Entries at
// error level and above are also reported to Sentry when it is enabled.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// SentryConfig holds Sentry configuration.
type SentryConfig struct {
	Enabled     bool
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Logger wraps zap.Logger with Sentry integration.
type Logger struct {
	*zap.Logger
	sentryEnabled bool
	closer        io.Closer
}

// New creates a new Logger instance with optional Sentry integration.
func New(cfg Config, sentryCfg SentryConfig) (*Logger, error) {
	sentryEnabled := sentryCfg.Enabled && sentryCfg.DSN != ""
	if sentryEnabled {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryCfg.DSN,
			Environment:      sentryCfg.Environment,
			Release:          sentryCfg.Release,
			SampleRate:       sentryCfg.SampleRate,
			AttachStacktrace: true,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing sentry: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	output, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), output, level)
	if sentryEnabled {
		core = zapcore.NewTee(core, newSentryCore(level))
	}

	return &Logger{
		Logger:        zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
		sentryEnabled: sentryEnabled,
		closer:        closer,
	}, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	return zapcore.NewJSONEncoder(encoderConfig)
}

func openOutput(output string) (zapcore.WriteSyncer, io.Closer, error) {
	switch output {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil, nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil, nil
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		return zapcore.AddSync(file), file, nil
	}
}

// Sync flushes any buffered log entries and Sentry events.
func (l *Logger) Sync() error {
	if l.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}

	err := l.Logger.Sync()
	if l.closer != nil {
		_ = l.closer.Close()
	}

	return err
}

// Named returns the zap logger of one component, e.g. "guard" or "outbox".
func (l *Logger) Named(component string) *zap.Logger {
	return l.Logger.Named(component)
}

// With creates a child logger with the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger:        l.Logger.With(fields...),
		sentryEnabled: l.sentryEnabled,
	}
}
