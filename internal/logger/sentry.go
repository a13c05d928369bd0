package logger

import (
	"math"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// sentryCore forwards error-level entries to Sentry.
type sentryCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
}

func newSentryCore(level zapcore.Level) *sentryCore {
	return &sentryCore{LevelEnabler: level}
}

func (c *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)

	return &sentryCore{LevelEnabler: c.LevelEnabler, fields: merged}
}

func (c *sentryCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if entry.Level >= zapcore.ErrorLevel {
		return checked.AddCore(entry, c)
	}

	return checked
}

func (c *sentryCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)

	sentry.CaptureEvent(buildEvent(entry, all))

	return nil
}

func (c *sentryCore) Sync() error {
	sentry.Flush(2 * time.Second)

	return nil
}

func buildEvent(entry zapcore.Entry, fields []zapcore.Field) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = sentryLevel(entry.Level)
	event.Message = entry.Message
	event.Logger = entry.LoggerName
	event.Timestamp = entry.Time
	event.Extra = fieldsToMap(fields)

	if entry.LoggerName != "" {
		event.Tags = map[string]string{"component": entry.LoggerName}
	}

	return event
}

func sentryLevel(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}

// fieldsToMap flattens zap fields into Sentry extra data.
func fieldsToMap(fields []zapcore.Field) map[string]any {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			m[f.Key] = f.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
			m[f.Key] = f.Integer
		case zapcore.Float64Type:
			m[f.Key] = math.Float64frombits(uint64(f.Integer))
		case zapcore.BoolType:
			m[f.Key] = f.Integer == 1
		case zapcore.DurationType:
			m[f.Key] = time.Duration(f.Integer).String()
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok {
				m[f.Key] = err.Error()
			}
		default:
			if f.Interface != nil {
				m[f.Key] = f.Interface
			}
		}
	}

	return m
}
