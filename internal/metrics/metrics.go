// Package metrics builds the root tally scope of the service.
package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// Config holds metrics settings.
type Config struct {
	Enabled        bool
	Prefix         string
	ReportInterval time.Duration
	Tags           map[string]string
}

// New returns the root scope and its closer. Disabled metrics yield
// tally.NoopScope.
func New(cfg Config, logger *zap.Logger) (tally.Scope, io.Closer) {
	if !cfg.Enabled {
		return tally.NoopScope, nopCloser{}
	}

	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   cfg.Prefix,
		Tags:     cfg.Tags,
		Reporter: NewLogReporter(logger),
	}, interval)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogReporter writes every reported value to the log at debug level. It
// stands in for a metrics backend.
type LogReporter struct {
	logger *zap.Logger
}

var _ tally.StatsReporter = (*LogReporter)(nil)

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.logger.Debug("counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Debug("gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Debug("timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *LogReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	lower, upper float64,
	samples int64,
) {
	r.logger.Debug("histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Float64("lower", lower),
		zap.Float64("upper", upper),
		zap.Int64("samples", samples),
	)
}

func (r *LogReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	lower, upper time.Duration,
	samples int64,
) {
	r.logger.Debug("histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Duration("lower", lower),
		zap.Duration("upper", upper),
		zap.Int64("samples", samples),
	)
}

func (r *LogReporter) Capabilities() tally.Capabilities { return r }

func (r *LogReporter) Reporting() bool { return true }

func (r *LogReporter) Tagging() bool { return true }

func (r *LogReporter) Flush() {}
