// Package logging provides metric sinks that forward training metrics to
// structured logs and Prometheus, plus logger construction for the command
// line entrypoint.
package logging

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsawler/go-probe/training"
)

// NewLogger builds the process logger. level accepts the usual zap level
// names; development switches to the human-readable console encoding.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// ZapSink logs every metric batch as a single structured entry.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink writing to the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

// LogDict writes the metrics as one log entry with sorted fields.
func (s *ZapSink) LogDict(metrics map[string]float64, opts training.LogOptions) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]zap.Field, 0, len(names)+1)
	for _, name := range names {
		fields = append(fields, zap.Float64(name, metrics[name]))
	}
	fields = append(fields, zap.Bool("on_epoch", opts.OnEpoch))

	s.logger.Info("metrics", fields...)
}

// MultiSink fans metrics out to several sinks.
type MultiSink struct {
	sinks []training.MetricSink
}

// NewMultiSink creates a sink forwarding to every non-nil sink given.
func NewMultiSink(sinks ...training.MetricSink) *MultiSink {
	var kept []training.MetricSink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// LogDict forwards the metrics to every sink.
func (m *MultiSink) LogDict(metrics map[string]float64, opts training.LogOptions) {
	for _, s := range m.sinks {
		s.LogDict(metrics, opts)
	}
}
