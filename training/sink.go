package training

// LogOptions qualifies a batch of logged metrics.
type LogOptions struct {
	// OnEpoch marks the metrics as epoch-level aggregates rather than
	// per-step samples.
	OnEpoch bool
	// Sync requests synchronization across workers before aggregation in
	// distributed runs. Single-process sinks may ignore it.
	Sync bool
}

// MetricSink receives scalar training metrics. Implementations decide where
// the values go: structured logs, Prometheus gauges, or several sinks at
// once.
type MetricSink interface {
	LogDict(metrics map[string]float64, opts LogOptions)
}

// DiscardSink drops every metric. Useful as a default and in tests.
type DiscardSink struct{}

func (DiscardSink) LogDict(map[string]float64, LogOptions) {}
