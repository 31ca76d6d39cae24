package logging

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/go-probe/training"
)

// PrometheusSink exposes the latest value of every logged metric as a gauge
// labelled by metric name.
type PrometheusSink struct {
	gauges *prometheus.GaugeVec
}

// NewPrometheusSink creates a sink registered with the given registerer. A
// nil registerer uses the default registry.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "training_metric",
		Help:      "Latest value of a training or validation metric.",
	}, []string{"metric"})

	if err := reg.Register(gauges); err != nil {
		return nil, fmt.Errorf("failed to register metric gauges: %w", err)
	}
	return &PrometheusSink{gauges: gauges}, nil
}

// LogDict updates the gauge of every metric in the batch.
func (s *PrometheusSink) LogDict(metrics map[string]float64, _ training.LogOptions) {
	for name, value := range metrics {
		s.gauges.WithLabelValues(name).Set(value)
	}
}
