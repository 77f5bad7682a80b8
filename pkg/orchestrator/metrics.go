package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "loom"

// Metrics are the generation counters exported by an Orchestrator.
type Metrics struct {
	GenerationsTotal    *prometheus.CounterVec
	GenerationDuration  *prometheus.HistogramVec
	LorebookActivations prometheus.Counter
	EmbeddingsTotal     *prometheus.CounterVec
}

// NewMetrics registers the metrics on reg. A nil reg creates unregistered
// collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GenerationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "generations_total",
				Help:      "Generations by flow and finish reason",
			},
			[]string{"flow", "status"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "generation_duration_seconds",
				Help:      "Wall time of the model call",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"flow"},
		),
		LorebookActivations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lorebook_activations_total",
				Help:      "Lorebook entries activated while building prompts",
			},
		),
		EmbeddingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "embeddings_total",
				Help:      "Message embeddings by result",
			},
			[]string{"status"},
		),
	}
}
