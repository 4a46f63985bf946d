package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "poetry"

type serverMetrics struct {
	requestsTotal      *prometheus.CounterVec
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generatedWords     prometheus.Counter
	inFlight           prometheus.Gauge
}

// newServerMetrics creates the server metrics and registers them with registry.
// A nil registry disables metrics.
func newServerMetrics(registry prometheus.Registerer) *serverMetrics {
	if registry == nil {
		return nil
	}

	metrics := &serverMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status code",
		}, []string{"route", "code"}),

		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "generator",
			Name:      "generations_total",
			Help:      "Total generation runs by endpoint and result",
		}, []string{"endpoint", "result"}),

		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "generator",
			Name:      "generation_duration_seconds",
			Help:      "Time spent generating a poem",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),

		generatedWords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "generator",
			Name:      "generated_words_total",
			Help:      "Total words appended to generated poems",
		}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "generator",
			Name:      "generations_in_flight",
			Help:      "Generations currently holding a slot of the concurrency limit",
		}),
	}

	registry.MustRegister(
		metrics.requestsTotal,
		metrics.generationsTotal,
		metrics.generationDuration,
		metrics.generatedWords,
		metrics.inFlight,
	)
	return metrics
}

func (m *serverMetrics) observeRequest(route string, code string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, code).Inc()
}

func (m *serverMetrics) observeGeneration(endpoint string, result string, seconds float64, words int) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(endpoint, result).Inc()
	m.generationDuration.WithLabelValues(endpoint).Observe(seconds)
	m.generatedWords.Add(float64(words))
}

func (m *serverMetrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
