// Package metrics adapts the limiter's MetricsRecorder to Prometheus.
package metrics

import (
	"github.com/manenim/window-limiter/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogram struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// PrometheusRecorder implements limiter.MetricsRecorder. Every metric name the
// limiter emits maps to one pre-registered vector; names it does not know are
// dropped.
type PrometheusRecorder struct {
	counters   map[string]counter
	histograms map[string]histogram
}

// NewPrometheusRecorder creates and registers all limiter metrics with reg
// under namespace.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) *PrometheusRecorder {
	factory := promauto.With(reg)
	newCounter := func(name, help string, labels ...string) counter {
		return counter{
			vec: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, labels),
			labels: labels,
		}
	}

	return &PrometheusRecorder{
		counters: map[string]counter{
			limiter.MetricCall: newCounter("checks_total",
				"Rate limit checks answered by a backend", "backend", "result"), // result=allowed/denied
			limiter.MetricFallback: newCounter("fallbacks_total",
				"Checks decided by the fallback mode because storage was unavailable", "backend", "mode"),
			limiter.MetricCompositeRoute: newCounter("composite_routes_total",
				"Composite checks served per backend", "backend"), // backend=primary/fallback
			limiter.MetricCircuitTransition: newCounter("circuit_transitions_total",
				"Circuit breaker state changes", "to"),
		},
		histograms: map[string]histogram{
			limiter.MetricLatency: {
				vec: factory.NewHistogramVec(prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "check_duration_seconds",
					Help:      "Rate limit check duration in seconds",
					Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
				}, []string{"backend"}),
				labels: []string{"backend"},
			},
		},
	}
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	c, ok := p.counters[name]
	if !ok {
		return
	}
	c.vec.With(labelsFor(c.labels, tags)).Add(value)
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	h, ok := p.histograms[name]
	if !ok {
		return
	}
	h.vec.With(labelsFor(h.labels, tags)).Observe(value)
}

// labelsFor keeps only the declared label names; missing tags become "".
func labelsFor(names []string, tags map[string]string) prometheus.Labels {
	labels := make(prometheus.Labels, len(names))
	for _, n := range names {
		labels[n] = tags[n]
	}
	return labels
}

var _ limiter.MetricsRecorder = (*PrometheusRecorder)(nil)
