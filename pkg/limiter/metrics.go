package limiter

// MetricsRecorder receives counters and observations from the backends.
// Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// Metric names emitted by this package.
const (
	MetricCall              = "ratelimit.call"
	MetricLatency           = "ratelimit.latency"
	MetricFallback          = "ratelimit.fallback"
	MetricCompositeRoute    = "ratelimit.composite.route"
	MetricCircuitTransition = "ratelimit.circuit.transition"
)

// NoOpMetricsRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if r.recorder != nil' in our hot path.
type NoOpMetricsRecorder struct{}

func (n *NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}

func resultTag(d Decision) string {
	if d.Allow {
		return "allowed"
	}
	return "denied"
}
