package metrics

import (
	"context"
	"testing"

	"github.com/manenim/window-limiter/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestPrometheusRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusRecorder(reg, "limiter")

	p.Add(limiter.MetricCall, 1, map[string]string{"backend": "memory", "result": "allowed"})
	p.Add(limiter.MetricCall, 1, map[string]string{"backend": "memory", "result": "allowed", "extra": "ignored"})
	p.Add(limiter.MetricFallback, 1, map[string]string{"backend": "redis"})
	p.Add("unknown.metric", 1, nil)

	got := testutil.ToFloat64(p.counters[limiter.MetricCall].vec.WithLabelValues("memory", "allowed"))
	if got != 2 {
		t.Errorf("checks_total{memory,allowed} = %v, want 2", got)
	}

	got = testutil.ToFloat64(p.counters[limiter.MetricFallback].vec.WithLabelValues("redis", ""))
	if got != 1 {
		t.Errorf("fallbacks_total{redis,\"\"} = %v, want 1", got)
	}
}

func TestPrometheusRecorder_Histogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusRecorder(reg, "limiter")

	p.Observe(limiter.MetricLatency, 0.002, map[string]string{"backend": "redis"})
	p.Observe(limiter.MetricLatency, 0.004, map[string]string{"backend": "redis"})

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	mf := findFamily(gathered, "limiter_check_duration_seconds")
	if mf == nil {
		t.Fatal("check_duration_seconds histogram not found in gathered metrics")
	}
	if n := mf.GetMetric()[0].GetHistogram().GetSampleCount(); n != 2 {
		t.Errorf("sample count = %d, want 2", n)
	}
}

func TestPrometheusRecorder_WiredIntoBackend(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p := NewPrometheusRecorder(reg, "limiter")

	b := limiter.NewMemoryBackend(limiter.WithRecorder(p))
	if err := b.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect(ctx)

	limit := limiter.MustLimit(1, limiter.Window{Seconds: 10})
	for range 3 {
		if _, err := b.Check(ctx, "user_1", limit); err != nil {
			t.Fatal(err)
		}
	}

	if got := testutil.ToFloat64(p.counters[limiter.MetricCall].vec.WithLabelValues("memory", "denied")); got != 2 {
		t.Errorf("denied checks = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(p.histograms[limiter.MetricLatency].vec); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}
