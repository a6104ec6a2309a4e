package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetricsBasicCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)

	m.FlowsRegistered.Inc()
	m.FlowsRegistered.Inc()
	m.FlowsActive.Set(2)
	m.ObservationsTotal.Inc()
	m.InferenceRequests.Inc()
	m.TickTimeouts.Inc()

	if got := testutil.ToFloat64(m.FlowsRegistered); got != 2 {
		t.Errorf("FlowsRegistered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FlowsActive); got != 2 {
		t.Errorf("FlowsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ObservationsTotal); got != 1 {
		t.Errorf("ObservationsTotal = %v, want 1", got)
	}
}

func TestPrometheusMetricsLabeledCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)

	m.DetectorClassify.WithLabelValues("42").Set(1)
	m.DetectorResets.WithLabelValues("5").Inc()

	if got := testutil.ToFloat64(m.DetectorClassify.WithLabelValues("42")); got != 1 {
		t.Errorf("DetectorClassify[42] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DetectorResets.WithLabelValues("5")); got != 1 {
		t.Errorf("DetectorResets[5] = %v, want 1", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one registered metric family")
	}
}

func TestPrometheusMetricsHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)

	m.InferenceLatency.Observe(0.001)
	m.CwndAssigned.Observe(32)
	m.PacingCapBps.Observe(1 << 20)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sawHistogram bool
	for _, f := range families {
		if f.GetName() == "astraea_cwnd_assigned_packets" {
			sawHistogram = true
			if f.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected one sample recorded")
			}
		}
	}
	if !sawHistogram {
		t.Error("astraea_cwnd_assigned_packets not found in registry")
	}
}
