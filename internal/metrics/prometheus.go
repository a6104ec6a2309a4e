// Package metrics exposes the control plane's Prometheus collectors and
// HDR percentile trackers: active flows, detector classification,
// observation/inference throughput, and the caps the bandwidth-plateau
// detector applies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics groups every collector the control plane registers.
type PrometheusMetrics struct {
	FlowsActive      prometheus.Gauge
	FlowsRegistered  prometheus.Counter
	FlowsEnded       prometheus.Counter
	FlowIDCollisions prometheus.Counter

	ObservationsTotal prometheus.Counter
	InferenceRequests prometheus.Counter
	InferenceErrors   prometheus.Counter
	InferenceLatency  prometheus.Histogram

	DetectorClassify *prometheus.GaugeVec
	DetectorResets   *prometheus.CounterVec
	CwndAssigned     prometheus.Histogram
	PacingCapBps     prometheus.Histogram

	TickTimeouts prometheus.Counter
}

// NewPrometheusMetrics builds a collector set registered against registry.
// Passing prometheus.NewRegistry() (rather than the global default
// registry) keeps repeated construction in tests collision-free.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "astraea_flows_active",
			Help: "Number of flows with a live FlowContext on this control-plane endpoint.",
		}),
		FlowsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_flows_registered_total",
			Help: "Total START requests that created a new flow context.",
		}),
		FlowsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_flows_ended_total",
			Help: "Total flow contexts destroyed by an explicit END; contexts released by a stream disconnect are not counted.",
		}),
		FlowIDCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_flow_id_collisions_total",
			Help: "Total START requests that collided with a live flow id and were reassigned.",
		}),
		ObservationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_observations_total",
			Help: "Total ALIVE messages run through the observation pipeline.",
		}),
		InferenceRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_inference_requests_total",
			Help: "Total inference evaluations requested, immediate or batched.",
		}),
		InferenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_inference_errors_total",
			Help: "Total inference evaluations that failed and were dropped.",
		}),
		InferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "astraea_inference_latency_seconds",
			Help:    "Latency of one inference evaluation, immediate or batched.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}),
		DetectorClassify: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "astraea_detector_classify",
			Help: "Current detector classification per flow (0=none, 1=capped, 2=disabled).",
		}, []string{"flow_id"}),
		DetectorResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "astraea_detector_resets_total",
			Help: "Total estimator resets by reset code (5..10, see detector.LastResetCode).",
		}, []string{"code"}),
		CwndAssigned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "astraea_cwnd_assigned_packets",
			Help:    "Distribution of the cwnd value written back to flows each control tick.",
			Buckets: prometheus.ExponentialBuckets(2, 2, 16),
		}),
		PacingCapBps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "astraea_pacing_cap_bytes_per_second",
			Help:    "Distribution of the pacing-rate cap applied while a flow is CAPPED.",
			Buckets: prometheus.ExponentialBuckets(1<<10, 2, 20),
		}),
		TickTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astraea_tick_timeouts_total",
			Help: "Total control ticks skipped because the ALIVE reply timed out.",
		}),
	}

	registry.MustRegister(
		m.FlowsActive, m.FlowsRegistered, m.FlowsEnded, m.FlowIDCollisions,
		m.ObservationsTotal, m.InferenceRequests, m.InferenceErrors, m.InferenceLatency,
		m.DetectorClassify, m.DetectorResets, m.CwndAssigned, m.PacingCapBps,
		m.TickTimeouts,
	)
	return m
}
