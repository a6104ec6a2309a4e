package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// HDRMetrics tracks percentile distributions for the control plane's two
// latency-sensitive quantities: round-trip time of the control tick itself
// (ALIVE request to reply) and the RTT samples carried in kernel telemetry.
// Percentile snapshots come from TickLatencyStats and FlowRTTStats without
// the cost of keeping every raw sample around; the performance log does not
// carry them.
type HDRMetrics struct {
	mu sync.RWMutex

	tickLatencyHist *hdrhistogram.Histogram
	flowRTTHist     *hdrhistogram.Histogram

	observationsTotal int64
	inferenceErrors   int64
	tickTimeouts      int64
}

// NewHDRMetrics builds a metrics tracker with ranges wide enough for both a
// sub-millisecond local control tick and a multi-second congested RTT.
func NewHDRMetrics() *HDRMetrics {
	return &HDRMetrics{
		// Control-tick round trip: 1 microsecond floor, 10 second ceiling.
		tickLatencyHist: hdrhistogram.New(1, 10_000_000, 3),
		// Flow RTT, as reported by kernel telemetry: 1 microsecond to 30 seconds.
		flowRTTHist: hdrhistogram.New(1, 30_000_000, 3),
	}
}

// RecordTickLatency records the wall-clock time between sending an ALIVE
// message and applying its reply's cwnd.
func (h *HDRMetrics) RecordTickLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if us := d.Microseconds(); us > 0 {
		h.tickLatencyHist.RecordValue(us)
	}
}

// RecordFlowRTT records one kernel-reported RTT sample (microseconds).
func (h *HDRMetrics) RecordFlowRTT(rttUs uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rttUs > 0 {
		h.flowRTTHist.RecordValue(int64(rttUs))
	}
}

// IncrementObservations counts one completed observation-pipeline pass.
func (h *HDRMetrics) IncrementObservations() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observationsTotal++
}

// IncrementInferenceErrors counts one inference failure whose reply was
// dropped.
func (h *HDRMetrics) IncrementInferenceErrors() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inferenceErrors++
}

// IncrementTickTimeouts counts one control cycle skipped because the reply
// never arrived in time.
func (h *HDRMetrics) IncrementTickTimeouts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tickTimeouts++
}

// LatencyStats is a percentile snapshot, values in milliseconds.
type LatencyStats struct {
	P50, P90, P99, Min, Max, Mean float64
	Count                         int64
}

func snapshot(hist *hdrhistogram.Histogram) LatencyStats {
	if hist.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		P50:   float64(hist.ValueAtQuantile(50)) / 1000.0,
		P90:   float64(hist.ValueAtQuantile(90)) / 1000.0,
		P99:   float64(hist.ValueAtQuantile(99)) / 1000.0,
		Min:   float64(hist.Min()) / 1000.0,
		Max:   float64(hist.Max()) / 1000.0,
		Mean:  hist.Mean() / 1000.0,
		Count: hist.TotalCount(),
	}
}

// TickLatencyStats returns the control-tick round-trip percentile snapshot.
func (h *HDRMetrics) TickLatencyStats() LatencyStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.tickLatencyHist)
}

// FlowRTTStats returns the kernel-reported RTT percentile snapshot.
func (h *HDRMetrics) FlowRTTStats() LatencyStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.flowRTTHist)
}

// Counters is a point-in-time snapshot of the plain counters tracked
// alongside the histograms.
type Counters struct {
	ObservationsTotal int64
	InferenceErrors   int64
	TickTimeouts      int64
}

// Snapshot returns the current counter values.
func (h *HDRMetrics) Snapshot() Counters {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Counters{
		ObservationsTotal: h.observationsTotal,
		InferenceErrors:   h.inferenceErrors,
		TickTimeouts:      h.tickTimeouts,
	}
}
