package metrics

import (
	"strconv"
	"time"

	"astraea-cc/internal/astraea/detector"
)

// DetectorIntegration periodically snapshots a flow's detector state into
// the Prometheus collectors: a small ticker-driven poller that keeps gauges
// fresh without every detector update touching Prometheus directly.
type DetectorIntegration struct {
	metrics *PrometheusMetrics
	flowID  int
	det     *detector.Detector
}

// NewDetectorIntegration binds one flow's detector to the shared collector
// set.
func NewDetectorIntegration(metrics *PrometheusMetrics, flowID int, det *detector.Detector) *DetectorIntegration {
	return &DetectorIntegration{metrics: metrics, flowID: flowID, det: det}
}

// UpdateMetrics pushes the detector's current classification into its
// per-flow gauge.
func (di *DetectorIntegration) UpdateMetrics() {
	label := strconv.Itoa(di.flowID)
	di.metrics.DetectorClassify.WithLabelValues(label).Set(float64(di.det.Classify()))
}

// RecordReset increments the reset-code counter for this flow's latest
// estimator reset.
func (di *DetectorIntegration) RecordReset() {
	code := strconv.Itoa(int(di.det.LastResetCode()))
	di.metrics.DetectorResets.WithLabelValues(code).Inc()
}

// StartMetricsCollection polls UpdateMetrics at a fixed interval until
// stop is closed.
func (di *DetectorIntegration) StartMetricsCollection(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				di.UpdateMetrics()
			}
		}
	}()
}
