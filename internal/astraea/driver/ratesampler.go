package driver

import "time"

// deliverySample is one measured interval of local goodput, used to fill
// the performance log's throughput columns independent of whatever the
// kernel telemetry reports.
type deliverySample struct {
	Delivered    int64
	Interval     time.Duration
	BytesAcked   int64
	IsAppLimited bool
}

// BandwidthBps is the measured goodput over the sample's interval.
func (s deliverySample) BandwidthBps() float64 {
	if s.Interval <= 0 {
		return 0
	}
	return float64(s.BytesAcked) / s.Interval.Seconds()
}

// deliveryTracker measures local goodput between control ticks: writes by
// the data thread start the interval, and each Sample call adds the bytes
// acked since the previous tick.
type deliveryTracker struct {
	delivered   int64
	firstSentAt time.Time
	appLimited  bool
}

func newDeliveryTracker() *deliveryTracker {
	return &deliveryTracker{}
}

// OnWrite records that a write happened: the first write after a Sample
// starts the next interval, and an app-limited write marks it app-limited.
// The byte count is not accumulated here.
func (t *deliveryTracker) OnWrite(now time.Time, size int, isAppLimited bool) {
	if t.firstSentAt.IsZero() {
		t.firstSentAt = now
	}
	if isAppLimited {
		t.appLimited = true
	}
}

// Sample returns the delivery rate since the tracker's last Sample call and
// resets the interval.
func (t *deliveryTracker) Sample(now time.Time, ackedBytes int) deliverySample {
	t.delivered += int64(ackedBytes)
	s := deliverySample{
		Delivered:    t.delivered,
		Interval:     now.Sub(t.firstSentAt),
		BytesAcked:   int64(ackedBytes),
		IsAppLimited: t.appLimited,
	}
	if s.Interval < time.Millisecond {
		s.Interval = time.Millisecond
	}
	t.firstSentAt = now
	t.appLimited = false
	return s
}
