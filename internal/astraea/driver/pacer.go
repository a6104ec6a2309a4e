package driver

import "time"

// pacer implements token-bucket pacing for the data thread: it throttles
// bulk payload writes to the rate set on each control tick (TCP_INFO's
// pacing_rate, clamped by the local detector's cap when one is configured),
// burst-capped at 10 MSS. The bucket starts full on the first allow call
// made with a non-zero rate; at rate 0 no write is allowed.
type pacer struct {
	rateBps  int64
	tokens   float64
	lastTick time.Time
	mss      int
}

func newPacer(mss int) *pacer {
	return &pacer{mss: mss}
}

// setRate updates the pacing rate in bytes per second.
func (p *pacer) setRate(bps int64) {
	if bps < 0 {
		bps = 0
	}
	p.rateBps = bps
}

// allow reports whether a write of size bytes may proceed now, consuming
// tokens if so.
func (p *pacer) allow(now time.Time, size int) bool {
	if p.lastTick.IsZero() {
		p.lastTick = now
		if p.rateBps > 0 {
			p.tokens = float64(10 * p.mss)
		}
	}
	elapsed := now.Sub(p.lastTick).Seconds()
	p.lastTick = now

	p.tokens += float64(p.rateBps) * elapsed
	maxBurst := float64(10 * p.mss)
	if p.tokens > maxBurst {
		p.tokens = maxBurst
	}

	need := float64(size)
	if p.tokens >= need {
		p.tokens -= need
		return true
	}
	return false
}
