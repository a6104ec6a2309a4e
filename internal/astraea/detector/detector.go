// Package detector reimplements, as a pure-Go state machine, the bandwidth-
// plateau detector and rate/cwnd cap carried by the kernel congestion-control
// module this control plane cooperates with. It is driven one ACK sample at
// a time and never touches a socket directly, so the kernel logic can be
// modeled and tested outside the kernel proper.
package detector

import (
	"sync"

	"go.uber.org/zap"

	"astraea-cc/internal/astraea/tunables"
)

// Fixed-point scales, carried verbatim from the kernel source.
const (
	ThrScale   = 24
	ThrUnit    = int64(1) << ThrScale
	BWScale    = 24
	BWUnit     = int64(1) << BWScale
	BBRScale   = 8
	BBRUnit    = int64(1) << BBRScale
	BasedScale = 8
	BasedUnit  = int64(1) << BasedScale
)

// highLossPercent is the loss-ratio gate of the estimator: a loss ratio
// >= highLossPercent% over the post-loss-start window flags a "high loss"
// episode (the dd/ll comparison in estimationClassify). abruptDecreaseThresh
// is the other gate, flagging a rate collapse below abruptDecreaseThresh/
// BasedUnit of the pre-loss goodput.
const (
	highLossPercent      = 20
	abruptDecreaseThresh = 150
)

const bbrPacingMarginPercent = 1

// percentArr is the static descending "survivable fraction" table P,
// pre-scaled by BWUnit.
var percentArr = [9]int64{
	BWUnit,
	BWUnit * 7 / 8,
	BWUnit * 6 / 8,
	BWUnit * 5 / 8,
	BWUnit * 4 / 8,
	BWUnit * 3 / 8,
	BWUnit * 2 / 8,
	BWUnit * 1 / 8,
	0,
}

// Classification states. Zero value is the implicit "no episode observed
// yet" state; the kernel source never names it, so ClassifyNone exists only
// for readability here.
const (
	ClassifyNone     uint8 = 0
	ClassifyCapped   uint8 = 1
	ClassifyDisabled uint8 = 2
)

// CA states, mirroring the subset of TCP_CA_* the estimator inspects.
const (
	CAOpen     uint8 = 0
	CARecovery uint8 = 1
	CALoss     uint8 = 2
)

// estimator is the Go analogue of struct PMODRL.
type estimator struct {
	bArr [9]int64
	rArr [9]int64

	bestIndex      uint8
	classify       uint8
	classifyTimeUs int64

	highLossFlag        bool
	lossStartTimeUs     int64
	beforeLossDelivered int64
	beforeLossTimeUs    int64
	beforeLossLost      int64

	bbrStartUs      int64
	befEmptyGoodput int64
	nominator       uint8

	latestAckUs   int64
	latestAckLoss int64

	detectedBytesAcked uint64
	detectedTime       int64

	disableFlag bool

	memB int64
	memR int64

	upperBound       uint8
	roundCount       int64
	roundCountNo     int64
	nextRTTDelivered int64
	roundStart       bool

	transferStartDelivered int64
	transferStartLost      int64

	minRTTUs int64

	// lastResetCode records which of the telemetry-only reset codes
	// (5..10) the estimator was last reset with. Nothing downstream
	// branches on it, per the kernel source; it exists purely for
	// diagnostics, exposed via LastResetCode.
	lastResetCode uint8
}

func newEstimator(nowUs int64) *estimator {
	return &estimator{bbrStartUs: nowUs}
}

// Detector is the per-flow analogue of struct astraea (the congestion
// control private block hung off each socket).
type Detector struct {
	mu sync.Mutex

	tun    *tunables.Tunables
	logger *zap.Logger

	prevCAState uint8
	priorCwnd   uint32

	est *estimator

	lastBandwidthBps uint64
}

// New creates a detector attached to a freshly-opened flow. nowUs is the
// current monotonic microsecond clock, supplied by the caller since Go has
// no direct analogue of jiffies_to_usecs(tcp_jiffies32).
func New(tun *tunables.Tunables, logger *zap.Logger, nowUs int64) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		tun:         tun,
		logger:      logger,
		prevCAState: CAOpen,
		est:         newEstimator(nowUs),
	}
}

// AckSample carries everything one cong_control invocation needs. Fields
// named after their tcp_sock/rate_sample counterparts in the kernel source.
type AckSample struct {
	NowUs int64

	Delivered int64 // cumulative tp->delivered (packets)
	Lost      int64 // cumulative tp->lost (packets)
	SndUna    int64 // cumulative tp->snd_una (bytes)
	MSS       int64 // tp->mss_cache

	SRTTUs int64 // actual smoothed RTT in microseconds (tp->srtt_us >> 3)
	RTTUs  int64 // rate_sample rtt_us for this ACK

	RSDelivered      int64 // rs->delivered, may be negative
	RSIntervalUs     int64 // rs->interval_us
	RSPriorDelivered int64 // rs->prior_delivered
	RSIsAppLimited   bool

	SndCwnd           int64 // tp->snd_cwnd before this update
	PriorCwnd         int64 // tp->prior_cwnd (loss-recovery snapshot owned by the host stack)
	CAState           uint8
	ChronoRWNDLimited bool

	MaxPacingRate     uint64
	CurrentPacingRate uint64
}

// CapResult reports the caps this ACK's update wants applied, mirroring the
// two clamps astraea_cong_control performs on sk_pacing_rate/snd_cwnd.
type CapResult struct {
	BandwidthBps uint64
	PacingCapBps uint64
	HasPacingCap bool
	CwndCap      uint32
	HasCwndCap   bool
}

// OnAck runs one per-ACK update: the Go analogue of astraea_cong_control.
func (d *Detector) OnAck(s AckSample) CapResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.est
	var result CapResult

	// bandwidth estimate, purely for telemetry (printk in the source).
	var bw uint64
	if s.RSDelivered >= 0 && s.RSIntervalUs > 0 && s.MSS > 0 {
		v := s.RSDelivered * ThrUnit / s.RSIntervalUs
		v = v * s.MSS * 1_000_000 >> ThrScale
		bw = uint64(v)
	}
	d.lastBandwidthBps = bw
	result.BandwidthBps = bw

	if e.minRTTUs == 0 {
		e.minRTTUs = s.RTTUs
	}
	if s.RTTUs > 0 && (e.minRTTUs == 0 || s.RTTUs < e.minRTTUs) {
		e.minRTTUs = s.RTTUs
	}

	e.latestAckUs = s.NowUs
	if e.bbrStartUs == 0 {
		e.bbrStartUs = s.NowUs
	}
	if !e.disableFlag {
		d.estimationClassify(s)
	}

	if e.latestAckLoss != s.Lost {
		if !e.highLossFlag && e.lossStartTimeUs == 0 {
			e.lossStartTimeUs = s.NowUs
		}
	} else {
		if !e.highLossFlag && e.lossStartTimeUs == 0 {
			var delivered int64
			if d.tun.UseGoodput() && s.MSS > 0 {
				delivered = s.SndUna/s.MSS - e.transferStartDelivered
			} else {
				delivered = s.Delivered - e.transferStartDelivered
			}
			e.beforeLossDelivered = delivered
			e.beforeLossTimeUs = s.NowUs
			e.beforeLossLost = s.Lost - e.transferStartLost
		}
	}
	e.latestAckLoss = s.Lost

	e.roundStart = false
	if !before(s.RSPriorDelivered, e.nextRTTDelivered) && !(s.RSDelivered < 0 || s.RSIntervalUs <= 0) {
		e.nextRTTDelivered = s.Delivered
		e.roundStart = true
	}

	d.probePMODRL(s)

	if d.tun.ExcludeRwnd() && s.ChronoRWNDLimited {
		d.resetPMODRL(s, 5, 6)
	}
	if d.tun.ExcludeRTO() && d.prevCAState == CALoss && s.CAState != CALoss {
		d.resetPMODRL(s, 7, 8)
	}
	if d.tun.ExcludeApplimited() && s.RSIsAppLimited {
		d.resetPMODRL(s, 9, 10)
	}

	if e.classify == ClassifyCapped && e.upperBound == 1 {
		probePer := d.tun.ProbePer()
		rate := bbrBWToPacingRatePMODRL(s.MSS, e.rArr[e.bestIndex], BBRUnit, int64(e.nominator), probePer, s.MaxPacingRate)
		if s.CurrentPacingRate > rate && d.tun.OptimizeFlag() {
			result.PacingCapBps = rate
			result.HasPacingCap = true
		}
	}

	if e.classify == ClassifyCapped && e.upperBound == 1 && d.tun.OptimizeFlag() {
		temp := e.rArr[e.bestIndex] * s.SRTTUs
		temp >>= BWScale
		upperBoundCwnd := temp + 1
		if e.nominator != 0 {
			probePer := d.tun.ProbePer()
			multiplier := BasedUnit * probePer / 20
			temp = upperBoundCwnd * multiplier
			temp >>= BasedScale
			upperBoundCwnd = temp + 1
		}
		if s.SndCwnd > upperBoundCwnd {
			result.CwndCap = uint32(upperBoundCwnd)
			result.HasCwndCap = true
		}
	}

	return result
}

// before mirrors the kernel's tcp_before() sequence-number-style comparator
// used on delivered-byte watermarks.
func before(seq1, seq2 int64) bool { return seq1 < seq2 }

func bbrRateBytesPerSec(mss, rate, gain int64) int64 {
	rate *= mss
	rate *= gain
	rate >>= BBRScale
	rate *= 1_000_000 / 100 * (100 - bbrPacingMarginPercent)
	return rate >> BWScale
}

func bbrBWToPacingRatePMODRL(mss, bw, gain, nominator, probePer int64, maxPacingRate uint64) uint64 {
	rate := bw
	if nominator != 0 {
		gain = gain * probePer / 20
	}
	r := bbrRateBytesPerSec(mss, rate, gain)
	if r < 0 {
		r = 0
	}
	if maxPacingRate != 0 && uint64(r) > maxPacingRate {
		return maxPacingRate
	}
	return uint64(r)
}

// comp is the Go analogue of the kernel's comp(): scan forward through the
// B/R arrays, advancing best_index while widening the threshold still pays
// off relative to the flow's elapsed age.
func comp(e *estimator, nowUs int64) uint8 {
	var bestIndex uint8
	flowLenUs := nowUs - e.bbrStartUs
	for i := uint8(1); i < uint8(len(percentArr)); i++ {
		bDiff := abs64(e.bArr[i] - e.bArr[bestIndex])
		rDiff := abs64(e.rArr[i] - e.rArr[bestIndex])
		if rDiff == 0 {
			bestIndex = i
			continue
		}
		if bDiff*BasedScale*2/rDiff > flowLenUs*BasedScale {
			bestIndex = i
		} else {
			break
		}
	}
	return bestIndex
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// estimationClassify is the Go analogue of estimation_classify().
func (d *Detector) estimationClassify(s AckSample) {
	e := d.est
	nowUs := s.NowUs

	curDelivered := s.Delivered - e.transferStartDelivered
	curLost := s.Lost - e.transferStartLost
	if d.tun.UseGoodput() && s.MSS > 0 {
		curDelivered = s.SndUna/s.MSS - e.transferStartDelivered
	}
	_ = curLost

	if !e.highLossFlag {
		if e.lossStartTimeUs != 0 && e.lossStartTimeUs+7*e.minRTTUs < nowUs {
			dd := curDelivered - e.beforeLossDelivered
			ll := s.Lost - e.transferStartLost - e.beforeLossLost
			if dd+ll != 0 && ll*100 >= (dd+ll)*highLossPercent {
				e.highLossFlag = true
				t := e.beforeLossTimeUs/1000 - e.bbrStartUs/1000
				if t < 1 {
					return
				}
				if e.beforeLossTimeUs == e.bbrStartUs {
					return
				}
				befEmpty := e.beforeLossDelivered * BWUnit / (e.beforeLossTimeUs - e.bbrStartUs)
				e.befEmptyGoodput = befEmpty
				lowerBoundB := e.beforeLossDelivered * (BasedUnit - abruptDecreaseThresh)
				for i := 0; i < len(percentArr); i++ {
					if percentArr[i] == 0 {
						e.bArr[i] = 0
					} else {
						tt := (BWUnit - percentArr[i]) * lowerBoundB
						tt >>= BasedScale
						e.bArr[i] = e.beforeLossDelivered*percentArr[i] + tt
					}
				}
				for i := 0; i < len(percentArr); i++ {
					if e.beforeLossDelivered*BWUnit > e.bArr[i] {
						h := e.beforeLossDelivered*BWUnit - e.bArr[i]
						t2 := e.beforeLossTimeUs/1000 - e.bbrStartUs/1000
						if t2 < 1 {
							return
						}
						r := h / (e.beforeLossTimeUs - e.bbrStartUs)
						e.rArr[i] = maxI64(e.rArr[i], r)
					}
				}
			} else {
				e.lossStartTimeUs = 0
				return
			}
		} else {
			return
		}
	}

	for i := 0; i < len(percentArr); i++ {
		if curDelivered*BWUnit > e.bArr[i] {
			if nowUs == e.bbrStartUs {
				return
			}
			h := curDelivered*BWUnit - e.bArr[i]
			t := nowUs/1000 - e.bbrStartUs/1000
			if t < 1 {
				return
			}
			r := h / (nowUs - e.bbrStartUs)
			e.rArr[i] = maxI64(e.rArr[i], r)
		}
	}

	bestIndex := comp(e, nowUs)
	e.bestIndex = bestIndex
	for bestIndex == 0 {
		incrDiff := e.bArr[0] - e.bArr[1]
		for i := len(percentArr) - 1; i >= 1; i-- {
			e.bArr[i] = e.bArr[i-1]
			e.rArr[i] = e.rArr[i-1]
		}
		e.bArr[0] = e.bArr[0] + incrDiff
		e.rArr[0] = 0
		if curDelivered*BWUnit > e.bArr[0] && nowUs != e.bbrStartUs {
			h := curDelivered*BWUnit - e.bArr[0]
			r := h / (nowUs - e.bbrStartUs)
			e.rArr[0] = maxI64(e.rArr[0], r)
		}
		if e.beforeLossDelivered*BWUnit > e.bArr[0] && e.beforeLossTimeUs != e.bbrStartUs {
			h := e.beforeLossDelivered*BWUnit - e.bArr[0]
			r := h / (e.beforeLossTimeUs - e.bbrStartUs)
			e.rArr[0] = maxI64(e.rArr[0], r)
		}
		bestIndex = comp(e, nowUs)
	}
	e.bestIndex = bestIndex

	abruptDecreaseFlag := e.rArr[bestIndex]*BasedUnit <= abruptDecreaseThresh*e.befEmptyGoodput

	switch e.classify {
	case ClassifyCapped:
		if !abruptDecreaseFlag {
			e.classify = ClassifyDisabled
			e.disableFlag = true
		}
	default:
		if e.highLossFlag && abruptDecreaseFlag {
			if e.classifyTimeUs == 0 {
				e.classifyTimeUs = nowUs
			}
			if e.rArr[bestIndex] != e.memR || e.bArr[bestIndex] != e.memB {
				e.classifyTimeUs = nowUs
				e.memB = e.bArr[bestIndex]
				e.memR = e.rArr[bestIndex]
			} else if nowUs-e.classifyTimeUs > 10*e.minRTTUs {
				e.classify = ClassifyCapped
				e.upperBound = 1
				e.detectedTime = nowUs - e.bbrStartUs
				e.detectedBytesAcked = uint64(s.SndUna)
			}
		} else {
			e.classifyTimeUs = 0
		}
	}
}

// probePMODRL is the Go analogue of probe_pmodrl().
func (d *Detector) probePMODRL(s AckSample) {
	e := d.est
	if e.classify != ClassifyCapped || !d.tun.OptimizeFlag() {
		return
	}
	probeInterval := d.tun.ProbeInterval()
	monitorPeroid := d.tun.MonitorPeroid()

	if e.upperBound != 1 || e.nominator != 0 {
		if e.roundStart {
			e.roundCountNo++
			if e.roundCountNo >= monitorPeroid && e.memB == e.bArr[e.bestIndex] && e.memR == e.rArr[e.bestIndex] {
				e.upperBound = 1
				e.nominator = 0
				e.roundCountNo = 0
			}
		}
		if e.memB != e.bArr[e.bestIndex] || e.memR != e.rArr[e.bestIndex] {
			e.upperBound = 2
			e.nominator = 0
			e.memB = e.bArr[e.bestIndex]
			e.memR = e.rArr[e.bestIndex]
			e.roundCountNo = 0
			e.nextRTTDelivered = s.Delivered
		}
	} else {
		if e.roundStart {
			e.roundCount++
			if e.roundCount >= probeInterval {
				e.upperBound = 1
				e.nominator = 1
				e.memB = e.bArr[e.bestIndex]
				e.memR = e.rArr[e.bestIndex]
				e.roundCount = 0
				e.roundCountNo = 0
			}
		}
	}
}

// resetPMODRL is the Go analogue of reset_pmodrl(): wipe the estimator but
// preserve the classify-to-reset-code mapping, and re-anchor the transfer
// start markers.
func (d *Detector) resetPMODRL(s AckSample, res1, res2 uint8) {
	e := d.est
	var flag uint8
	switch {
	case e.classify == ClassifyCapped:
		flag = 1
	case e.classify == ClassifyDisabled:
		flag = 2
	case e.classify != ClassifyNone:
		flag = e.classify
	}

	*e = estimator{bbrStartUs: s.NowUs}
	e.transferStartLost = s.Lost
	if d.tun.UseGoodput() && s.MSS > 0 {
		e.transferStartDelivered = s.SndUna / s.MSS
	} else {
		e.transferStartDelivered = s.Delivered
	}

	switch flag {
	case 1:
		e.classify = res1
		e.lastResetCode = res1
	case 2:
		e.classify = res2
		e.lastResetCode = res2
	default:
		if flag != 0 {
			e.classify = flag
			e.lastResetCode = flag
		}
	}
}

// SetState is the Go analogue of astraea_set_state: the host stack calls
// this whenever the CA state transitions.
func (d *Detector) SetState(newState uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if newState == CALoss {
		d.prevCAState = CALoss
	}
}

// CwndEvent is the Go analogue of astraea_cwnd_event, handling CA_EVENT_TX_START
// re-anchoring when the flow resumes from being application-limited.
func (d *Detector) CwndEvent(txStart, appLimited bool, nowUs int64, delivered, lost, sndUna, mss int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !txStart || !appLimited {
		return
	}
	e := d.est
	e.bbrStartUs = nowUs
	e.transferStartLost = lost
	if d.tun.UseGoodput() && mss > 0 {
		e.transferStartDelivered = sndUna / mss
	} else {
		e.transferStartDelivered = delivered
	}
}

// SSThresh is the Go analogue of astraea_ssthresh: snapshot prior_cwnd and
// hand back the minimum sane slow-start threshold.
func (d *Detector) SSThresh(cwnd uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prevCAState < CARecovery {
		d.priorCwnd = cwnd
	} else if cwnd > d.priorCwnd {
		d.priorCwnd = cwnd
	}
	if cwnd > 10 {
		return cwnd
	}
	return 10
}

// UndoCwnd is the Go analogue of astraea_undo_cwnd: Astraea never wants the
// default undo-on-loss behavior, so the current cwnd is always returned
// unchanged.
func (d *Detector) UndoCwnd(cwnd uint32) uint32 { return cwnd }

// Classify returns the estimator's current classification.
func (d *Detector) Classify() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.classify
}

// LastResetCode returns the last telemetry-only reset reason (5..10), or 0
// if no reset has recorded one: a reset taken while the estimator is still
// unclassified records no code.
func (d *Detector) LastResetCode() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.lastResetCode
}

// BestIndex, BArr and RArr expose the estimator's slot tables for tests and
// telemetry.
func (d *Detector) BestIndex() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.bestIndex
}

func (d *Detector) BArr() [9]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.bArr
}

func (d *Detector) RArr() [9]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.rArr
}

func (d *Detector) HighLossFlag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.highLossFlag
}

func (d *Detector) UpperBound() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.upperBound
}

func (d *Detector) Nominator() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.nominator
}

func (d *Detector) RoundCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.roundCount
}

func (d *Detector) RoundCountNo() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.est.roundCountNo
}

// Release is the Go analogue of bbr_release; present for lifecycle parity
// with the kernel module's per-socket release hook even though Go's garbage
// collector reclaims the estimator on its own.
func (d *Detector) Release() {}
