// Package driver implements the sender-side control loop: every tick it
// pulls kernel telemetry for the data socket, exchanges an ALIVE message
// with the control-plane server, and writes the returned congestion window
// back to the kernel. A separate goroutine drives the bulk payload transfer
// the control loop is steering.
package driver

import (
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"astraea-cc/internal/astraea/detector"
	"astraea-cc/internal/astraea/wire"
)

// tcpCwndSockopt is the Astraea-patched kernel's custom socket option for
// writing an externally supplied congestion window; it has no equivalent in
// a stock kernel, so writeCwnd below is a best-effort call that logs and
// continues rather than treats ENOPROTOOPT as fatal. Kept unexported since
// it's only meaningful on the data socket's fd.
const tcpCwndSockopt = 0x1001

// Config configures one driver instance.
type Config struct {
	FlowID          int
	ControlInterval time.Duration
	ReplyTimeout    time.Duration
	MSS             int
	MaxTput         uint32
	PerfLog         *PerfLogWriter
	PerfInterval    time.Duration

	// Detector, when non-nil, reimplements the kernel bandwidth-plateau cap
	// (C1) locally against this flow's own TCP_INFO samples: the policy's
	// assigned cwnd/pacing rate is clamped to whatever the detector is
	// currently enforcing, the same override relationship the kernel module
	// has with the host stack's baseline algorithm. This is optional: a
	// deployment with a real Astraea-patched kernel leaves it nil and relies
	// on the in-kernel estimator directly.
	Detector *detector.Detector
}

// Driver owns one flow's control loop.
type Driver struct {
	cfg    Config
	ctrl   net.Conn
	data   *net.TCPConn
	logger *zap.Logger

	telemetry telemetrySource
	pacer     *pacer
	tracker   *deliveryTracker

	sendTraffic atomic.Bool
	sentBytes   atomic.Int64
	tickCount   uint64
	lastPerfLog time.Time
	lastTickAt  time.Time

	prevDelivered    uint32
	prevLost         uint32
	prevSndUna       uint64
	nextRTTDelivered int64

	cwndWriteWarned atomic.Bool
}

// New builds a driver for one flow. ctrl is the already-connected
// control-plane transport (unix stream or UDP socket); data is the TCP
// connection carrying the bulk payload this flow's cwnd governs.
func New(cfg Config, ctrl net.Conn, data *net.TCPConn, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ControlInterval == 0 {
		cfg.ControlInterval = 20 * time.Millisecond
	}
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = cfg.ControlInterval * 5
	}
	if cfg.MSS == 0 {
		cfg.MSS = 1460
	}
	d := &Driver{
		cfg:       cfg,
		ctrl:      ctrl,
		data:      data,
		logger:    logger,
		telemetry: newTelemetrySource(),
		pacer:     newPacer(cfg.MSS),
		tracker:   newDeliveryTracker(),
	}
	d.sendTraffic.Store(true)
	return d
}

// Stop signals the control loop and data thread to exit at their next
// natural yield point, mirroring SIGINT/SIGTERM clearing send_traffic.
func (d *Driver) Stop() { d.sendTraffic.Store(false) }

// register performs the START handshake and returns the (possibly
// reassigned) flow id.
func (d *Driver) register() (int, error) {
	env := wire.Envelope{Type: wire.Start, FlowID: d.cfg.FlowID}
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("driver: marshal START: %w", err)
	}
	if err := wire.WriteMessage(d.ctrl, payload); err != nil {
		return 0, err
	}
	reply, err := wire.ReadMessage(d.ctrl)
	if err != nil {
		return 0, err
	}
	var sr wire.StartReply
	if err := json.Unmarshal(reply, &sr); err != nil {
		return 0, fmt.Errorf("driver: decode START reply: %w", err)
	}
	return sr.FlowID, nil
}

// Run drives the control loop until Stop is called or ctx-equivalent
// cancellation happens via the send_traffic flag. It registers the flow
// first, then ticks at ControlInterval until the flag clears, and finally
// sends END.
func (d *Driver) Run() error {
	flowID, err := d.register()
	if err != nil {
		return fmt.Errorf("driver: register flow: %w", err)
	}
	d.cfg.FlowID = flowID
	d.logger.Info("flow registered", zap.Int("flow_id", flowID))

	ticker := time.NewTicker(d.cfg.ControlInterval)
	defer ticker.Stop()

	for d.sendTraffic.Load() {
		<-ticker.C
		if err := d.tick(); err != nil {
			d.logger.Warn("control tick failed", zap.Error(err))
		}
	}

	return d.endFlow()
}

func (d *Driver) endFlow() error {
	env := wire.Envelope{Type: wire.End, FlowID: d.cfg.FlowID}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return wire.WriteMessage(d.ctrl, payload)
}

// tick performs exactly one control cycle: read telemetry, send ALIVE,
// await and apply the reply, optionally log.
func (d *Driver) tick() error {
	fd, release, err := socketFD(d.data)
	if err != nil {
		return fmt.Errorf("driver: obtain socket fd: %w", err)
	}
	defer release()

	sample, err := d.telemetry.Sample(fd)
	if err != nil {
		return fmt.Errorf("driver: sample telemetry: %w", err)
	}
	sample.Telemetry.MaxTput = d.cfg.MaxTput

	// TCP_INFO has no direct average-throughput counter, so the local
	// delivery tracker fills avg_thr from the bytes acked since the last
	// tick.
	ackedDelta := int64(sample.SndUna) - int64(d.prevSndUna)
	if ackedDelta < 0 {
		ackedDelta = 0
	}
	local := d.tracker.Sample(time.Now(), int(ackedDelta))
	if sample.Telemetry.AvgThr == 0 {
		sample.Telemetry.AvgThr = uint32(local.BandwidthBps())
	}

	statePayload, err := json.Marshal(sample.Telemetry)
	if err != nil {
		return fmt.Errorf("driver: marshal telemetry: %w", err)
	}
	env := wire.Envelope{Type: wire.Alive, FlowID: d.cfg.FlowID, State: statePayload}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("driver: marshal ALIVE: %w", err)
	}
	if err := wire.WriteMessage(d.ctrl, payload); err != nil {
		return err
	}

	if d.cfg.ReplyTimeout > 0 {
		if dl, ok := d.ctrl.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = dl.SetReadDeadline(time.Now().Add(d.cfg.ReplyTimeout))
		}
	}
	reply, err := wire.ReadMessage(d.ctrl)
	if err != nil {
		// Tick timeout waiting on a reply: skip this cycle.
		return fmt.Errorf("driver: await ALIVE reply: %w", err)
	}
	var ar wire.AliveReply
	if err := json.Unmarshal(reply, &ar); err != nil {
		return fmt.Errorf("driver: decode ALIVE reply: %w", err)
	}

	assignedCwnd := ar.Cwnd
	pacingBps := int64(sample.CurrentPacing)

	if d.cfg.Detector != nil {
		capResult := d.runDetector(sample)
		assignedCwnd, pacingBps = applyDetectorCaps(assignedCwnd, pacingBps, capResult)
	}

	d.pacer.setRate(pacingBps)
	d.writeCwnd(fd, assignedCwnd)

	d.tickCount++
	if d.cfg.PerfLog != nil && time.Since(d.lastPerfLog) >= d.cfg.PerfInterval {
		d.lastPerfLog = time.Now()
		_ = d.cfg.PerfLog.Write(PerfLogRow{
			MinRTT:        sample.MinRTT,
			AvgURTT:       sample.AvgURTT,
			Cnt:           d.tickCount,
			SRTTUs:        sample.SRTTUs,
			AvgThr:        sample.AvgThr,
			ThrCnt:        d.tickCount,
			PacingRate:    sample.PacingRate,
			LossBytes:     sample.Lost,
			PacketsOut:    sample.PacketsOut,
			RetransOut:    sample.RetransOut,
			MaxPacketsOut: sample.PacketsOut,
			CwndKernel:    sample.Cwnd,
			CwndAssigned:  uint32(assignedCwnd),
		})
	}

	d.prevDelivered = sample.Delivered
	d.prevLost = sample.Lost
	d.prevSndUna = sample.SndUna
	d.lastTickAt = time.Now()

	return nil
}

// runDetector folds this tick's cumulative TCP_INFO counters into one
// detector.AckSample and feeds it to the local bandwidth-plateau detector.
// TCP_INFO reports cumulative delivered/lost counters rather than the
// kernel's per-ACK rate_sample, so the rs_* fields are reconstructed from the
// delta against the previous control tick — coarser than per-ACK, but the
// only cadence available from userspace.
func (d *Driver) runDetector(sample KernelSample) detector.CapResult {
	deliveredDelta := int64(sample.Delivered) - int64(d.prevDelivered)
	intervalUs := int64(d.cfg.ControlInterval / time.Microsecond)
	if !d.lastTickAt.IsZero() {
		if elapsed := time.Since(d.lastTickAt); elapsed > 0 {
			intervalUs = int64(elapsed / time.Microsecond)
		}
	}

	as := detector.AckSample{
		NowUs:             time.Now().UnixMicro(),
		Delivered:         int64(sample.Delivered),
		Lost:              int64(sample.Lost),
		SndUna:            int64(sample.SndUna),
		MSS:               int64(d.cfg.MSS),
		SRTTUs:            int64(sample.SRTTUs),
		RTTUs:             int64(sample.RTTUs),
		RSDelivered:       deliveredDelta,
		RSIntervalUs:      intervalUs,
		RSPriorDelivered:  int64(d.prevDelivered),
		RSIsAppLimited:    sample.IsAppLimited,
		SndCwnd:           int64(sample.Cwnd),
		PriorCwnd:         int64(sample.Cwnd),
		CAState:           sample.CAState,
		ChronoRWNDLimited: sample.ChronoRWNDLimited,
		MaxPacingRate:     sample.MaxPacingRate,
		CurrentPacingRate: sample.CurrentPacing,
	}

	return d.cfg.Detector.OnAck(as)
}

// applyDetectorCaps clamps a policy-assigned cwnd/pacing-rate pair against
// the detector's CapResult, mirroring the kernel module's own
// min(sk_pacing_rate, rate) / min(cwnd, cwnd_cap) clamps.
func applyDetectorCaps(cwnd int, pacingBps int64, cap detector.CapResult) (int, int64) {
	if cap.HasCwndCap && uint32(cwnd) > cap.CwndCap {
		cwnd = int(cap.CwndCap)
	}
	if cap.HasPacingCap && uint64(pacingBps) > cap.PacingCapBps {
		pacingBps = int64(cap.PacingCapBps)
	}
	return cwnd, pacingBps
}

// writeCwnd applies the policy's chosen cwnd to the kernel socket. On a
// stock kernel (no Astraea patch) this always fails; it is logged once and
// treated as a non-fatal no-op, consistent with the kernel/userspace
// separation note: a pure-userspace deployment may simply be unable to
// assert cwnd directly.
func (d *Driver) writeCwnd(fd uintptr, cwnd int) {
	if err := setsockoptInt(fd, tcpCwndSockopt, cwnd); err != nil {
		if !d.cwndWriteWarned.Swap(true) {
			d.logger.Warn("kernel does not accept externally supplied cwnd; running pass-through",
				zap.Error(err))
		}
	}
}

// WriteChunk is called by the data thread for every payload write it
// performs; it both paces the write against the pacer's token bucket and
// feeds the delivery tracker used for the performance log's local
// throughput columns.
func (d *Driver) WriteChunk(size int, appLimited bool) bool {
	now := time.Now()
	if !d.pacer.allow(now, size) {
		return false
	}
	d.tracker.OnWrite(now, size, appLimited)
	d.sentBytes.Add(int64(size))
	return true
}

// SentBytes reports cumulative bytes written through WriteChunk.
func (d *Driver) SentBytes() int64 { return d.sentBytes.Load() }
