package driver

import (
	"bufio"
	"fmt"
	"io"
)

// PerfLogRow is one row of the RL-mode performance log: a tab-separated
// snapshot of the telemetry a control tick observed plus the cwnd the
// kernel reported versus the one the policy assigned.
type PerfLogRow struct {
	MinRTT        uint32
	AvgURTT       uint32
	Cnt           uint64
	SRTTUs        uint32
	AvgThr        uint32
	ThrCnt        uint64
	PacingRate    uint32
	LossBytes     uint32
	PacketsOut    uint32
	RetransOut    uint32
	MaxPacketsOut uint32
	CwndKernel    uint32
	CwndAssigned  uint32
}

// PerfLogWriter appends PerfLogRow entries to a tab-separated file, matching
// the RL-mode performance log the reference sender/receiver CLIs maintain
// alongside their bulk-transfer threads.
type PerfLogWriter struct {
	w         *bufio.Writer
	closer    io.Closer
	wroteHead bool
}

// NewPerfLogWriter wraps an already-opened destination.
func NewPerfLogWriter(dst io.WriteCloser) *PerfLogWriter {
	return &PerfLogWriter{w: bufio.NewWriter(dst), closer: dst}
}

var perfLogHeader = []string{
	"min_rtt", "avg_urtt", "cnt", "srtt_us", "avg_thr", "thr_cnt",
	"pacing_rate", "loss_bytes", "packets_out", "retrans_out",
	"max_packets_out", "cwnd_kernel", "cwnd_assigned",
}

// Write appends one row, writing the header first if this is the first
// call.
func (p *PerfLogWriter) Write(r PerfLogRow) error {
	if !p.wroteHead {
		for i, h := range perfLogHeader {
			if i > 0 {
				fmt.Fprint(p.w, "\t")
			}
			fmt.Fprint(p.w, h)
		}
		fmt.Fprint(p.w, "\n")
		p.wroteHead = true
	}
	_, err := fmt.Fprintf(p.w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		r.MinRTT, r.AvgURTT, r.Cnt, r.SRTTUs, r.AvgThr, r.ThrCnt,
		r.PacingRate, r.LossBytes, r.PacketsOut, r.RetransOut,
		r.MaxPacketsOut, r.CwndKernel, r.CwndAssigned)
	if err != nil {
		return fmt.Errorf("driver: write perf log row: %w", err)
	}
	return p.w.Flush()
}

// Close flushes and closes the underlying destination.
func (p *PerfLogWriter) Close() error {
	if err := p.w.Flush(); err != nil {
		return err
	}
	return p.closer.Close()
}
