//go:build linux

package driver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// linuxTelemetry reads kernel TCP_INFO via getsockopt, the same
// SyscallConn-mediated pattern used to reach a raw socket's file descriptor
// from a *net.TCPConn before issuing the syscall directly.
type linuxTelemetry struct{}

func newTelemetrySource() telemetrySource { return linuxTelemetry{} }

func (linuxTelemetry) Sample(fd uintptr) (KernelSample, error) {
	info, err := unix.GetsockoptTCPInfo(int(fd), unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return KernelSample{}, fmt.Errorf("driver: getsockopt TCP_INFO: %w", err)
	}

	var s KernelSample
	s.AvgURTT = info.Rtt
	s.SRTTUs = info.Rtt
	s.MinRTT = info.Min_rtt
	s.Cwnd = info.Snd_cwnd
	s.PacketsOut = info.Unacked
	s.PacingRate = uint32(info.Pacing_rate)
	s.RetransOut = info.Retrans

	s.Delivered = info.Delivered
	s.Lost = info.Lost
	s.SndUna = info.Bytes_acked
	s.RTTUs = info.Rtt
	s.MaxPacingRate = info.Max_pacing_rate
	s.CurrentPacing = info.Pacing_rate
	s.CAState = info.Ca_state

	if info.Unacked > 0 {
		s.LossRatio = float64(info.Retrans) / float64(info.Unacked)
	}

	return s, nil
}
