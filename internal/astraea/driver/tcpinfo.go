package driver

import (
	"fmt"
	"net"

	"astraea-cc/internal/astraea/observation"
)

// KernelSample is the per-tick telemetry query result: the raw counters the
// observation pipeline needs (embedded) plus the cumulative fields the
// detector and performance log need that aren't part of the normalized
// feature set.
type KernelSample struct {
	observation.Telemetry

	Delivered         uint32
	Lost              uint32
	SndUna            uint64
	RTTUs             uint32
	MaxPacingRate     uint64
	CurrentPacing     uint64
	ChronoRWNDLimited bool
	IsAppLimited      bool
	CAState           uint8
}

// telemetrySource is implemented once per platform; Linux backs it with a
// real TCP_INFO getsockopt query, everything else returns a clear error so
// callers can fall back to a logged no-op rather than silently reporting
// zeroed telemetry.
type telemetrySource interface {
	Sample(fd uintptr) (KernelSample, error)
}

// SampleTelemetry queries TCP_INFO for an arbitrary connection outside the
// control-tick loop, for callers (the receiver CLI) that want perf-log rows
// without running a full driver.
func SampleTelemetry(conn *net.TCPConn) (KernelSample, error) {
	fd, release, err := socketFD(conn)
	if err != nil {
		return KernelSample{}, fmt.Errorf("driver: sample telemetry: %w", err)
	}
	defer release()
	return newTelemetrySource().Sample(fd)
}
