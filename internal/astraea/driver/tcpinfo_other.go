//go:build !linux

package driver

import "fmt"

// otherTelemetry is the non-Linux fallback: this control plane's telemetry
// query is a Linux TCP_INFO getsockopt, which has no portable equivalent on
// other platforms. Returning a clear error lets the driver log and skip the
// tick rather than silently reporting fabricated zero telemetry.
type otherTelemetry struct{}

func newTelemetrySource() telemetrySource { return otherTelemetry{} }

func (otherTelemetry) Sample(fd uintptr) (KernelSample, error) {
	return KernelSample{}, fmt.Errorf("driver: TCP_INFO telemetry is only available on linux")
}
