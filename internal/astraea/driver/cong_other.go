//go:build !linux

package driver

import (
	"fmt"
	"net"
)

// SetCongestionControl is a logged no-op on non-Linux platforms; see
// tcpinfo_other.go for the matching telemetry fallback.
func SetCongestionControl(conn *net.TCPConn, name string) error {
	if name == "" {
		return nil
	}
	return fmt.Errorf("driver: TCP_CONGESTION is only settable on linux")
}
