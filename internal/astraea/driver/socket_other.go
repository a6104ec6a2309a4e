//go:build !linux

package driver

import (
	"fmt"
	"net"
)

// socketFD has no portable implementation: the driver only ever needs the
// raw fd to issue Linux-specific socket options, so on other platforms the
// caller gets the same clear error the telemetry fallback produces.
func socketFD(conn *net.TCPConn) (fd uintptr, release func(), err error) {
	return 0, nil, fmt.Errorf("driver: raw socket access is only available on linux")
}

func setsockoptInt(fd uintptr, opt int, value int) error {
	return fmt.Errorf("driver: setsockopt is only available on linux")
}
