//go:build linux

package driver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetCongestionControl applies name as the data socket's TCP_CONGESTION
// algorithm, the socket-level knob the sender and receiver CLIs expose as
// --cong. This is independent of the bandwidth-plateau detector/cwnd
// override above it: it only selects which host-stack algorithm runs
// underneath, same as calling setsockopt(TCP_CONGESTION) from any other
// userspace tool.
func SetCongestionControl(conn *net.TCPConn, name string) error {
	if name == "" {
		return nil
	}
	fd, release, err := socketFD(conn)
	if err != nil {
		return fmt.Errorf("driver: set congestion control: %w", err)
	}
	defer release()
	if err := unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, name); err != nil {
		return fmt.Errorf("driver: setsockopt TCP_CONGESTION %q: %w", name, err)
	}
	return nil
}
