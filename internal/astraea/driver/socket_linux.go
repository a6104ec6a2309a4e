//go:build linux

package driver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// socketFD reaches the raw file descriptor behind a *net.TCPConn via its
// SyscallConn, the same pattern used to issue the TCP_INFO getsockopt
// directly against the connection's socket. The fd is captured inside
// Control and used after Control returns; the returned release func does
// nothing on Linux and holds nothing open.
func socketFD(conn *net.TCPConn) (fd uintptr, release func(), err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, fmt.Errorf("driver: syscall conn: %w", err)
	}
	var captured uintptr
	ctrlErr := raw.Control(func(f uintptr) {
		captured = f
	})
	if ctrlErr != nil {
		return 0, nil, fmt.Errorf("driver: control: %w", ctrlErr)
	}
	return captured, func() {}, nil
}

func setsockoptInt(fd uintptr, opt int, value int) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_TCP, opt, value)
}
