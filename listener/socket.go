package listener

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// OpenSocket binds the UDP data port ip:port and sizes its receive buffer.
// It returns the connection and the buffer size the kernel granted (0 when
// the platform does not report it). bufSize ≤ 0 keeps the OS default.
func OpenSocket(ip string, port, bufSize int) (*net.UDPConn, int, error) {
	var granted int
	var optErr error
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if bufSize <= 0 {
				return nil
			}
			return c.Control(func(fd uintptr) {
				granted, optErr = setRecvBuffer(fd, bufSize)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, fmt.Errorf("listener: bind %s:%d: %w", ip, port, err)
	}
	if optErr != nil {
		pc.Close()
		return nil, 0, fmt.Errorf("listener: receive buffer on %s:%d: %w", ip, port, optErr)
	}
	return pc.(*net.UDPConn), granted, nil
}
