//go:build linux

package listener

import "golang.org/x/sys/unix"

// setRecvBuffer asks for size bytes of kernel receive buffer. SO_RCVBUF is
// capped by net.core.rmem_max, so SO_RCVBUFFORCE is tried when the granted
// size falls short (it needs CAP_NET_ADMIN). Returns the size the kernel
// reports, which Linux doubles for bookkeeping overhead.
func setRecvBuffer(fd uintptr, size int) (int, error) {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return 0, err
	}
	got, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, err
	}
	if got/2 < size {
		if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size) == nil {
			got, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		}
	}
	return got, nil
}
