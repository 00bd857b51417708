//go:build linux

package sockconn

import (
	"net"
	"syscall"
)

// TCP_QUICKACK is not exposed by the syscall package on all
// architectures; its value is stable across Linux platforms.
const tcpQuickAck = 0xc

// setQuickAck best-effort enables TCP_QUICKACK. Failure is ignored:
// it is an optimization, not a correctness requirement, and older
// kernels or non-TCP sockets may not support it.
func setQuickAck(tcp *net.TCPConn) {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, tcpQuickAck, 1)
	})
}
