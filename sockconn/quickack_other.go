//go:build !linux

package sockconn

import "net"

// setQuickAck is a no-op on platforms without TCP_QUICKACK.
func setQuickAck(tcp *net.TCPConn) {}
