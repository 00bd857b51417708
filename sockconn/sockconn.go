// Package sockconn implements the blocking/non-blocking TCP primitives
// every other component is built on: TCP_NODELAY and TCP_QUICKACK
// tuning, chunked bulk I/O, a bounded-attempt read for opportunistic
// probes, and the fixed ACK sentinel used to fence handshake phases
// throughout the wire protocols.
package sockconn

import (
	"net"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/distnn/distnn/dnnerr"
)

// ChunkBytes is the boundary bulk I/O is chunked at.
const ChunkBytes = 4096

// Ack is the fixed 32-bit sentinel used to fence handshake phases
// throughout the bring-up, config, and weight wire protocols.
const Ack uint32 = 23571114

// SpinPolicy controls what Read and Write do between chunks while turbo
// mode is enabled: PolicyBlock yields the processor (runtime.Gosched)
// after each chunk; PolicySpin goes straight on to the next chunk. The
// socket uses Go's ordinary blocking I/O under either policy.
type SpinPolicy int

const (
	PolicySpin SpinPolicy = iota
	PolicyBlock
)

// Conn wraps one TCP connection with the tuning and chunked I/O helpers
// every collective and bring-up call relies on.
type Conn struct {
	tcp    *net.TCPConn
	turbo  bool
	policy SpinPolicy
}

// Dial connects to addr and applies TCP_NODELAY/TCP_QUICKACK. It sets
// no SO_REUSEADDR option (Go's net package does not expose it on the
// client side; it applies only to listeners).
func Dial(network, addr string) (*Conn, error) {
	c, err := net.Dial(network, addr)
	if err != nil {
		return nil, dnnerr.WrapCause(dnnerr.Connection, err, "dial "+addr)
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, dnnerr.Wrapf(dnnerr.Connection, "dial %s: not a TCP connection", addr)
	}
	return newConn(tcp), nil
}

// Wrap adapts an already-accepted *net.TCPConn (from a Listener) into a
// Conn with the same tuning applied.
func Wrap(tcp *net.TCPConn) *Conn {
	return newConn(tcp)
}

func newConn(tcp *net.TCPConn) *Conn {
	tcp.SetNoDelay(true)
	setQuickAck(tcp)
	return &Conn{tcp: tcp}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.tcp.Close()
}

// SetTurbo toggles turbo mode on this connection. The socket is not
// switched to non-blocking mode and would-block results are not spun
// on; turbo only makes Read and Write yield after each chunk when the
// policy is PolicyBlock.
func (c *Conn) SetTurbo(turbo bool) {
	c.turbo = turbo
}

// SetPolicy sets the spin policy used while turbo is enabled.
func (c *Conn) SetPolicy(p SpinPolicy) {
	c.policy = p
}

// Write sends exactly n bytes of buf, chunked at ChunkBytes boundaries.
func (c *Conn) Write(buf []byte) error {
	total := 0
	for total < len(buf) {
		end := total + ChunkBytes
		if end > len(buf) {
			end = len(buf)
		}
		nw, err := c.tcp.Write(buf[total:end])
		if err != nil {
			return dnnerr.WrapCause(dnnerr.Transfer, err, "write")
		}
		total += nw
		c.maybeYield()
	}
	return nil
}

// Read fills buf completely, chunked at ChunkBytes boundaries. A short
// read before EOF or peer close surfaces as a Transfer error.
func (c *Conn) Read(buf []byte) error {
	total := 0
	for total < len(buf) {
		end := total + ChunkBytes
		if end > len(buf) {
			end = len(buf)
		}
		nr, err := c.tcp.Read(buf[total:end])
		if err != nil {
			return dnnerr.WrapCause(dnnerr.Transfer, err, "read")
		}
		if nr == 0 {
			return dnnerr.Wrap(dnnerr.Transfer, "peer closed connection mid-stream")
		}
		total += nr
		c.maybeYield()
	}
	return nil
}

// TryReadWithMaxAttempts attempts to read len(buf) bytes, but gives up
// and returns false if maxAttempts consecutive would-block results
// accumulate before any byte has arrived. A byte received resets the
// budget, so a slow-but-flowing peer is never falsely declared absent.
func (c *Conn) TryReadWithMaxAttempts(buf []byte, maxAttempts int) (bool, error) {
	c.tcp.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer c.tcp.SetReadDeadline(time.Time{})

	total := 0
	attempts := 0
	for total < len(buf) {
		nr, err := c.tcp.Read(buf[total:])
		if err != nil {
			if isTimeout(err) {
				attempts++
				if attempts >= maxAttempts {
					return false, nil
				}
				continue
			}
			return false, dnnerr.WrapCause(dnnerr.Transfer, err, "tryRead")
		}
		if nr == 0 {
			return false, dnnerr.Wrap(dnnerr.Transfer, "peer closed connection mid-stream")
		}
		total += nr
		attempts = 0
	}
	return true, nil
}

// WriteAck sends the fixed ACK sentinel.
func (c *Conn) WriteAck() error {
	return writeUint32(c, Ack)
}

// ReadAck reads a 32-bit value and verifies it is the ACK sentinel.
func (c *Conn) ReadAck() error {
	v, err := readUint32(c)
	if err != nil {
		return err
	}
	if v != Ack {
		return dnnerr.Wrapf(dnnerr.Transfer, "expected ACK sentinel, got %d", v)
	}
	return nil
}

func (c *Conn) maybeYield() {
	if c.turbo && c.policy == PolicyBlock {
		runtime.Gosched()
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	cause := errors.Cause(err)
	if t, ok := cause.(timeouter); ok {
		return t.Timeout()
	}
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
