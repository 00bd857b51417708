// Package mesh implements cluster bring-up: two entry points, Serve
// (worker side) and Connect (root side), that exchange peer lists over
// an initial bootstrap connection and produce a fully connected,
// consistently indexed socket array on every node.
package mesh

import (
	"context"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/distnn/distnn/dnnerr"
	"github.com/distnn/distnn/netmesh"
	"github.com/distnn/distnn/sockconn"
)

// Peer is one other node's dial address, as told to a worker by the
// root during bring-up.
type Peer struct {
	Host string
	Port int
}

func (p Peer) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// SocketIndexForPeer returns the socket-array index self uses to talk
// to peer. This is the single implementation of the indexing rule,
// called by both bring-up and the collective layer's star path.
func SocketIndexForPeer(self, peer int) int {
	if peer == self {
		panic("a node has no socket to itself")
	}
	if peer < self {
		return peer
	}
	return peer - 1
}

// PeerForSocketIndex is the inverse of SocketIndexForPeer.
func PeerForSocketIndex(self, socket int) int {
	if socket < self {
		return socket
	}
	return socket + 1
}

// Serve is the worker-side entry point. It listens on port, accepts a
// single inbound connection from the root, learns its own node index
// and the address of every other peer, ACKs, waits for the "root
// ready" ACK, then dials or accepts each other peer in the
// deterministic order that avoids dial/accept races.
func Serve(ctx context.Context, port int, opts ...netmesh.Option) (*netmesh.Network, int, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, 0, dnnerr.WrapCause(dnnerr.Connection, err, "listen on port "+strconv.Itoa(port))
	}
	defer ln.Close()

	rootTCP, err := acceptOne(ctx, ln)
	if err != nil {
		return nil, 0, dnnerr.WrapCause(dnnerr.Connection, err, "accept root connection")
	}
	rootConn := sockconn.Wrap(rootTCP)

	nSockets32, err := sockconn.ReadUint32(rootConn)
	if err != nil {
		return nil, 0, err
	}
	nSockets := int(nSockets32)

	nodeIndex32, err := sockconn.ReadUint32(rootConn)
	if err != nil {
		return nil, 0, err
	}
	nodeIndex := int(nodeIndex32)

	runID, err := sockconn.ReadString(rootConn)
	if err != nil {
		return nil, 0, err
	}

	peers := make([]Peer, nSockets-1)
	for i := range peers {
		host, err := sockconn.ReadString(rootConn)
		if err != nil {
			return nil, 0, err
		}
		port32, err := sockconn.ReadUint32(rootConn)
		if err != nil {
			return nil, 0, err
		}
		peers[i] = Peer{Host: host, Port: int(port32)}
	}

	if err := rootConn.WriteAck(); err != nil {
		return nil, 0, err
	}
	if err := rootConn.ReadAck(); err != nil {
		return nil, 0, dnnerr.WrapCause(dnnerr.Connection, err, "waiting for root-ready ACK")
	}

	conns := make([]*sockconn.Conn, nSockets)
	conns[0] = rootConn

	for j := 1; j < nSockets; j++ {
		peerNode := PeerForSocketIndex(nodeIndex, j)
		// peers was sent in ascending socket-index order (Connect
		// visits workers 0..nWorkers-1 skipping self in the same
		// order Serve visits sockets 1..nSockets-1), so socket j's
		// peer is simply peers[j-1] — no re-derivation of peerNode
		// needed to index it, only to decide dial-vs-accept below.
		peer := peers[j-1]
		if peerNode >= nodeIndex {
			c, err := sockconn.Dial("tcp", peer.addr())
			if err != nil {
				return nil, 0, err
			}
			conns[j] = c
		} else {
			tcp, err := acceptOne(ctx, ln)
			if err != nil {
				return nil, 0, dnnerr.WrapCause(dnnerr.Connection, err, "accept peer connection")
			}
			conns[j] = sockconn.Wrap(tcp)
		}
	}

	return netmesh.New(conns, append(opts, netmesh.WithRunID(runID))...), nodeIndex, nil
}

// Connect is the root-side entry point. It dials every worker in
// order, telling each one the socket count, its assigned node index,
// and the full peer table, then signals "root ready" once every peer
// is connected.
func Connect(ctx context.Context, hosts []string, ports []int, opts ...netmesh.Option) (*netmesh.Network, error) {
	if len(hosts) != len(ports) {
		return nil, dnnerr.Wrap(dnnerr.Configuration, "hosts and ports must have equal length")
	}
	nWorkers := len(hosts)
	// Every node's socket array holds exactly N-1 entries (one per
	// peer), and N-1 == nWorkers here since N is the nWorkers workers
	// plus the root. The wire field "nSockets" sent
	// below is this same value, shared by root and every worker.
	nSockets := nWorkers
	runID := uuid.New().String()

	conns := make([]*sockconn.Conn, nSockets)
	for i := 0; i < nWorkers; i++ {
		addr := net.JoinHostPort(hosts[i], strconv.Itoa(ports[i]))
		var d net.Dialer
		tcpConn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, dnnerr.WrapCause(dnnerr.Connection, err, "dial worker "+addr)
		}
		conn := sockconn.Wrap(tcpConn.(*net.TCPConn))

		workerNodeIndex := i + 1
		if err := sockconn.WriteUint32(conn, uint32(nSockets)); err != nil {
			return nil, err
		}
		if err := sockconn.WriteUint32(conn, uint32(workerNodeIndex)); err != nil {
			return nil, err
		}
		if err := sockconn.WriteString(conn, runID); err != nil {
			return nil, err
		}
		for j := 0; j < nWorkers; j++ {
			if j == i {
				continue
			}
			if err := sockconn.WriteString(conn, hosts[j]); err != nil {
				return nil, err
			}
			if err := sockconn.WriteUint32(conn, uint32(ports[j])); err != nil {
				return nil, err
			}
		}
		if err := conn.ReadAck(); err != nil {
			return nil, dnnerr.WrapCause(dnnerr.Connection, err, "waiting for worker ACK")
		}
		conns[SocketIndexForPeer(0, workerNodeIndex)] = conn
	}

	for i := 0; i < nSockets; i++ {
		if err := conns[i].WriteAck(); err != nil {
			return nil, err
		}
	}

	return netmesh.New(conns, append(opts, netmesh.WithRunID(runID))...), nil
}

func acceptOne(ctx context.Context, ln net.Listener) (*net.TCPConn, error) {
	type result struct {
		conn *net.TCPConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			ch <- result{nil, err}
			return
		}
		tcp, ok := c.(*net.TCPConn)
		if !ok {
			c.Close()
			ch <- result{nil, dnnerr.Wrap(dnnerr.Connection, "accepted non-TCP connection")}
			return
		}
		ch <- result{tcp, nil}
	}()
	select {
	case <-ctx.Done():
		ln.Close()
		<-ch
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
