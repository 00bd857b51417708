// Package collective implements the cross-node synchronization
// patterns the executor's SYNC_NODES steps drive: one-to-all broadcast
// from the root, and all-to-all all-reduce-with-sum over star or ring
// topologies. Every function here is called cooperatively by all
// nThreads of a node's worker pool, the same way an op's forward is,
// but only the threads the pattern's discipline allows actually touch
// a socket — the rest return immediately.
package collective

import (
	"github.com/distnn/distnn/dnnerr"
	"github.com/distnn/distnn/mesh"
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
)

// CollectiveType selects the topology SyncNodeSlicesAll and
// SyncNodeSlicesExceptRoot use. Auto picks Star for small clusters and
// Ring for larger ones, matching the source's threshold.
type CollectiveType int

const (
	Auto CollectiveType = iota
	Star
	Ring
)

// autoRingThreshold is the cluster size above which Auto switches from
// Star to Ring.
const autoRingThreshold = 4

func (c CollectiveType) resolve(nNodes int) CollectiveType {
	if c != Auto {
		return c
	}
	if nNodes <= autoRingThreshold {
		return Star
	}
	return Ring
}

// BroadcastStrategy selects the topology SyncWithRoot uses. FanOut is
// the source's wired default: root partitions its direct sends across
// the thread pool. Tree promotes the source's unwired binary-tree
// broadcast to a first-class, selectable, tested alternative rather
// than leaving it unreachable.
type BroadcastStrategy int

const (
	FanOut BroadcastStrategy = iota
	Tree
)

// SyncWithRoot performs a one-to-all broadcast from node 0 of buf to
// every other node. On the root, the nNodes-1 sends are partitioned
// across the thread pool; on a worker, only thread 0 reads. There is
// no ACK — correctness is guaranteed by the executor's next step
// barrier.
func SyncWithRoot(net *netmesh.Network, selfIndex, nNodes int, buf []byte, nThreads, threadIndex int, strategy BroadcastStrategy) error {
	if strategy == Tree {
		return treeBroadcast(net, selfIndex, nNodes, buf, threadIndex)
	}
	if selfIndex == 0 {
		sockets := socketsForThread(net.NumSockets(), nThreads, threadIndex)
		if len(sockets) == 0 {
			return nil
		}
		ios := make([]netmesh.IO, len(sockets))
		for i, s := range sockets {
			ios[i] = netmesh.IO{SocketIndex: s, Data: buf}
		}
		return net.WriteMany(ios)
	}
	if threadIndex != 0 {
		return nil
	}
	return net.Read(0, buf)
}

// socketsForThread returns the socket indices thread threadIndex of
// nThreads owns when nSockets sends are partitioned round-robin across
// the pool.
func socketsForThread(nSockets, nThreads, threadIndex int) []int {
	var out []int
	for s := threadIndex; s < nSockets; s += nThreads {
		out = append(out, s)
	}
	return out
}

// SyncNodeSlicesAll performs an all-to-all all-reduce-with-sum over
// the full mesh: every node ends up holding the elementwise sum of
// every node's pre-sync buffer.
func SyncNodeSlicesAll(net *netmesh.Network, selfIndex, nNodes int, buf []byte, floatType netconf.FloatType, nThreads, threadIndex int, ctype CollectiveType) error {
	return syncNodeSlices(net, selfIndex, nNodes, buf, floatType, nThreads, threadIndex, ctype, false)
}

// SyncNodeSlicesExceptRoot performs only the gather/reduce-scatter
// half of the pattern. Under Star, the root ends up holding the sum of
// every node's buffer and workers are left untouched. Under Ring, this
// runs reduce-scatter only: every node ends up holding its own chunk
// (at index selfIndex) fully reduced — so root ends up with chunk 0 —
// and the rest of its buffer is left partially summed, a narrower
// contract than Star's. Callers that need the whole reduced buffer on
// root under Ring must use SyncNodeSlicesAll instead.
func SyncNodeSlicesExceptRoot(net *netmesh.Network, selfIndex, nNodes int, buf []byte, floatType netconf.FloatType, nThreads, threadIndex int, ctype CollectiveType) error {
	return syncNodeSlices(net, selfIndex, nNodes, buf, floatType, nThreads, threadIndex, ctype, true)
}

func syncNodeSlices(net *netmesh.Network, selfIndex, nNodes int, buf []byte, floatType netconf.FloatType, nThreads, threadIndex int, ctype CollectiveType, exceptRoot bool) error {
	if threadIndex != 0 {
		// Both topologies are single-threaded to avoid races on the
		// shared pipe buffer.
		return nil
	}
	if len(buf)%nNodes != 0 {
		return dnnerr.Wrapf(dnnerr.Configuration, "pipe of %d bytes not divisible by %d nodes", len(buf), nNodes)
	}
	switch ctype.resolve(nNodes) {
	case Ring:
		return ringAllReduce(net, selfIndex, nNodes, buf, floatType, exceptRoot)
	default:
		return starAllReduce(net, selfIndex, nNodes, buf, floatType, exceptRoot)
	}
}

// socketIndexForPeer is the collective layer's one entry point into
// the shared socket-indexing rule.
func socketIndexForPeer(self, peer int) int {
	return mesh.SocketIndexForPeer(self, peer)
}
