package collective

import (
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
)

// ringAllReduce implements reduce-scatter followed by all-gather
// around the N-node ring 0→1→...→(N-1)→0, grounded on
// the source's ringAllReduce. buf is split into nNodes equal chunks;
// each step trades one chunk with a neighbor. Even-indexed nodes write
// before they read and odd-indexed nodes read before they write, so
// two neighbors never both block attempting to write into a full send
// buffer at the same time.
func ringAllReduce(net *netmesh.Network, selfIndex, nNodes int, buf []byte, floatType netconf.FloatType, exceptRoot bool) error {
	chunkSize := len(buf) / nNodes
	chunk := func(i int) []byte {
		i = ((i % nNodes) + nNodes) % nNodes
		return buf[i*chunkSize : (i+1)*chunkSize]
	}

	next := socketIndexForPeer(selfIndex, (selfIndex+1)%nNodes)
	prev := socketIndexForPeer(selfIndex, (selfIndex-1+nNodes)%nNodes)
	scratch := make([]byte, chunkSize)

	exchange := func(sendChunk, recvChunk int, add bool) error {
		send := chunk(sendChunk)
		var recvInto []byte
		if add {
			recvInto = scratch
		} else {
			recvInto = chunk(recvChunk)
		}
		if selfIndex%2 == 0 {
			if err := net.Write(next, send); err != nil {
				return err
			}
			if err := net.Read(prev, recvInto); err != nil {
				return err
			}
		} else {
			if err := net.Read(prev, recvInto); err != nil {
				return err
			}
			if err := net.Write(next, send); err != nil {
				return err
			}
		}
		if add {
			reduceSum(chunk(recvChunk), scratch, floatType)
		}
		return nil
	}

	// Reduce-scatter: at step i each node relays the partial sum it is
	// carrying one hop further and picks up the next term for the chunk
	// it is accumulating. After nNodes-1 steps, node r's own chunk r
	// holds the full sum (every node ends up owning its own index, so
	// root ends up holding chunk 0 fully reduced).
	for i := 0; i < nNodes-1; i++ {
		sendChunk := selfIndex - i - 1
		recvChunk := selfIndex - i - 2
		if err := exchange(sendChunk, recvChunk, true); err != nil {
			return err
		}
	}

	if exceptRoot {
		return nil
	}

	// All-gather: propagate each node's fully-reduced chunk around the
	// ring without further summing, until every node holds every chunk.
	for i := 0; i < nNodes-1; i++ {
		sendChunk := selfIndex - i
		recvChunk := selfIndex - i - 1
		if err := exchange(sendChunk, recvChunk, false); err != nil {
			return err
		}
	}
	return nil
}

// RingAllGather propagates buf's chunk at index selfIndex to every
// other node without any reduction, filling in the rest of buf — the
// gather-only half of the ring pattern, promoted to a first-class,
// directly callable, tested operation rather than left reachable only
// as a step inside all-reduce.
func RingAllGather(net *netmesh.Network, selfIndex, nNodes int, buf []byte) error {
	chunkSize := len(buf) / nNodes
	chunk := func(i int) []byte {
		i = ((i % nNodes) + nNodes) % nNodes
		return buf[i*chunkSize : (i+1)*chunkSize]
	}
	next := socketIndexForPeer(selfIndex, (selfIndex+1)%nNodes)
	prev := socketIndexForPeer(selfIndex, (selfIndex-1+nNodes)%nNodes)

	for i := 0; i < nNodes-1; i++ {
		sendChunk := selfIndex - i
		recvChunk := selfIndex - i - 1
		send := chunk(sendChunk)
		recv := chunk(recvChunk)
		if selfIndex%2 == 0 {
			if err := net.Write(next, send); err != nil {
				return err
			}
			if err := net.Read(prev, recv); err != nil {
				return err
			}
		} else {
			if err := net.Read(prev, recv); err != nil {
				return err
			}
			if err := net.Write(next, send); err != nil {
				return err
			}
		}
	}
	return nil
}
