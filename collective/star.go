package collective

import (
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
)

// starAllReduce implements the root-centric gather/reduce/broadcast
// pattern: the root reads every worker's buffer in turn, sums it into
// its own, then (unless exceptRoot) writes the sum back out to every
// worker. It is single-threaded by construction — the root's reads and
// writes happen in sequence on one socket at a time, matching the
// source's starAllReduce. Workers just send once and,
// unless exceptRoot, block for the broadcast reply.
func starAllReduce(net *netmesh.Network, selfIndex, nNodes int, buf []byte, floatType netconf.FloatType, exceptRoot bool) error {
	if selfIndex == 0 {
		tmp := make([]byte, len(buf))
		for peer := 1; peer < nNodes; peer++ {
			sock := socketIndexForPeer(0, peer)
			if err := net.Read(sock, tmp); err != nil {
				return err
			}
			reduceSum(buf, tmp, floatType)
		}
		if exceptRoot {
			return nil
		}
		for peer := 1; peer < nNodes; peer++ {
			sock := socketIndexForPeer(0, peer)
			if err := net.Write(sock, buf); err != nil {
				return err
			}
		}
		return nil
	}

	sock := socketIndexForPeer(selfIndex, 0)
	if err := net.Write(sock, buf); err != nil {
		return err
	}
	if exceptRoot {
		return nil
	}
	return net.Read(sock, buf)
}

// starGatherBroadcast is the alternate star variant the source carries
// alongside starAllReduce: the root gathers every worker's buffer into
// a caller-supplied full-width scratch area (one slot per node, not
// summed) and then broadcasts the concatenation back out, rather than
// reducing with addition. Nothing in the module calls it: no
// CollectiveType or BroadcastStrategy value selects it and no test
// exercises it.
func starGatherBroadcast(net *netmesh.Network, selfIndex, nNodes int, myChunk []byte, scratch []byte) error {
	chunkSize := len(myChunk)
	if selfIndex == 0 {
		copy(scratch[:chunkSize], myChunk)
		for peer := 1; peer < nNodes; peer++ {
			sock := socketIndexForPeer(0, peer)
			if err := net.Read(sock, scratch[peer*chunkSize:(peer+1)*chunkSize]); err != nil {
				return err
			}
		}
		for peer := 1; peer < nNodes; peer++ {
			sock := socketIndexForPeer(0, peer)
			if err := net.Write(sock, scratch); err != nil {
				return err
			}
		}
		return nil
	}

	sock := socketIndexForPeer(selfIndex, 0)
	if err := net.Write(sock, myChunk); err != nil {
		return err
	}
	return net.Read(sock, scratch)
}
