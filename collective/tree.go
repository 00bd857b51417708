package collective

import "github.com/distnn/distnn/netmesh"

// treeBroadcast distributes buf from node 0 along a binary tree
// instead of the root's direct fan-out: node i receives from its
// parent (i-1)/2 and forwards to children 2i+1 and 2i+2. This halves
// the root's fan-out degree at the cost of extra hops, and is promoted
// here to a selectable, tested strategy rather than left as unreachable
// source code.
func treeBroadcast(net *netmesh.Network, selfIndex, nNodes int, buf []byte, threadIndex int) error {
	if threadIndex != 0 {
		return nil
	}
	if selfIndex != 0 {
		parent := (selfIndex - 1) / 2
		sock := socketIndexForPeer(selfIndex, parent)
		if err := net.Read(sock, buf); err != nil {
			return err
		}
	}

	left := 2*selfIndex + 1
	right := 2*selfIndex + 2
	if left < nNodes {
		sock := socketIndexForPeer(selfIndex, left)
		if err := net.Write(sock, buf); err != nil {
			return err
		}
	}
	if right < nNodes {
		sock := socketIndexForPeer(selfIndex, right)
		if err := net.Write(sock, buf); err != nil {
			return err
		}
	}
	return nil
}
