// Package weights implements the streamed weight distribution protocol
// that runs after config exchange: for each destination node, the root
// writes a sequence of {nameLen, name, opIndex, offset, nBytes, bytes}
// records terminated by nameLen==0, and the worker loops reading them
// until it sees the terminator.
package weights

import (
	"github.com/distnn/distnn/netmesh"
)

// LocalLoader installs one weight (or weight slice) into the local
// executor. Both the root (for its own slice) and a worker (for
// whatever the root ships it) call through this same signature.
type LocalLoader func(opName string, opIndex int, offset, nBytes uint64, weight []byte) error

// Writer runs on the root, streaming weights to every worker socket.
type Writer struct {
	net       *netmesh.Network
	nNodes    int
	loadLocal LocalLoader
	temp      []byte
}

// NewWriter returns a Writer that loads node 0's own share of every
// weight through loadLocal and ships the rest over net.
func NewWriter(net *netmesh.Network, nNodes int, loadLocal LocalLoader) *Writer {
	return &Writer{net: net, nNodes: nNodes, loadLocal: loadLocal}
}

func (w *Writer) allocate(size uint64) {
	if uint64(len(w.temp)) < size {
		w.temp = make([]byte, size)
	}
}

// LoadRoot installs weight only on node 0 — used for ops that only the
// root ever runs.
func (w *Writer) LoadRoot(opName string, opIndex int, nBytes uint64, weight []byte) error {
	return w.loadLocal(opName, opIndex, 0, nBytes, weight[:nBytes])
}

// LoadAll installs an identical, unsliced copy of weight on every node.
func (w *Writer) LoadAll(opName string, opIndex int, nBytes uint64, weight []byte) error {
	if err := w.loadLocal(opName, opIndex, 0, nBytes, weight[:nBytes]); err != nil {
		return err
	}
	for nodeIndex := 1; nodeIndex < w.nNodes; nodeIndex++ {
		if err := w.writeWeight(nodeIndex, opName, opIndex, 0, nBytes, weight[:nBytes]); err != nil {
			return err
		}
	}
	return nil
}

// LoadSliced splits weight across the cluster using split, one slice
// per node, and installs each node's slice — locally via loadLocal for
// node 0, over the wire for the rest. expertIndex selects which
// sliceNBytes-sized region of a multi-expert weight this call targets;
// pass 0 for non-expert weights. When there is only one node, split is
// skipped entirely: node 0's slice of a single-node cluster is the
// whole tensor.
func (w *Writer) LoadSliced(opName string, opIndex int, expertIndex int, sliceNBytes uint64, weight []byte, split SplitFunc) error {
	offset := uint64(expertIndex) * sliceNBytes
	if w.nNodes == 1 {
		return w.loadLocal(opName, opIndex, offset, sliceNBytes, weight[:sliceNBytes])
	}
	w.allocate(sliceNBytes)
	for nodeIndex := 0; nodeIndex < w.nNodes; nodeIndex++ {
		slice := w.temp[:sliceNBytes]
		split(slice, weight, nodeIndex, w.nNodes)
		if nodeIndex == 0 {
			if err := w.loadLocal(opName, opIndex, offset, sliceNBytes, slice); err != nil {
				return err
			}
			continue
		}
		if err := w.writeWeight(nodeIndex, opName, opIndex, offset, sliceNBytes, slice); err != nil {
			return err
		}
	}
	return nil
}

// Finish sends the nameLen==0 terminator to every worker and waits for
// its ACK, signaling that weight loading is complete.
func (w *Writer) Finish() error {
	for socketIndex := 0; socketIndex < w.nNodes-1; socketIndex++ {
		if err := writeUint32(w.net, socketIndex, 0); err != nil {
			return err
		}
		if err := w.net.ReadAck(socketIndex); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeWeight(nodeIndex int, opName string, opIndex int, offset, nBytes uint64, weight []byte) error {
	socketIndex := nodeIndex - 1
	name := append([]byte(opName), 0)
	if err := writeUint32(w.net, socketIndex, uint32(len(name))); err != nil {
		return err
	}
	if err := w.net.Write(socketIndex, name); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(opIndex)); err != nil {
		return err
	}
	if err := writeUint64(w.net, socketIndex, offset); err != nil {
		return err
	}
	if err := writeUint64(w.net, socketIndex, nBytes); err != nil {
		return err
	}
	return w.net.Write(socketIndex, weight[:nBytes])
}

// rootSocketIndex is the index of the root's socket in a worker's
// socket array.
const rootSocketIndex = 0

// Reader runs on a worker, receiving records from the root until the
// terminator arrives.
type Reader struct {
	net       *netmesh.Network
	loadLocal LocalLoader
	temp      []byte
}

// NewReader returns a Reader that installs every incoming record via
// loadLocal.
func NewReader(net *netmesh.Network, loadLocal LocalLoader) *Reader {
	return &Reader{net: net, loadLocal: loadLocal}
}

func (r *Reader) allocate(size uint64) {
	if uint64(len(r.temp)) < size {
		r.temp = make([]byte, size)
	}
}

// Read loops reading weight records until the terminator, then ACKs
// and returns.
func (r *Reader) Read() error {
	for {
		nameLen, err := readUint32(r.net, rootSocketIndex)
		if err != nil {
			return err
		}
		if nameLen == 0 {
			return r.net.WriteAck(rootSocketIndex)
		}
		nameBuf := make([]byte, nameLen)
		if err := r.net.Read(rootSocketIndex, nameBuf); err != nil {
			return err
		}
		if nameBuf[len(nameBuf)-1] == 0 {
			nameBuf = nameBuf[:len(nameBuf)-1]
		}
		opName := string(nameBuf)

		opIndexU, err := readUint32(r.net, rootSocketIndex)
		if err != nil {
			return err
		}
		offset, err := readUint64(r.net, rootSocketIndex)
		if err != nil {
			return err
		}
		nBytes, err := readUint64(r.net, rootSocketIndex)
		if err != nil {
			return err
		}
		r.allocate(nBytes)
		if err := r.net.Read(rootSocketIndex, r.temp[:nBytes]); err != nil {
			return err
		}
		if err := r.loadLocal(opName, int(opIndexU), offset, nBytes, r.temp[:nBytes]); err != nil {
			return err
		}
	}
}

func writeUint32(net *netmesh.Network, socketIndex int, v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	return net.Write(socketIndex, buf[:])
}

func readUint32(net *netmesh.Network, socketIndex int) (uint32, error) {
	var buf [4]byte
	if err := net.Read(socketIndex, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func writeUint64(net *netmesh.Network, socketIndex int, v uint64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return net.Write(socketIndex, buf[:])
}

func readUint64(net *netmesh.Network, socketIndex int) (uint64, error) {
	var buf [8]byte
	if err := net.Read(socketIndex, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}
