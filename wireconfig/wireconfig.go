// Package wireconfig implements the paired writer/reader that carries
// NetConfig and NodeConfig from root to each worker during bring-up.
// Every call is fenced by an ACK on each side: the writer sends one,
// the reader answers with one, so a partially-applied config on either
// end can never be mistaken for a complete one.
package wireconfig

import (
	"github.com/distnn/distnn/dnnerr"
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
)

// Writer sends NetConfig/NodeConfig to workers over a Network from the
// root side.
type Writer struct {
	net *netmesh.Network
}

// NewWriter returns a Writer bound to net.
func NewWriter(net *netmesh.Network) *Writer {
	return &Writer{net: net}
}

// WriteNet sends config to the worker at socketIndex.
func (w *Writer) WriteNet(socketIndex int, config *netconf.NetConfig) error {
	if err := w.net.WriteAck(socketIndex); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, config.ProtocolVersion); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(config.NBatches)); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(config.NNodes)); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(len(config.Pipes))); err != nil {
		return err
	}
	for _, pipe := range config.Pipes {
		if err := writePipeSize(w.net, socketIndex, pipe.Size); err != nil {
			return err
		}
		if err := writeString(w.net, socketIndex, pipe.Name); err != nil {
			return err
		}
	}
	if err := writeUint32(w.net, socketIndex, uint32(len(config.PreSyncs))); err != nil {
		return err
	}
	for _, ps := range config.PreSyncs {
		if err := writeUint32(w.net, socketIndex, uint32(ps.PipeIndex)); err != nil {
			return err
		}
	}
	return w.net.ReadAck(socketIndex)
}

// WriteNode sends config to the worker at socketIndex.
func (w *Writer) WriteNode(socketIndex int, config *netconf.NodeConfig) error {
	if err := w.net.WriteAck(socketIndex); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(config.NodeIndex)); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(len(config.Buffers))); err != nil {
		return err
	}
	if err := writeUint32(w.net, socketIndex, uint32(len(config.Segments))); err != nil {
		return err
	}
	for _, buf := range config.Buffers {
		if err := writeUint32(w.net, socketIndex, uint32(buf.ByteCount)); err != nil {
			return err
		}
		if err := writeString(w.net, socketIndex, buf.Name); err != nil {
			return err
		}
	}
	for _, seg := range config.Segments {
		if err := writeUint32(w.net, socketIndex, uint32(len(seg.Syncs))); err != nil {
			return err
		}
		if err := writeUint32(w.net, socketIndex, uint32(len(seg.Ops))); err != nil {
			return err
		}
		for _, sync := range seg.Syncs {
			if err := writeUint32(w.net, socketIndex, uint32(sync.PipeIndex)); err != nil {
				return err
			}
			if err := writeUint32(w.net, socketIndex, uint32(sync.Type)); err != nil {
				return err
			}
		}
		for _, op := range seg.Ops {
			if err := writeOp(w.net, socketIndex, &op); err != nil {
				return err
			}
		}
	}
	return w.net.ReadAck(socketIndex)
}

// WriteToWorkers sends netConfig (identical on every node) and each
// worker's slice of nodeConfigs to every socket in turn. nodeConfigs
// must have netConfig.NNodes entries, indexed by node index; index 0
// (root) is skipped.
func (w *Writer) WriteToWorkers(netConfig *netconf.NetConfig, nodeConfigs []netconf.NodeConfig) error {
	for nodeIndex := 1; nodeIndex < netConfig.NNodes; nodeIndex++ {
		socketIndex := nodeIndex - 1
		if err := w.WriteNet(socketIndex, netConfig); err != nil {
			return err
		}
		if err := w.WriteNode(socketIndex, &nodeConfigs[nodeIndex]); err != nil {
			return err
		}
	}
	return nil
}

// Reader receives NetConfig/NodeConfig from the root over a Network
// from a worker side. It talks to the root on rootSocketIndex, which is
// always 0 on a worker.
type Reader struct {
	net             *netmesh.Network
	protocolVersion uint32
}

// rootSocketIndex is the index of the root's socket in a worker's
// socket array.
const rootSocketIndex = 0

// NewReader returns a Reader bound to net. protocolVersion is this
// node's own wire version; a mismatch against the root's ProtocolVersion
// surfaces as a Configuration error rather than silently desyncing the
// rest of the stream.
func NewReader(net *netmesh.Network, protocolVersion uint32) *Reader {
	return &Reader{net: net, protocolVersion: protocolVersion}
}

// ReadNet receives one NetConfig from the root.
func (r *Reader) ReadNet() (netconf.NetConfig, error) {
	var config netconf.NetConfig
	if err := r.net.ReadAck(rootSocketIndex); err != nil {
		return config, err
	}
	version, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	if r.protocolVersion != 0 && version != r.protocolVersion {
		// Answer with a value other than the ACK sentinel so the writer's
		// closing ReadAck fails instead of waiting forever.
		_ = writeUint32(r.net, rootSocketIndex, 0)
		return config, dnnerr.Wrapf(dnnerr.Configuration, "protocol version mismatch: root sent %d, expected %d", version, r.protocolVersion)
	}
	config.ProtocolVersion = version

	nBatches, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	config.NBatches = int(nBatches)

	nNodes, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	config.NNodes = int(nNodes)

	nPipes, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	config.Pipes = make([]netconf.PipeDescriptor, nPipes)
	for i := range config.Pipes {
		size, err := readPipeSize(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}
		name, err := readString(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}
		config.Pipes[i] = netconf.PipeDescriptor{Size: size, Name: name}
	}

	nPreSyncs, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	config.PreSyncs = make([]netconf.PreSyncDescriptor, nPreSyncs)
	for i := range config.PreSyncs {
		pipeIndex, err := readUint32(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}
		config.PreSyncs[i] = netconf.PreSyncDescriptor{PipeIndex: int(pipeIndex)}
	}

	return config, r.net.WriteAck(rootSocketIndex)
}

// ReadNode receives one NodeConfig from the root.
func (r *Reader) ReadNode() (netconf.NodeConfig, error) {
	var config netconf.NodeConfig
	if err := r.net.ReadAck(rootSocketIndex); err != nil {
		return config, err
	}

	nodeIndex, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	config.NodeIndex = int(nodeIndex)

	nBuffers, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}
	nSegments, err := readUint32(r.net, rootSocketIndex)
	if err != nil {
		return config, err
	}

	config.Buffers = make([]netconf.BufferDescriptor, nBuffers)
	for i := range config.Buffers {
		byteCount, err := readUint32(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}
		name, err := readString(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}
		config.Buffers[i] = netconf.BufferDescriptor{Name: name, ByteCount: int(byteCount)}
	}

	config.Segments = make([]netconf.SegmentConfig, nSegments)
	for i := range config.Segments {
		seg := &config.Segments[i]

		nSyncs, err := readUint32(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}
		nOps, err := readUint32(r.net, rootSocketIndex)
		if err != nil {
			return config, err
		}

		if nSyncs > 0 {
			seg.Syncs = make([]netconf.SyncDescriptor, nSyncs)
			for j := range seg.Syncs {
				pipeIndex, err := readUint32(r.net, rootSocketIndex)
				if err != nil {
					return config, err
				}
				syncType, err := readUint32(r.net, rootSocketIndex)
				if err != nil {
					return config, err
				}
				seg.Syncs[j] = netconf.SyncDescriptor{PipeIndex: int(pipeIndex), Type: netconf.SyncType(syncType)}
			}
		}

		if nOps > 0 {
			seg.Ops = make([]netconf.OpConfig, nOps)
			for j := range seg.Ops {
				op, err := readOp(r.net, rootSocketIndex)
				if err != nil {
					return config, err
				}
				seg.Ops[j] = op
			}
		}
	}

	return config, r.net.WriteAck(rootSocketIndex)
}

func writeOp(net *netmesh.Network, socketIndex int, op *netconf.OpConfig) error {
	if err := writeUint32(net, socketIndex, op.Code); err != nil {
		return err
	}
	if err := writeUint32(net, socketIndex, uint32(op.Index)); err != nil {
		return err
	}
	if err := writeUint64(net, socketIndex, op.WeightSize); err != nil {
		return err
	}
	if err := writeUint64(net, socketIndex, op.ConfigSize); err != nil {
		return err
	}
	if err := writeString(net, socketIndex, op.Name); err != nil {
		return err
	}
	if err := writeTensorRef(net, socketIndex, op.Input); err != nil {
		return err
	}
	if err := writeTensorRef(net, socketIndex, op.Output); err != nil {
		return err
	}
	if op.ConfigSize > 0 {
		return net.Write(socketIndex, op.Config)
	}
	return nil
}

func readOp(net *netmesh.Network, socketIndex int) (netconf.OpConfig, error) {
	var op netconf.OpConfig
	code, err := readUint32(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.Code = code
	index, err := readUint32(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.Index = int(index)
	weightSize, err := readUint64(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.WeightSize = weightSize
	configSize, err := readUint64(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.ConfigSize = configSize
	name, err := readString(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.Name = name
	input, err := readTensorRef(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.Input = input
	output, err := readTensorRef(net, socketIndex)
	if err != nil {
		return op, err
	}
	op.Output = output
	if configSize > 0 {
		op.Config = make([]byte, configSize)
		if err := net.Read(socketIndex, op.Config); err != nil {
			return op, err
		}
	}
	return op, nil
}

func writeTensorRef(net *netmesh.Network, socketIndex int, ref netconf.TensorRef) error {
	if err := writeUint32(net, socketIndex, uint32(ref.PipeIndex)); err != nil {
		return err
	}
	return writeUint32(net, socketIndex, uint32(ref.Offset))
}

func readTensorRef(net *netmesh.Network, socketIndex int) (netconf.TensorRef, error) {
	pipeIndex, err := readUint32(net, socketIndex)
	if err != nil {
		return netconf.TensorRef{}, err
	}
	offset, err := readUint32(net, socketIndex)
	if err != nil {
		return netconf.TensorRef{}, err
	}
	return netconf.TensorRef{PipeIndex: int(pipeIndex), Offset: int(offset)}, nil
}

func writePipeSize(net *netmesh.Network, socketIndex int, size netconf.PipeSize) error {
	if err := writeUint32(net, socketIndex, uint32(size.FloatType)); err != nil {
		return err
	}
	if err := writeUint32(net, socketIndex, uint32(size.ElementCount)); err != nil {
		return err
	}
	return writeUint32(net, socketIndex, uint32(size.ByteCount))
}

func readPipeSize(net *netmesh.Network, socketIndex int) (netconf.PipeSize, error) {
	floatType, err := readUint32(net, socketIndex)
	if err != nil {
		return netconf.PipeSize{}, err
	}
	elementCount, err := readUint32(net, socketIndex)
	if err != nil {
		return netconf.PipeSize{}, err
	}
	byteCount, err := readUint32(net, socketIndex)
	if err != nil {
		return netconf.PipeSize{}, err
	}
	return netconf.PipeSize{
		FloatType:    netconf.FloatType(floatType),
		ElementCount: int(elementCount),
		ByteCount:    int(byteCount),
	}, nil
}

// writeUint32/readUint32/writeUint64/readUint64/writeString/readString
// adapt sockconn's *Conn-keyed helpers to netmesh.Network's
// socket-indexed API by round-tripping through a small buffer; the
// wire layout is identical to sockconn's.
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

func writeString(net *netmesh.Network, socketIndex int, s string) error {
	b := append([]byte(s), 0)
	if err := writeUint32(net, socketIndex, uint32(len(b))); err != nil {
		return err
	}
	return net.Write(socketIndex, b)
}

func readString(net *netmesh.Network, socketIndex int) (string, error) {
	n, err := readUint32(net, socketIndex)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := net.Read(socketIndex, buf); err != nil {
		return "", err
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}
