package executor

import (
	"github.com/distnn/distnn/collective"
	"github.com/distnn/distnn/dnnerr"
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
	"github.com/distnn/distnn/wireconfig"
)

// OpResolver is the executor's only hook into the opaque per-op kernel
// the host owns: given one op descriptor and the thread count the
// executor will run with, it returns the callable that runs the op and,
// for ops that own weights, the callback that installs a byte range of
// them. Ops with no weights (WeightSize == 0) may return a nil
// LoadWeightFunc.
type OpResolver func(op netconf.OpConfig, nThreads int) (StepFunc, LoadWeightFunc, error)

// BuildSteps walks a node's segments in order and derives the flat step
// list Forward drives: an EXECUTE_OP step for every op in every
// segment, then a single SYNC_NODES step per segment that has syncs —
// emitted only when netCfg.NNodes > 1, since a single-node cluster has
// no peer to synchronize with. An empty op segment (no ops) still
// produces no op steps but its trailing sync step, if any, is emitted
// regardless.
//
// pipes holds one byte slice per pipe index, sized and owned by the
// host per netCfg.Pipes; a sync step's Forward reduces or broadcasts
// the pipe named by its SyncDescriptor.PipeIndex in place. nThreads is
// the thread count the resulting steps will run under.
func BuildSteps(node netconf.NodeConfig, netCfg *netconf.NetConfig, net *netmesh.Network, pipes [][]byte, nThreads int, ctype collective.CollectiveType, resolveOp OpResolver) ([]Step, error) {
	var steps []Step
	for segIndex := range node.Segments {
		seg := &node.Segments[segIndex]

		for i := range seg.Ops {
			op := seg.Ops[i]
			forward, loadWeight, err := resolveOp(op, nThreads)
			if err != nil {
				return nil, dnnerr.WrapCause(dnnerr.Configuration, err, "resolving op "+op.String())
			}
			steps = append(steps, Step{
				Kind:       StepOp,
				OpName:     op.Name,
				OpIndex:    op.Index,
				Forward:    forward,
				LoadWeight: loadWeight,
			})
		}

		if len(seg.Syncs) == 0 || netCfg.NNodes <= 1 {
			continue
		}
		syncs := seg.Syncs
		forward, err := buildSyncStep(node.NodeIndex, netCfg, net, pipes, nThreads, ctype, syncs)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Kind: StepSync, Forward: forward})
	}
	return steps, nil
}

// ReceiveSteps is the worker-side counterpart of BuildSteps: it reads
// one NetConfig and one NodeConfig off reader (the pair sent by the
// root via wireconfig.Writer.WriteToWorkers) and walks the resulting
// NodeConfig into a step list the same way the root does for its own
// slice, so both sides derive their steps by the identical BuildSteps
// walk rather than the wire reader improvising its own.
func ReceiveSteps(reader *wireconfig.Reader, net *netmesh.Network, pipes [][]byte, nThreads int, ctype collective.CollectiveType, resolveOp OpResolver) ([]Step, netconf.NetConfig, error) {
	netCfg, err := reader.ReadNet()
	if err != nil {
		return nil, netCfg, err
	}
	node, err := reader.ReadNode()
	if err != nil {
		return nil, netCfg, err
	}
	steps, err := BuildSteps(node, &netCfg, net, pipes, nThreads, ctype, resolveOp)
	return steps, netCfg, err
}

func buildSyncStep(selfIndex int, netCfg *netconf.NetConfig, net *netmesh.Network, pipes [][]byte, nThreads int, ctype collective.CollectiveType, syncs []netconf.SyncDescriptor) (StepFunc, error) {
	for _, s := range syncs {
		if s.PipeIndex < 0 || s.PipeIndex >= len(pipes) || s.PipeIndex >= len(netCfg.Pipes) {
			return nil, dnnerr.Wrapf(dnnerr.Configuration, "sync references unknown pipe %d", s.PipeIndex)
		}
	}
	return func(threadIndex int) error {
		for _, s := range syncs {
			buf := pipes[s.PipeIndex]
			floatType := netCfg.Pipes[s.PipeIndex].Size.FloatType
			var err error
			switch s.Type {
			case netconf.SyncWithRoot:
				err = collective.SyncWithRoot(net, selfIndex, netCfg.NNodes, buf, nThreads, threadIndex, collective.FanOut)
			case netconf.SyncNodeSlices:
				err = collective.SyncNodeSlicesAll(net, selfIndex, netCfg.NNodes, buf, floatType, nThreads, threadIndex, ctype)
			case netconf.SyncNodeSlicesExceptRoot:
				err = collective.SyncNodeSlicesExceptRoot(net, selfIndex, netCfg.NNodes, buf, floatType, nThreads, threadIndex, ctype)
			default:
				err = dnnerr.Wrapf(dnnerr.Configuration, "unknown sync type %v", s.Type)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}, nil
}
