package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distnn/distnn/collective"
	"github.com/distnn/distnn/netconf"
)

func noopResolver(op netconf.OpConfig, nThreads int) (StepFunc, LoadWeightFunc, error) {
	return func(threadIndex int) error { return nil }, nil, nil
}

func twoOpTwoSyncNode(nodeIndex int) netconf.NodeConfig {
	return netconf.NodeConfig{
		NodeIndex: nodeIndex,
		Segments: []netconf.SegmentConfig{
			{
				Ops: []netconf.OpConfig{
					{Index: 0, Name: "matmul_a"},
					{Index: 1, Name: "matmul_b"},
				},
				Syncs: []netconf.SyncDescriptor{
					{PipeIndex: 0, Type: netconf.SyncNodeSlices},
				},
			},
			{
				// Empty op segment: no ops, but a trailing sync.
				Syncs: []netconf.SyncDescriptor{
					{PipeIndex: 0, Type: netconf.SyncWithRoot},
				},
			},
		},
	}
}

func TestBuildStepsEmitsNoSyncStepsForSingleNodeCluster(t *testing.T) {
	netCfg := &netconf.NetConfig{
		NNodes: 1,
		Pipes:  []netconf.PipeDescriptor{{Size: netconf.PipeSize{FloatType: netconf.F32, ByteCount: 16}}},
	}
	pipes := [][]byte{make([]byte, 16)}

	steps, err := BuildSteps(twoOpTwoSyncNode(0), netCfg, nil, pipes, 1, collective.Auto, noopResolver)
	require.NoError(t, err)

	for _, s := range steps {
		require.NotEqual(t, StepSync, s.Kind, "single-node cluster must emit zero SYNC_NODES steps")
	}
	require.Equal(t, 2, len(steps), "both ops still produce EXECUTE_OP steps")
}

func TestBuildStepsEmitsSyncStepPerSyncedSegmentForMultiNodeCluster(t *testing.T) {
	netCfg := &netconf.NetConfig{
		NNodes: 3,
		Pipes:  []netconf.PipeDescriptor{{Size: netconf.PipeSize{FloatType: netconf.F32, ByteCount: 16}}},
	}
	pipes := [][]byte{make([]byte, 16)}

	steps, err := BuildSteps(twoOpTwoSyncNode(0), netCfg, nil, pipes, 1, collective.Auto, noopResolver)
	require.NoError(t, err)

	require.Equal(t, []StepKind{StepOp, StepOp, StepSync, StepSync}, kindsOf(steps))
}

func TestBuildStepsEmitsSyncStepForEmptyOpSegment(t *testing.T) {
	netCfg := &netconf.NetConfig{
		NNodes: 2,
		Pipes:  []netconf.PipeDescriptor{{Size: netconf.PipeSize{FloatType: netconf.F32, ByteCount: 16}}},
	}
	node := netconf.NodeConfig{
		Segments: []netconf.SegmentConfig{
			{Syncs: []netconf.SyncDescriptor{{PipeIndex: 0, Type: netconf.SyncWithRoot}}},
		},
	}
	pipes := [][]byte{make([]byte, 16)}

	steps, err := BuildSteps(node, netCfg, nil, pipes, 1, collective.Auto, noopResolver)
	require.NoError(t, err)
	require.Equal(t, []StepKind{StepSync}, kindsOf(steps))
}

func TestBuildStepsRejectsUnknownPipeIndex(t *testing.T) {
	netCfg := &netconf.NetConfig{
		NNodes: 2,
		Pipes:  []netconf.PipeDescriptor{{Size: netconf.PipeSize{FloatType: netconf.F32, ByteCount: 16}}},
	}
	node := netconf.NodeConfig{
		Segments: []netconf.SegmentConfig{
			{Syncs: []netconf.SyncDescriptor{{PipeIndex: 7, Type: netconf.SyncWithRoot}}},
		},
	}
	pipes := [][]byte{make([]byte, 16)}

	_, err := BuildSteps(node, netCfg, nil, pipes, 1, collective.Auto, noopResolver)
	require.Error(t, err)
}

func kindsOf(steps []Step) []StepKind {
	out := make([]StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}
