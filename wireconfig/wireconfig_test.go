package wireconfig

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distnn/distnn/mesh"
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// buildPair brings up a real two-node TCP mesh over loopback and
// returns the root's and the worker's *netmesh.Network.
func buildPair(t *testing.T) (root, worker *netmesh.Network) {
	t.Helper()
	port := freePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	var wg sync.WaitGroup
	var workerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		w, _, err := mesh.Serve(ctx, port)
		workerErr = err
		worker = w
	}()
	time.Sleep(50 * time.Millisecond)

	r, err := mesh.Connect(ctx, []string{"127.0.0.1"}, []int{port})
	require.NoError(t, err)
	root = r

	wg.Wait()
	require.NoError(t, workerErr)
	return root, worker
}

func sampleNetConfig() netconf.NetConfig {
	return netconf.NetConfig{
		ProtocolVersion: 1,
		NBatches:        4,
		NNodes:          2,
		Pipes: []netconf.PipeDescriptor{
			{Size: netconf.PipeSize{FloatType: netconf.F32, ElementCount: 128, ByteCount: 512}, Name: "hidden"},
			{Size: netconf.PipeSize{FloatType: netconf.F16, ElementCount: 64, ByteCount: 128}, Name: "attn"},
		},
		PreSyncs: []netconf.PreSyncDescriptor{{PipeIndex: 0}},
	}
}

func sampleNodeConfig(nodeIndex int) netconf.NodeConfig {
	return netconf.NodeConfig{
		NodeIndex: nodeIndex,
		Buffers: []netconf.BufferDescriptor{
			{Name: "scratch", ByteCount: 4096},
		},
		Segments: []netconf.SegmentConfig{
			{
				Ops: []netconf.OpConfig{
					{
						Code:       7,
						Index:      0,
						WeightSize: 1024,
						ConfigSize: 3,
						Name:       "matmul",
						Input:      netconf.TensorRef{PipeIndex: 0, Offset: 0},
						Output:     netconf.TensorRef{PipeIndex: 1, Offset: 16},
						Config:     []byte{1, 2, 3},
					},
				},
				Syncs: []netconf.SyncDescriptor{
					{PipeIndex: 1, Type: netconf.SyncNodeSlices},
				},
			},
			{
				// An op-free, sync-free segment must round-trip cleanly too.
			},
		},
	}
}

func TestWriteReadNetRoundTrips(t *testing.T) {
	root, worker := buildPair(t)
	defer root.Close()
	defer worker.Close()

	sent := sampleNetConfig()
	writer := NewWriter(root)
	reader := NewReader(worker, 1)

	var got netconf.NetConfig
	var writeErr, readErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		writeErr = writer.WriteNet(0, &sent)
	}()
	go func() {
		defer wg.Done()
		got, readErr = reader.ReadNet()
	}()
	wg.Wait()

	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	require.Equal(t, sent, got)
}

func TestWriteReadNetRejectsVersionMismatch(t *testing.T) {
	root, worker := buildPair(t)
	defer root.Close()
	defer worker.Close()

	sent := sampleNetConfig()
	writer := NewWriter(root)
	reader := NewReader(worker, 2) // worker expects version 2, root sends 1

	var readErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = writer.WriteNet(0, &sent)
	}()
	go func() {
		defer wg.Done()
		_, readErr = reader.ReadNet()
	}()
	wg.Wait()

	require.Error(t, readErr)
}

func TestWriteReadNodeRoundTrips(t *testing.T) {
	root, worker := buildPair(t)
	defer root.Close()
	defer worker.Close()

	sent := sampleNodeConfig(1)
	writer := NewWriter(root)
	reader := NewReader(worker, 0)

	var got netconf.NodeConfig
	var writeErr, readErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		writeErr = writer.WriteNode(0, &sent)
	}()
	go func() {
		defer wg.Done()
		got, readErr = reader.ReadNode()
	}()
	wg.Wait()

	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	require.Equal(t, sent, got)
}

func TestWriteToWorkersSendsNetThenNodeToEachSocket(t *testing.T) {
	nWorkers := 2
	ports := make([]int, nWorkers)
	hosts := make([]string, nWorkers)
	for i := range ports {
		ports[i] = freePort(t)
		hosts[i] = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nets := make([]*netmesh.Network, nWorkers+1)
	var wg sync.WaitGroup
	errs := make([]error, nWorkers)
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			netw, idx, err := mesh.Serve(ctx, ports[i])
			errs[i] = err
			if err == nil {
				nets[idx] = netw
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)

	rootNet, err := mesh.Connect(ctx, hosts, ports)
	require.NoError(t, err)
	nets[0] = rootNet

	netConfig := sampleNetConfig()
	netConfig.NNodes = nWorkers + 1
	nodeConfigs := make([]netconf.NodeConfig, nWorkers+1)
	for i := range nodeConfigs {
		nodeConfigs[i] = sampleNodeConfig(i)
	}

	var writeErr error
	var readWg sync.WaitGroup
	gotNet := make([]netconf.NetConfig, nWorkers+1)
	gotNode := make([]netconf.NodeConfig, nWorkers+1)
	readErrs := make([]error, nWorkers+1)
	for nodeIndex := 1; nodeIndex <= nWorkers; nodeIndex++ {
		readWg.Add(1)
		go func(nodeIndex int) {
			defer readWg.Done()
			reader := NewReader(nets[nodeIndex], 1)
			n, err := reader.ReadNet()
			if err != nil {
				readErrs[nodeIndex] = err
				return
			}
			gotNet[nodeIndex] = n
			node, err := reader.ReadNode()
			readErrs[nodeIndex] = err
			gotNode[nodeIndex] = node
		}(nodeIndex)
	}

	writer := NewWriter(rootNet)
	writeErr = writer.WriteToWorkers(&netConfig, nodeConfigs)
	readWg.Wait()

	require.NoError(t, writeErr)
	for _, err := range errs {
		require.NoError(t, err)
	}
	for nodeIndex := 1; nodeIndex <= nWorkers; nodeIndex++ {
		require.NoError(t, readErrs[nodeIndex])
		require.Equal(t, netConfig, gotNet[nodeIndex])
		require.Equal(t, nodeConfigs[nodeIndex], gotNode[nodeIndex])
	}

	for _, n := range nets {
		n.Close()
	}
}
