package weights

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distnn/distnn/mesh"
	"github.com/distnn/distnn/netmesh"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type loadedRecord struct {
	opName   string
	opIndex  int
	offset   uint64
	nBytes   uint64
	data     []byte
}

func recorder() (LocalLoader, *[]loadedRecord, *sync.Mutex) {
	var mu sync.Mutex
	var records []loadedRecord
	loader := func(opName string, opIndex int, offset, nBytes uint64, weight []byte) error {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, loadedRecord{opName, opIndex, offset, nBytes, append([]byte(nil), weight...)})
		return nil
	}
	return loader, &records, &mu
}

func buildMesh(t *testing.T, n int) []*netmesh.Network {
	t.Helper()
	nWorkers := n - 1
	ports := make([]int, nWorkers)
	hosts := make([]string, nWorkers)
	for i := range ports {
		ports[i] = freePort(t)
		hosts[i] = "127.0.0.1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	nets := make([]*netmesh.Network, n)
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

	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return nets
}

func TestLoadAllReplicatesToEveryNode(t *testing.T) {
	nets := buildMesh(t, 3)
	defer func() {
		for _, n := range nets {
			n.Close()
		}
	}()

	weight := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	rootLoader, rootRecords, _ := recorder()
	var wg sync.WaitGroup
	workerLoaders := make([]LocalLoader, 3)
	workerRecords := make([]*[]loadedRecord, 3)
	for i := 1; i < 3; i++ {
		l, r, _ := recorder()
		workerLoaders[i] = l
		workerRecords[i] = r
	}

	readErrs := make([]error, 3)
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reader := NewReader(nets[i], workerLoaders[i])
			readErrs[i] = reader.Read()
		}(i)
	}

	writer := NewWriter(nets[0], 3, rootLoader)
	require.NoError(t, writer.LoadAll("norm", 2, uint64(len(weight)), weight))
	require.NoError(t, writer.Finish())
	wg.Wait()

	for i := 1; i < 3; i++ {
		require.NoError(t, readErrs[i])
		require.Len(t, *workerRecords[i], 1)
		require.Equal(t, weight, (*workerRecords[i])[0].data)
		require.Equal(t, "norm", (*workerRecords[i])[0].opName)
		require.Equal(t, 2, (*workerRecords[i])[0].opIndex)
	}
	require.Len(t, *rootRecords, 1)
	require.Equal(t, weight, (*rootRecords)[0].data)
}

func TestLoadSlicedRowSplitDistributesDisjointBands(t *testing.T) {
	nets := buildMesh(t, 4)
	defer func() {
		for _, n := range nets {
			n.Close()
		}
	}()

	slice := MatmulSlice{NRows: 4, NCols: 2, ElementBytes: 1}
	// Row r, col c holds value r*10+c so each row band is identifiable.
	full := make([]byte, slice.FullNBytes())
	for r := 0; r < slice.NRows; r++ {
		for c := 0; c < slice.NCols; c++ {
			full[r*slice.NCols+c] = byte(r*10 + c)
		}
	}

	rootLoader, rootRecords, _ := recorder()
	workerLoaders := make([]LocalLoader, 4)
	workerRecords := make([]*[]loadedRecord, 4)
	for i := 1; i < 4; i++ {
		l, r, _ := recorder()
		workerLoaders[i] = l
		workerRecords[i] = r
	}

	var wg sync.WaitGroup
	readErrs := make([]error, 4)
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reader := NewReader(nets[i], workerLoaders[i])
			readErrs[i] = reader.Read()
		}(i)
	}

	writer := NewWriter(nets[0], 4, rootLoader)
	sliceNBytes := slice.RowSliceNBytes(4)
	require.NoError(t, writer.LoadSliced("wo", 5, 0, sliceNBytes, full, RowSplit(slice)))
	require.NoError(t, writer.Finish())
	wg.Wait()

	require.Len(t, *rootRecords, 1)
	require.Equal(t, full[0:2], (*rootRecords)[0].data)
	for i := 1; i < 4; i++ {
		require.NoError(t, readErrs[i])
		require.Len(t, *workerRecords[i], 1)
		expected := full[i*2 : i*2+2]
		require.Equal(t, expected, (*workerRecords[i])[0].data)
		require.Equal(t, uint64(0), (*workerRecords[i])[0].offset)
	}
}

func TestLoadSlicedColSplitDistributesDisjointBands(t *testing.T) {
	nets := buildMesh(t, 2)
	defer func() {
		for _, n := range nets {
			n.Close()
		}
	}()

	slice := MatmulSlice{NRows: 2, NCols: 4, ElementBytes: 1}
	full := make([]byte, slice.FullNBytes())
	for r := 0; r < slice.NRows; r++ {
		for c := 0; c < slice.NCols; c++ {
			full[r*slice.NCols+c] = byte(r*10 + c)
		}
	}

	rootLoader, rootRecords, _ := recorder()
	workerLoader, workerRecords, _ := recorder()

	var wg sync.WaitGroup
	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		reader := NewReader(nets[1], workerLoader)
		readErr = reader.Read()
	}()

	writer := NewWriter(nets[0], 2, rootLoader)
	sliceNBytes := slice.ColSliceNBytes(2)
	require.NoError(t, writer.LoadSliced("wqkv", 1, 0, sliceNBytes, full, ColSplit(slice)))
	require.NoError(t, writer.Finish())
	wg.Wait()
	require.NoError(t, readErr)

	// Node 0 gets columns [0,2) of every row, node 1 columns [2,4).
	require.Len(t, *rootRecords, 1)
	require.Equal(t, []byte{0, 1, 10, 11}, (*rootRecords)[0].data)
	require.Len(t, *workerRecords, 1)
	require.Equal(t, []byte{2, 3, 12, 13}, (*workerRecords)[0].data)
}

func TestLoadSlicedSingleNodeSkipsSplit(t *testing.T) {
	nets := buildMesh(t, 1)
	defer nets[0].Close()

	slice := MatmulSlice{NRows: 4, NCols: 2, ElementBytes: 1}
	full := make([]byte, slice.FullNBytes())
	for i := range full {
		full[i] = byte(i)
	}

	rootLoader, rootRecords, _ := recorder()
	writer := NewWriter(nets[0], 1, rootLoader)
	require.NoError(t, writer.LoadSliced("wo", 0, 0, slice.FullNBytes(), full, RowSplit(slice)))

	require.Len(t, *rootRecords, 1)
	require.Equal(t, full, (*rootRecords)[0].data)
}

func TestSplitReplicatedCopiesWholeTensor(t *testing.T) {
	full := []byte{9, 8, 7, 6}
	dst := make([]byte, len(full))
	SplitReplicated(dst, full, 1, 3)
	require.Equal(t, full, dst)
}
