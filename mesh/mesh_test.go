package mesh

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestBringUpSocketArrayLength checks that after bring-up with N nodes
// every node's socket array has length N-1 and worker i is told node
// index i+1. It does not count the TCP connections themselves.
func TestBringUpSocketArrayLength(t *testing.T) {
	for _, n := range []int{2, 3, 5} {
		t.Run("N="+strconv.Itoa(n), func(t *testing.T) {
			nWorkers := n - 1
			ports := make([]int, nWorkers)
			hosts := make([]string, nWorkers)
			for i := range ports {
				ports[i] = freePort(t)
				hosts[i] = "127.0.0.1"
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			workerErrs := make([]error, nWorkers)
			workerSizes := make([]int, nWorkers)
			workerIdx := make([]int, nWorkers)
			for i := 0; i < nWorkers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					netw, idx, err := Serve(ctx, ports[i])
					workerErrs[i] = err
					workerIdx[i] = idx
					if err == nil {
						workerSizes[i] = netw.NumSockets()
					}
				}(i)
			}

			// Give listeners a moment to come up before the root dials.
			time.Sleep(50 * time.Millisecond)

			rootNet, err := Connect(ctx, hosts, ports)
			require.NoError(t, err)
			require.Equal(t, nWorkers, rootNet.NumSockets())

			wg.Wait()
			for i := 0; i < nWorkers; i++ {
				require.NoError(t, workerErrs[i])
				require.Equal(t, nWorkers, workerSizes[i])
				require.Equal(t, i+1, workerIdx[i])
			}
		})
	}
}

// TestBringUpSharesOneRunIDAcrossEveryNode checks that the correlation
// ID root generates during Connect reaches every worker's Network
// unchanged, so logs from different processes of the same run can be
// joined on it.
func TestBringUpSharesOneRunIDAcrossEveryNode(t *testing.T) {
	nWorkers := 2
	ports := make([]int, nWorkers)
	hosts := make([]string, nWorkers)
	for i := range ports {
		ports[i] = freePort(t)
		hosts[i] = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	workerRunIDs := make([]string, nWorkers)
	workerErrs := make([]error, nWorkers)
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			netw, _, err := Serve(ctx, ports[i])
			workerErrs[i] = err
			if err == nil {
				workerRunIDs[i] = netw.RunID()
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)

	rootNet, err := Connect(ctx, hosts, ports)
	require.NoError(t, err)
	wg.Wait()

	require.NotEmpty(t, rootNet.RunID())
	for i := 0; i < nWorkers; i++ {
		require.NoError(t, workerErrs[i])
		require.Equal(t, rootNet.RunID(), workerRunIDs[i])
	}
}

func TestSocketIndexMapping(t *testing.T) {
	require.Equal(t, 0, SocketIndexForPeer(2, 0))
	require.Equal(t, 1, SocketIndexForPeer(2, 1))
	require.Equal(t, 2, SocketIndexForPeer(2, 3))

	for self := 0; self < 5; self++ {
		for socket := 0; socket < 4; socket++ {
			peer := PeerForSocketIndex(self, socket)
			require.NotEqual(t, self, peer)
			require.Equal(t, socket, SocketIndexForPeer(self, peer))
		}
	}
}
