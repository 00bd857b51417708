// Command dnnbench measures SyncNodeSlicesAll's wall-clock time over a
// real localhost TCP mesh, star versus ring, across a grid of cluster
// sizes and vector sizes, and prints the result as a Markdown table.
package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/distnn/distnn/collective"
	"github.com/distnn/distnn/mesh"
	"github.com/distnn/distnn/netconf"
	"github.com/distnn/distnn/netmesh"
)

func freePort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func buildMesh(nNodes int) ([]*netmesh.Network, error) {
	nWorkers := nNodes - 1
	ports := make([]int, nWorkers)
	hosts := make([]string, nWorkers)
	for i := range ports {
		p, err := freePort()
		if err != nil {
			return nil, err
		}
		ports[i] = p
		hosts[i] = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nets := make([]*netmesh.Network, nNodes)
	errs := make([]error, nWorkers)
	var wg sync.WaitGroup
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
	if err != nil {
		return nil, err
	}
	nets[0] = rootNet

	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return nets, nil
}

// runOnce brings up a fresh nNodes mesh, runs one SyncNodeSlicesAll of
// the given size on every node concurrently, and returns the wall-clock
// duration of the slowest node.
func runOnce(nNodes, elementsPerNode int, ctype collective.CollectiveType) (time.Duration, error) {
	nets, err := buildMesh(nNodes)
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, n := range nets {
			n.Close()
		}
	}()

	durations := make([]time.Duration, nNodes)
	errs := make([]error, nNodes)
	var wg sync.WaitGroup
	for i := 0; i < nNodes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, elementsPerNode*nNodes*4)
			nodeStart := time.Now()
			errs[i] = collective.SyncNodeSlicesAll(nets[i], i, nNodes, buf, netconf.F32, 1, 0, ctype)
			durations[i] = time.Since(nodeStart)
		}(i)
	}
	wg.Wait()

	var worst time.Duration
	for i, err := range errs {
		if err != nil {
			return 0, err
		}
		if durations[i] > worst {
			worst = durations[i]
		}
	}
	return worst, nil
}

func main() {
	nodeCounts := []int{2, 4, 8}
	elementCounts := []int{16, 4096, 262144}
	strategies := []collective.CollectiveType{collective.Star, collective.Ring}
	strategyNames := []string{"Star", "Ring"}

	fmt.Print("| Nodes | Elements/node ")
	for _, name := range strategyNames {
		fmt.Printf("| %s ", name)
	}
	fmt.Println("|")
	for i := 0; i < 2+len(strategies); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	for _, nNodes := range nodeCounts {
		for _, elems := range elementCounts {
			fmt.Printf("| %d | %s ", nNodes, strconv.Itoa(elems))
			for _, ctype := range strategies {
				d, err := runOnce(nNodes, elems, ctype)
				if err != nil {
					fmt.Printf("| error: %v ", err)
					continue
				}
				fmt.Printf("| %s ", d.Round(time.Microsecond))
			}
			fmt.Println("|")
		}
	}
}
