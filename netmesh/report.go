package netmesh

import "fmt"

// PerformanceReport summarizes telemetry across every socket.
type PerformanceReport struct {
	Sockets []Snapshot
}

// PerformanceReport gathers a snapshot of every socket's stats.
func (n *Network) PerformanceReport() PerformanceReport {
	report := PerformanceReport{Sockets: make([]Snapshot, len(n.stats))}
	for i, s := range n.stats {
		report.Sockets[i] = s.Snapshot()
	}
	return report
}

// PrintPerformanceReport logs one line per socket summarizing its
// telemetry.
func (n *Network) PrintPerformanceReport() {
	report := n.PerformanceReport()
	for i, s := range report.Sockets {
		n.log.Infow("socket performance",
			"runID", n.runID,
			"socket", i,
			"operations", s.Count,
			"bytes", s.TotalBytes,
			"avgMs", s.AvgMs,
			"minMs", s.MinMs,
			"maxMs", s.MaxMs,
			"bandwidthMbps", s.BandwidthMbps,
		)
	}
}

// PrintBottleneckReport logs the single slowest-by-average-latency
// socket, the one most likely to be gating collective progress.
func (n *Network) PrintBottleneckReport() {
	report := n.PerformanceReport()
	if len(report.Sockets) == 0 {
		return
	}
	worst := 0
	for i, s := range report.Sockets {
		if s.AvgMs > report.Sockets[worst].AvgMs {
			worst = i
		}
	}
	s := report.Sockets[worst]
	n.log.Infow("bottleneck socket",
		"runID", n.runID,
		"socket", worst,
		"avgMs", s.AvgMs,
		"bandwidthMbps", s.BandwidthMbps,
		"summary", fmt.Sprintf("socket %d: %.2fms avg, %.1f Mbps", worst, s.AvgMs, s.BandwidthMbps),
	)
}
