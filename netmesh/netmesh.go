// Package netmesh implements the Network object: the fixed indexed
// socket array every node holds after mesh bring-up, its per-socket
// telemetry, and the vectored multi-socket I/O the collective layer
// expresses its parallel sends and receives with.
package netmesh

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/distnn/distnn/dnnerr"
	"github.com/distnn/distnn/sockconn"
	"github.com/unixpickle/essentials"
)

// maxMetricsLog bounds the number of recorded operations kept in
// memory, capping the telemetry log's footprint.
const maxMetricsLog = 500

// recentSamples is the size of each socket's ring buffer of recent
// per-operation latencies.
const recentSamples = 50

// SocketStats holds the running counters and latency statistics for
// one socket.
type SocketStats struct {
	mu sync.Mutex

	SentBytes uint64
	RecvBytes uint64

	count       int
	totalBytes  uint64
	totalMs     float64
	minMs       float64
	maxMs       float64
	recent      []float64
	recentStart int
}

func newSocketStats() *SocketStats {
	return &SocketStats{recent: make([]float64, 0, recentSamples)}
}

// Snapshot is a point-in-time, lock-free copy of a socket's stats.
type Snapshot struct {
	Count         int
	TotalBytes    uint64
	AvgMs         float64
	MinMs         float64
	MaxMs         float64
	BandwidthMbps float64
}

func (s *SocketStats) record(bytes int, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.totalBytes += uint64(bytes)
	s.totalMs += ms
	if s.count == 1 || ms < s.minMs {
		s.minMs = ms
	}
	if ms > s.maxMs {
		s.maxMs = ms
	}
	if len(s.recent) < recentSamples {
		s.recent = append(s.recent, ms)
	} else {
		s.recent[s.recentStart] = ms
		s.recentStart = (s.recentStart + 1) % recentSamples
	}
}

// Snapshot returns a copy of the current statistics.
func (s *SocketStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Count:      s.count,
		TotalBytes: s.totalBytes,
		MinMs:      s.minMs,
		MaxMs:      s.maxMs,
	}
	if s.count > 0 {
		snap.AvgMs = s.totalMs / float64(s.count)
	}
	if s.totalMs > 0 {
		snap.BandwidthMbps = (float64(s.totalBytes) * 8 / 1e6) / (s.totalMs / 1000)
	}
	return snap
}

// operationRecord is one entry in the bounded metrics log.
type operationRecord struct {
	kind      string
	socket    int
	bytes     int
	start     time.Time
	end       time.Time
}

// IO describes one leg of a vectored writeMany/readMany call.
type IO struct {
	SocketIndex int
	Data        []byte
}

// Option configures a Network at construction.
type Option func(*Network)

// WithMetrics enables performance telemetry. It is an explicit
// constructor argument rather than mutated global state, so multiple
// Networks in one process (e.g. in tests) don't share a monitoring flag.
func WithMetrics(enabled bool) Option {
	return func(n *Network) { n.metricsEnabled = enabled }
}

// WithLogger attaches a logger used for bottleneck diagnostics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(n *Network) { n.log = l }
}

// WithRegisterer exports Prometheus counters/histograms under the
// given registerer instead of the default one.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(n *Network) { n.registerer = reg }
}

// WithRunID tags every log line this Network emits (Prometheus samples
// do not carry it) with a cluster-wide correlation ID, generated once
// by the root during bring-up and handed to every worker, so log lines from different
// nodes of the same run can be joined even though each node only sees
// its own process's output.
func WithRunID(id string) Option {
	return func(n *Network) { n.runID = id }
}

// Network holds the fixed per-node socket array built by mesh
// bring-up, plus per-socket telemetry.
type Network struct {
	conns []*sockconn.Conn
	stats []*SocketStats

	metricsEnabled bool
	log            *zap.SugaredLogger
	registerer     prometheus.Registerer
	runID          string

	metricsMu sync.Mutex
	metrics   []operationRecord

	bytesCounter   *prometheus.CounterVec
	latencyHist    *prometheus.HistogramVec
}

// New wraps an already-connected socket array (produced by
// package mesh) into a Network.
func New(conns []*sockconn.Conn, opts ...Option) *Network {
	n := &Network{
		conns: conns,
		stats: make([]*SocketStats, len(conns)),
		log:   zap.NewNop().Sugar(),
	}
	for i := range n.stats {
		n.stats[i] = newSocketStats()
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metricsEnabled {
		n.registerMetrics()
	}
	return n
}

func (n *Network) registerMetrics() {
	reg := n.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	n.bytesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distnn_network_bytes_total",
		Help: "Bytes transferred per socket and direction.",
	}, []string{"socket", "direction"})
	n.latencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "distnn_network_operation_latency_ms",
		Help:    "Per-operation latency in milliseconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"socket", "kind"})
	// Registration failures (duplicate registration across multiple
	// Networks in one process, e.g. in tests) are non-fatal: metrics
	// are a diagnostic aid, not a correctness requirement.
	_ = reg.Register(n.bytesCounter)
	_ = reg.Register(n.latencyHist)
}

// NumSockets returns the size of the socket array (nNodes - 1).
func (n *Network) NumSockets() int {
	return len(n.conns)
}

// RunID returns the cluster-wide correlation ID set via WithRunID, or
// the empty string if bring-up didn't generate one.
func (n *Network) RunID() string {
	return n.runID
}

// SetTurbo toggles turbo mode on every socket at once (see
// sockconn.Conn.SetTurbo; the sockets stay in blocking mode).
func (n *Network) SetTurbo(turbo bool) {
	for _, c := range n.conns {
		c.SetTurbo(turbo)
	}
}

// Stats returns the telemetry for socket i.
func (n *Network) Stats(i int) Snapshot {
	return n.stats[i].Snapshot()
}

// Write sends buf on socket i.
func (n *Network) Write(i int, buf []byte) error {
	start := time.Now()
	err := n.conns[i].Write(buf)
	n.recordOperation("write", i, len(buf), start, time.Now())
	if err != nil {
		return err
	}
	n.stats[i].SentBytes += uint64(len(buf))
	return nil
}

// Read fills buf from socket i.
func (n *Network) Read(i int, buf []byte) error {
	start := time.Now()
	err := n.conns[i].Read(buf)
	n.recordOperation("read", i, len(buf), start, time.Now())
	if err != nil {
		return err
	}
	n.stats[i].RecvBytes += uint64(len(buf))
	return nil
}

// WriteAll broadcasts buf to every socket.
func (n *Network) WriteAll(buf []byte) error {
	ios := make([]IO, len(n.conns))
	for i := range n.conns {
		ios[i] = IO{SocketIndex: i, Data: buf}
	}
	return n.WriteMany(ios)
}

// WriteAck sends the ACK sentinel on socket i.
func (n *Network) WriteAck(i int) error {
	return n.conns[i].WriteAck()
}

// ReadAck reads and verifies the ACK sentinel on socket i.
func (n *Network) ReadAck(i int) error {
	return n.conns[i].ReadAck()
}

// TryReadWithMaxAttempts is the bounded-attempt probe read, forwarded
// to the underlying socket for opportunistic use (e.g. liveness
// checks between forwards).
func (n *Network) TryReadWithMaxAttempts(i int, buf []byte, maxAttempts int) (bool, error) {
	return n.conns[i].TryReadWithMaxAttempts(buf, maxAttempts)
}

// WriteMany performs a vectored write across the named sockets,
// looping to progress any socket that still has bytes left, the way
// the collective layer expresses "do these N sends in parallel"
// without one goroutine per socket.
func (n *Network) WriteMany(ios []IO) error {
	offsets := make([]int, len(ios))
	remaining := len(ios)
	done := make([]bool, len(ios))
	for remaining > 0 {
		for idx, io := range ios {
			if done[idx] {
				continue
			}
			end := offsets[idx] + sockconn.ChunkBytes
			if end > len(io.Data) {
				end = len(io.Data)
			}
			if end == offsets[idx] && len(io.Data) > 0 {
				done[idx] = true
				remaining--
				continue
			}
			start := time.Now()
			err := n.conns[io.SocketIndex].Write(io.Data[offsets[idx]:end])
			n.recordOperation("write", io.SocketIndex, end-offsets[idx], start, time.Now())
			if err != nil {
				return errWithSocket(err, io.SocketIndex)
			}
			n.stats[io.SocketIndex].SentBytes += uint64(end - offsets[idx])
			offsets[idx] = end
			if offsets[idx] >= len(io.Data) {
				done[idx] = true
				remaining--
			}
		}
	}
	return nil
}

// ReadMany performs a vectored read across the named sockets.
func (n *Network) ReadMany(ios []IO) error {
	offsets := make([]int, len(ios))
	remaining := len(ios)
	done := make([]bool, len(ios))
	for remaining > 0 {
		for idx, io := range ios {
			if done[idx] {
				continue
			}
			end := offsets[idx] + sockconn.ChunkBytes
			if end > len(io.Data) {
				end = len(io.Data)
			}
			if end == offsets[idx] && len(io.Data) > 0 {
				done[idx] = true
				remaining--
				continue
			}
			start := time.Now()
			err := n.conns[io.SocketIndex].Read(io.Data[offsets[idx]:end])
			n.recordOperation("read", io.SocketIndex, end-offsets[idx], start, time.Now())
			if err != nil {
				return errWithSocket(err, io.SocketIndex)
			}
			n.stats[io.SocketIndex].RecvBytes += uint64(end - offsets[idx])
			offsets[idx] = end
			if offsets[idx] >= len(io.Data) {
				done[idx] = true
				remaining--
			}
		}
	}
	return nil
}

func errWithSocket(err error, socket int) error {
	return dnnerr.WrapCause(dnnerr.Transfer, err, "socket "+itoa(socket))
}

func (n *Network) recordOperation(kind string, socket, bytes int, start, end time.Time) {
	elapsed := end.Sub(start)
	n.stats[socket].record(bytes, elapsed)

	if n.metricsEnabled && n.bytesCounter != nil {
		dir := "sent"
		if kind == "read" {
			dir = "recv"
		}
		n.bytesCounter.WithLabelValues(itoa(socket), dir).Add(float64(bytes))
		n.latencyHist.WithLabelValues(itoa(socket), kind).Observe(float64(elapsed) / float64(time.Millisecond))
	}

	n.metricsMu.Lock()
	defer n.metricsMu.Unlock()
	if len(n.metrics) >= maxMetricsLog {
		essentials.OrderedDelete(&n.metrics, 0)
	}
	n.metrics = append(n.metrics, operationRecord{kind: kind, socket: socket, bytes: bytes, start: start, end: end})
}

// Close closes every socket in the array.
func (n *Network) Close() error {
	var firstErr error
	for _, c := range n.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
