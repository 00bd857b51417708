// Package executor drives the flat per-node step list — op forwards
// interleaved with cross-node sync points — across a fixed pool of
// long-lived, epoch-dispatched worker threads. One Executor exists per
// node; forward() is the caller's synchronous "run one batch" call.
package executor

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/distnn/distnn/dnnerr"
)

// StepKind distinguishes an op forward from a cross-node sync point in
// diagnostics and weight-loading lookups.
type StepKind int

const (
	StepOp StepKind = iota
	StepSync
)

func (k StepKind) String() string {
	if k == StepSync {
		return "sync"
	}
	return "op"
}

// StepFunc is called cooperatively by every worker thread of the pool,
// partitioned by threadIndex the way an op's forward or a collective
// call expects.
type StepFunc func(threadIndex int) error

// LoadWeightFunc installs a byte range of one op's weight. Only ops
// that own weights set this on their Step.
type LoadWeightFunc func(offset, nBytes uint64, data []byte) error

// Step is one entry of the flat step list.
type Step struct {
	Kind       StepKind
	OpName     string
	OpIndex    int
	Forward    StepFunc
	LoadWeight LoadWeightFunc
}

func (s *Step) describe() string {
	if s == nil {
		return "<finishing>"
	}
	if s.Kind == StepSync {
		return "sync"
	}
	return fmt.Sprintf("op %s[%d]", s.OpName, s.OpIndex)
}

// BarrierPolicy selects how a worker thread waits for the step barrier
// to advance. PolicyTight spins, trading CPU for the lowest possible
// latency; PolicyRelaxed parks on a condition variable.
type BarrierPolicy int

const (
	PolicyTight BarrierPolicy = iota
	PolicyRelaxed
)

const (
	envStallLogMs     = "DLLAMA_EXEC_STALL_LOG_MS"
	envStallTimeoutMs = "DLLAMA_EXEC_STALL_TIMEOUT_MS"

	defaultStallLogMs     = 2000
	defaultStallTimeoutMs = 10000

	watchdogWakeInterval = 50 * time.Millisecond
)

// Option configures an Executor at construction.
type Option func(*Executor)

// WithBarrierPolicy overrides the default spin policy (PolicyTight).
func WithBarrierPolicy(p BarrierPolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithLogger attaches a logger used for stall diagnostics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Executor) { e.log = l }
}

// Executor runs steps against nThreads long-lived worker goroutines.
// The mutex here guards only the condition variable; every counter and
// flag below it is an atomic, read outside the lock by design so a
// spinning thread never has to take it.
type Executor struct {
	steps   []Step
	nThreads int
	policy  BarrierPolicy
	log     *zap.SugaredLogger

	mu   sync.Mutex
	cond *sync.Cond

	epoch              atomic.Uint64
	currentStepIndex   atomic.Int64
	doneThreadCount    atomic.Int32
	doneRunThreadCount atomic.Int32
	isAlive            atomic.Bool
	isShutdown         atomic.Bool
	isRunDone          atomic.Bool
	stepStartNanos     atomic.Int64

	stallLogMs     time.Duration
	stallTimeoutMs time.Duration

	timing timingLog
}

// New builds an Executor over steps and starts its nThreads worker
// goroutines. They park in Idle immediately and stay alive until
// Shutdown.
func New(steps []Step, nThreads int, opts ...Option) *Executor {
	logMs, timeoutMs := stallThresholdsFromEnv()
	e := &Executor{
		steps:          steps,
		nThreads:       nThreads,
		log:            zap.NewNop().Sugar(),
		stallLogMs:     logMs,
		stallTimeoutMs: timeoutMs,
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	e.isAlive.Store(true)
	for t := 0; t < nThreads; t++ {
		go e.workerLoop(t)
	}
	return e
}

func stallThresholdsFromEnv() (logMs, timeoutMs time.Duration) {
	logMs = envDurationMs(envStallLogMs, defaultStallLogMs)
	timeoutMs = envDurationMs(envStallTimeoutMs, defaultStallTimeoutMs)
	if timeoutMs < logMs {
		timeoutMs = logMs
	}
	return logMs, timeoutMs
}

func envDurationMs(name string, def int) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(def) * time.Millisecond
}

// Forward runs one batch to completion: every step in the list, in
// order, on every worker thread, gated by the step barrier. It blocks
// until every thread reaches the end of the step list, a step fails,
// or the stall watchdog gives up.
func (e *Executor) Forward(batchSize int) error {
	if batchSize <= 0 {
		return dnnerr.Wrapf(dnnerr.Configuration, "batchSize must be positive, got %d", batchSize)
	}

	e.mu.Lock()
	e.currentStepIndex.Store(0)
	e.doneThreadCount.Store(0)
	e.doneRunThreadCount.Store(0)
	e.isRunDone.Store(false)
	e.isAlive.Store(true)
	e.stepStartNanos.Store(time.Now().UnixNano())
	e.epoch.Add(1)
	e.cond.Broadcast()
	e.mu.Unlock()

	watchdog := &stallWatchdog{e: e, lastStepIndex: -1}
	ticker := time.NewTicker(watchdogWakeInterval)
	defer ticker.Stop()

	for {
		if e.isRunDone.Load() {
			break
		}
		if e.isShutdown.Load() {
			return dnnerr.Wrap(dnnerr.ExecutorAbort, "executor shut down mid-forward")
		}
		<-ticker.C
		if err := watchdog.check(); err != nil {
			return err
		}
	}

	if !e.isAlive.Load() {
		return dnnerr.Wrap(dnnerr.ExecutorAbort, "a worker thread failed this forward")
	}
	return nil
}

// LoadWeight linearly searches the step list for the op named opName
// at opIndex and installs data through its LoadWeightFunc. Not
// thread-safe with respect to Forward — callers must not interleave
// the two.
func (e *Executor) LoadWeight(opName string, opIndex int, offset, nBytes uint64, data []byte) error {
	for i := range e.steps {
		s := &e.steps[i]
		if s.Kind != StepOp || s.OpName != opName || s.OpIndex != opIndex {
			continue
		}
		if s.LoadWeight == nil {
			return dnnerr.Wrapf(dnnerr.Configuration, "op %s[%d] does not accept weight loads", opName, opIndex)
		}
		return s.LoadWeight(offset, nBytes, data)
	}
	return dnnerr.Wrapf(dnnerr.Configuration, "no op named %s[%d] in step list", opName, opIndex)
}

// Shutdown tells every worker thread to exit its next wait point and
// return. It does not wait for them to actually exit.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.isShutdown.Store(true)
	e.epoch.Add(1)
	e.cond.Broadcast()
	e.mu.Unlock()
}

// StepTimings returns a snapshot of cumulative elapsed time per step,
// keyed by the step's description, gathered by whichever thread was
// the barrier's last arriver for that step.
func (e *Executor) StepTimings() map[string]StepTiming {
	return e.timing.snapshot()
}

func (e *Executor) broadcastAll() {
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Executor) workerLoop(threadIndex int) {
	var lastEpoch uint64
	for {
		e.mu.Lock()
		for e.epoch.Load() == lastEpoch && !e.isShutdown.Load() {
			e.cond.Wait()
		}
		e.mu.Unlock()
		if e.isShutdown.Load() {
			return
		}
		lastEpoch = e.epoch.Load()

		e.runSteps(threadIndex)

		doneRun := e.doneRunThreadCount.Add(1)
		if int(doneRun) == e.nThreads {
			e.doneRunThreadCount.Store(0)
			e.isRunDone.Store(true)
			e.broadcastAll()
		}
	}
}

func (e *Executor) runSteps(threadIndex int) {
	for {
		idx := e.currentStepIndex.Load()
		if idx >= int64(len(e.steps)) {
			return
		}
		if !e.isAlive.Load() || e.isShutdown.Load() {
			return
		}

		step := &e.steps[idx]
		if err := step.Forward(threadIndex); err != nil {
			e.log.Errorw("step failed", "step", idx, "kind", step.Kind, "op", step.OpName, "err", err)
			e.isAlive.Store(false)
			e.broadcastAll()
			return
		}

		done := e.doneThreadCount.Add(1)
		if int(done) == e.nThreads {
			e.recordStepCompletion(step)
			e.doneThreadCount.Store(0)
			e.currentStepIndex.Add(1)
			e.broadcastAll()
			continue
		}
		e.waitForStepAdvance(idx)
		if !e.isAlive.Load() || e.isShutdown.Load() {
			return
		}
	}
}

func (e *Executor) recordStepCompletion(step *Step) {
	now := time.Now()
	start := time.Unix(0, e.stepStartNanos.Swap(now.UnixNano()))
	e.timing.record(step.describe(), now.Sub(start))
}

func (e *Executor) waitForStepAdvance(idx int64) {
	if e.policy == PolicyTight {
		for e.currentStepIndex.Load() == idx && e.isAlive.Load() && !e.isShutdown.Load() {
			gosched()
		}
		return
	}
	e.mu.Lock()
	for e.currentStepIndex.Load() == idx && e.isAlive.Load() && !e.isShutdown.Load() {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

func (e *Executor) stepAt(idx int64) *Step {
	if idx < 0 || int(idx) >= len(e.steps) {
		return nil
	}
	return &e.steps[idx]
}
