package executor

import (
	"time"

	"github.com/distnn/distnn/dnnerr"
)

// stallWatchdog is polled once per watchdogWakeInterval from inside
// Forward. It tracks how long currentStepIndex has stood still and
// escalates from a diagnostic log line to a forced abort.
type stallWatchdog struct {
	e             *Executor
	lastStepIndex int64
	lastProgress  time.Time
	loggedStall   bool
}

func (w *stallWatchdog) check() error {
	idx := w.e.currentStepIndex.Load()
	if idx != w.lastStepIndex {
		w.lastStepIndex = idx
		w.lastProgress = time.Now()
		w.loggedStall = false
		return nil
	}
	if w.lastProgress.IsZero() {
		w.lastProgress = time.Now()
		return nil
	}

	stalled := time.Since(w.lastProgress)
	if stalled >= w.e.stallTimeoutMs {
		w.e.isAlive.Store(false)
		w.e.isRunDone.Store(true)
		w.e.epoch.Add(1)
		w.e.broadcastAll()
		step := w.e.stepAt(idx)
		return dnnerr.Wrapf(dnnerr.Timeout, "step %d (%s) stalled for %s, aborting", idx, step.describe(), stalled.Round(time.Millisecond))
	}

	if stalled >= w.e.stallLogMs && !w.loggedStall {
		w.loggedStall = true
		step := w.e.stepAt(idx)
		w.e.log.Warnw("executor step stalled",
			"step", idx,
			"kind", step.describe(),
			"doneThreads", w.e.doneThreadCount.Load(),
			"nThreads", w.e.nThreads,
			"stalledFor", stalled.Round(time.Millisecond),
		)
	}
	return nil
}
