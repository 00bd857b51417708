package executor

import "runtime"

// gosched yields the current goroutine's OS thread slice, used by the
// PolicyTight spin wait so a busy-looping thread doesn't starve the
// Go scheduler on a GOMAXPROCS-limited machine.
func gosched() {
	runtime.Gosched()
}
