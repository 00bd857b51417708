// Package dnnerr defines the error kinds used across the executor
// core. Callers distinguish kinds with errors.Is against the
// sentinels below; diagnostic context is attached with
// github.com/pkg/errors so the original site survives in the message
// and Cause() chain.
package dnnerr

import "github.com/pkg/errors"

// Sentinel kinds. errors.Is(err, dnnerr.Connection) is true for any
// error built with Wrap(Connection, ...) or one of its wrappers further
// up the call stack.
var (
	// Configuration errors are fatal to construction: a missing device
	// for a segment, an unresolved op name on weight load, an unknown
	// step or sync type, a thread count exceeding device capability.
	Configuration = errors.New("configuration error")

	// Connection errors are fatal to mesh bring-up: DNS resolution,
	// connect, bind, or listen failures.
	Connection = errors.New("connection error")

	// Transfer errors happen mid-stream: a peer closed its socket or a
	// send/recv syscall failed.
	Transfer = errors.New("transfer error")

	// ExecutorAbort is raised by forward() when a worker thread caught
	// a runtime failure executing a step.
	ExecutorAbort = errors.New("executor abort")

	// Timeout is raised by forward() when the stall watchdog fires.
	Timeout = errors.New("stall timeout")
)

// Wrap attaches msg as context to kind and returns an error for which
// errors.Is(result, kind) holds.
func Wrap(kind error, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// WrapCause attaches kind to an existing error, preserving it as the
// cause (errors.Cause(result) == cause).
func WrapCause(kind error, cause error, msg string) error {
	return &kindError{kind: kind, err: errors.Wrap(cause, msg)}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Cause() error {
	return errors.Cause(e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}
