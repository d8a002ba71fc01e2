package errors

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	// KindGraphCycle indicates the workflow graph contains a cycle (fatal, planning time)
	KindGraphCycle Kind = "graph_cycle"

	// KindInvalidGraph indicates duplicate or dangling node references (fatal, planning time)
	KindInvalidGraph Kind = "invalid_graph"

	// KindUnknownExecutor indicates no executor is registered for a node type (fatal, planning time)
	KindUnknownExecutor Kind = "unknown_executor"

	// KindPoolExhausted indicates no connection could be acquired in time (retryable)
	KindPoolExhausted Kind = "pool_exhausted"

	// KindTimedOut indicates the task exceeded its timeout (retryable)
	KindTimedOut Kind = "timed_out"

	// KindExecutorError indicates the node executor returned an error (retryable unless permanent)
	KindExecutorError Kind = "executor_error"

	// KindMaxRetriesExceeded indicates the task failed on every allowed attempt (terminal)
	KindMaxRetriesExceeded Kind = "max_retries_exceeded"

	// KindCircuitOpen indicates the downstream breaker rejected the call (retried after reset)
	KindCircuitOpen Kind = "circuit_open"

	// KindQueueFull is the back-pressure signal of a bounded queue, not a task failure
	KindQueueFull Kind = "queue_full"

	// KindDuplicate indicates an equivalent task is already pending
	KindDuplicate Kind = "duplicate"

	// KindCancelled indicates the execution or service was cancelled
	KindCancelled Kind = "cancelled"

	// KindWorkerCrashed indicates the worker running the task stopped heartbeating
	KindWorkerCrashed Kind = "worker_crashed"

	// KindUnknownTask indicates a report for a task the queue does not hold in flight
	KindUnknownTask Kind = "unknown_task"

	// KindShutdown indicates the service is shutting down
	KindShutdown Kind = "shutdown"

	// KindConfiguration indicates invalid configuration
	KindConfiguration Kind = "configuration"

	// KindUnknown is used when nothing more specific applies
	KindUnknown Kind = "unknown"
)

// AppError represents a structured error carrying a Kind
type AppError struct {
	// Kind is the failure category
	Kind Kind

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(kind Kind, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Newf creates a new AppError with a formatted message and no cause
func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf returns the Kind of the outermost AppError in the chain, or KindUnknown
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// HasKind reports whether any AppError in the chain has the given kind
func HasKind(err error, kind Kind) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Kind == kind {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsGraphCycle checks if an error is a graph cycle error
func IsGraphCycle(err error) bool {
	return HasKind(err, KindGraphCycle)
}

// IsTimeout checks if an error is a task timeout error
func IsTimeout(err error) bool {
	return HasKind(err, KindTimedOut)
}

// IsCircuitOpen checks if an error is a circuit open error
func IsCircuitOpen(err error) bool {
	return HasKind(err, KindCircuitOpen)
}

// permanentError marks an executor error as not worth retrying
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the retry controller treats it as fatal.
// Executors use it for validation failures and other errors a retry cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Is, As and Join are re-exported so callers need a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
