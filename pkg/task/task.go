// Package task defines the schedulable unit of work and the shared types passed
// between the queue, the worker pool and the executors.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the queue. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority converts a priority name; the empty string maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Task is one schedulable unit of work: a single node execution.
//
// The queue owns a task until it is dequeued; afterwards the dequeuing worker owns
// it and hands it back through the queue's Complete/Fail. Attempt, Status, Result
// and Err are only written under the queue's lock; read them through the queue or
// via Outcome once Done is closed.
type Task struct {
	ID                  string
	WorkflowExecutionID string
	WorkflowID          string
	NodeID              string
	ExecutorRef         string
	Input               map[string]interface{}
	Config              map[string]interface{}
	Priority            Priority
	DedupKey            string
	MaxRetries          int
	Timeout             time.Duration
	Cacheable           bool
	Target              string
	Connection          ConnectionKind
	CreatedAt           time.Time

	Attempt int
	Status  Status
	Result  interface{}
	Err     error
	// Cached is set by the queue when the result came from the result cache
	Cached bool

	doneOnce   sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// New creates a pending task with a fresh id.
func New(executionID, nodeID, executorRef string, input map[string]interface{}) *Task {
	return &Task{
		ID:                  uuid.New().String(),
		WorkflowExecutionID: executionID,
		NodeID:              nodeID,
		ExecutorRef:         executorRef,
		Input:               input,
		Priority:            PriorityNormal,
		Status:              StatusPending,
		CreatedAt:           time.Now(),
		done:                make(chan struct{}),
	}
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	t.doneOnce.Do(func() {
		if t.done == nil {
			t.done = make(chan struct{})
		}
	})
	return t.done
}

// Finish closes the Done channel. The owner that moved the task into a terminal
// status calls it; further calls are no-ops.
func (t *Task) Finish() {
	t.Done()
	t.finishOnce.Do(func() { close(t.done) })
}

// Snapshot is a copy of the mutable task state
type Snapshot struct {
	Attempt int
	Status  Status
	Result  interface{}
	Err     error
	Cached  bool
}

// Outcome returns the terminal state of a finished task. It must only be called
// after Done() is closed, which orders it after the final write.
func (t *Task) Outcome() Snapshot {
	return Snapshot{
		Attempt: t.Attempt,
		Status:  t.Status,
		Result:  t.Result,
		Err:     t.Err,
		Cached:  t.Cached,
	}
}
