// Package queue is the priority task queue shared by the worker pool.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/task"
)

var (
	// ErrQueueFull is returned by Enqueue when MaxSize pending tasks are queued
	ErrQueueFull = talerrors.New(talerrors.KindQueueFull, "task queue is full", nil)

	// ErrClosed is returned once Close has been called
	ErrClosed = talerrors.New(talerrors.KindShutdown, "task queue is closed", nil)

	// ErrMaxAttemptsExceeded is returned by Retry when the task has no retries left
	ErrMaxAttemptsExceeded = talerrors.New(talerrors.KindMaxRetriesExceeded, "task has no retries left", nil)

	// ErrUnknownTask is returned when an id is not in flight
	ErrUnknownTask = talerrors.New(talerrors.KindUnknownTask, "task is not in flight", nil)
)

// DuplicateError rejects a task whose dedup key matches a pending task.
// Callers wait on Existing.Done() for the shared outcome.
type DuplicateError struct {
	Existing *task.Task
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of pending task %s", e.Existing.ID)
}

// Unwrap exposes the duplicate kind to the errors helpers
func (e *DuplicateError) Unwrap() error {
	return talerrors.Newf(talerrors.KindDuplicate, "duplicate of pending task %s", e.Existing.ID)
}

// Lease is a dequeued task together with the attempt number it was handed out
// for. Attempt is copied under the queue lock; a crash report may bump
// Task.Attempt while the holder still runs, so holders read Attempt from here.
type Lease struct {
	Task    *task.Task
	Attempt int
}

// Config holds queue bounds
type Config struct {
	MaxSize     int           `yaml:"max_size" validate:"min=1"`
	DedupWindow time.Duration `yaml:"dedup_window" validate:"min=0"`
}

// DefaultConfig returns the default queue bounds
func DefaultConfig() Config {
	return Config{
		MaxSize:     10000,
		DedupWindow: 5 * time.Minute,
	}
}

// Failure describes a failed execution reported by a worker
type Failure struct {
	Err       error
	Retryable bool
	// Delay before the task becomes dequeuable again when it is retried
	Delay time.Duration
}

// FailOutcome tells the reporter what Fail did with the task
type FailOutcome int

const (
	// Requeued means the task will run again
	Requeued FailOutcome = iota
	// Terminal means the task reached a final status
	Terminal
)

func (o FailOutcome) String() string {
	if o == Requeued {
		return "requeued"
	}
	return "terminal"
}

// Metrics is a snapshot of queue counters
type Metrics struct {
	Depth            int                   `json:"depth"`
	DepthByPriority  map[string]int        `json:"depth_by_priority"`
	InFlight         int                   `json:"in_flight"`
	Delayed          int                   `json:"delayed"`
	Enqueued         int64                 `json:"enqueued"`
	DedupHits        int64                 `json:"dedup_hits"`
	RejectedFull     int64                 `json:"rejected_full"`
	Completed        int64                 `json:"completed"`
	Failed           int64                 `json:"failed"`
	Retried          int64                 `json:"retried"`
	Cancelled        int64                 `json:"cancelled"`
	OldestPendingAge time.Duration         `json:"oldest_pending_age"`
	TerminalByStatus map[task.Status]int64 `json:"terminal_by_status"`
}

type dedupEntry struct {
	t  *task.Task
	at time.Time
}

// Queue orders tasks strictly by priority and FIFO by creation time within a
// priority. Lower priorities can starve under sustained higher-priority load.
type Queue struct {
	cfg     Config
	logger  *zap.Logger
	emitter *events.Emitter
	now     func() time.Time

	mu       sync.Mutex
	heaps    [4]taskHeap
	pending  map[string]*item
	dedup    map[string]dedupEntry
	inflight map[string]*task.Task
	delayed  map[string]*delayedEntry
	// executions sharing a deduplicated task, by task id; absent for unshared tasks
	watchers map[string]map[string]struct{}
	notify   chan struct{}
	seq      uint64
	closed   bool

	enqueued     int64
	dedupHits    int64
	rejectedFull int64
	retried      int64
	terminal     map[task.Status]int64
}

type delayedEntry struct {
	t     *task.Task
	timer *time.Timer
}

// Option customizes a Queue
type Option func(*Queue)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithPublisher publishes a task.status_changed event on every transition
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.emitter = events.NewEmitter(p, q.logger) }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}

	q := &Queue{
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		pending:  make(map[string]*item),
		dedup:    make(map[string]dedupEntry),
		inflight: make(map[string]*task.Task),
		delayed:  make(map[string]*delayedEntry),
		watchers: make(map[string]map[string]struct{}),
		notify:   make(chan struct{}),
		terminal: make(map[task.Status]int64),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.emitter == nil {
		q.emitter = events.NewEmitter(nil, q.logger)
	}
	return q
}

// Enqueue admits a task. It returns a *DuplicateError when a pending task with
// the same dedup key was enqueued within DedupWindow, ErrQueueFull when MaxSize
// tasks are pending, and ErrClosed after Close.
func (q *Queue) Enqueue(t *task.Task) error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	now := q.now()
	if t.DedupKey != "" && q.cfg.DedupWindow > 0 {
		if entry, ok := q.dedup[t.DedupKey]; ok {
			if _, stillPending := q.pending[entry.t.ID]; stillPending && now.Sub(entry.at) < q.cfg.DedupWindow {
				q.dedupHits++
				q.watchLocked(entry.t, t.WorkflowExecutionID)
				q.mu.Unlock()
				return &DuplicateError{Existing: entry.t}
			}
			delete(q.dedup, t.DedupKey)
		}
	}

	if len(q.pending) >= q.cfg.MaxSize {
		q.rejectedFull++
		q.mu.Unlock()
		return ErrQueueFull
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = task.StatusPending
	q.pushLocked(t)
	if t.DedupKey != "" && q.cfg.DedupWindow > 0 {
		q.dedup[t.DedupKey] = dedupEntry{t: t, at: now}
	}
	q.enqueued++
	q.broadcastLocked()
	ev := q.eventLocked(t, "")
	q.mu.Unlock()

	q.publish(ev)
	return nil
}

// Dequeue blocks until a task is available, ctx is done or the queue is closed.
// The leased task is marked running and owned by the caller until it is
// reported through Complete, Fail or Retry.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if t := q.popLocked(); t != nil {
			l := &Lease{Task: t, Attempt: t.Attempt}
			ev := q.eventLocked(t, "")
			q.mu.Unlock()
			q.publish(ev)
			return l, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// TryDequeue leases the next task without blocking
func (q *Queue) TryDequeue() (*Lease, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	t := q.popLocked()
	if t == nil {
		q.mu.Unlock()
		return nil, false
	}
	l := &Lease{Task: t, Attempt: t.Attempt}
	ev := q.eventLocked(t, "")
	q.mu.Unlock()

	q.publish(ev)
	return l, true
}

// Complete records a successful execution
func (q *Queue) Complete(id string, result interface{}) error {
	return q.complete(id, result, false)
}

// CompleteCached records a success served from the result cache
func (q *Queue) CompleteCached(id string, result interface{}) error {
	return q.complete(id, result, true)
}

func (q *Queue) complete(id string, result interface{}, cached bool) error {
	q.mu.Lock()
	t, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("complete %s: %w", id, ErrUnknownTask)
	}
	delete(q.inflight, id)
	delete(q.watchers, id)
	t.Status = task.StatusSucceeded
	t.Result = result
	t.Cached = cached
	t.Err = nil
	q.terminal[task.StatusSucceeded]++
	q.broadcastLocked()
	ev := q.eventLocked(t, "")
	q.mu.Unlock()

	q.publish(ev)
	t.Finish()
	return nil
}

// Fail records a failed execution. The attempt counter is incremented; the
// task is requeued after f.Delay while it is retryable and attempts remain,
// otherwise it becomes terminal. Exhausted retries wrap the error as
// max_retries_exceeded.
func (q *Queue) Fail(id string, f Failure) (FailOutcome, error) {
	q.mu.Lock()
	t, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return Terminal, fmt.Errorf("fail %s: %w", id, ErrUnknownTask)
	}
	delete(q.inflight, id)

	prior := t.Attempt
	t.Attempt++
	t.Err = f.Err

	if f.Retryable && prior < t.MaxRetries && !q.closed {
		q.requeueLocked(t, f.Delay)
		ev := q.eventLocked(t, errorMessage(f.Err))
		q.mu.Unlock()

		q.publish(ev)
		return Requeued, nil
	}

	switch {
	case f.Retryable && prior >= t.MaxRetries:
		t.Err = talerrors.New(talerrors.KindMaxRetriesExceeded,
			fmt.Sprintf("task %s failed after %d attempts", t.ID, t.Attempt), f.Err)
	case f.Retryable && q.closed:
		t.Err = talerrors.New(talerrors.KindShutdown, "task queue closed before retry", f.Err)
	}
	status := terminalStatus(t.Err)
	t.Status = status
	delete(q.watchers, id)
	q.terminal[status]++
	q.broadcastLocked()
	ev := q.eventLocked(t, errorMessage(t.Err))
	q.mu.Unlock()

	q.publish(ev)
	t.Finish()
	return Terminal, nil
}

// Retry requeues an in-flight task immediately, consuming one attempt. When no
// retries are left the task fails terminally and ErrMaxAttemptsExceeded is returned.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	t, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrUnknownTask)
	}
	delete(q.inflight, id)

	if t.Attempt >= t.MaxRetries || q.closed {
		t.Attempt++
		t.Err = talerrors.New(talerrors.KindMaxRetriesExceeded,
			fmt.Sprintf("task %s failed after %d attempts", t.ID, t.Attempt), t.Err)
		t.Status = task.StatusFailed
		delete(q.watchers, id)
		q.terminal[task.StatusFailed]++
		q.broadcastLocked()
		ev := q.eventLocked(t, errorMessage(t.Err))
		q.mu.Unlock()

		q.publish(ev)
		t.Finish()
		return ErrMaxAttemptsExceeded
	}

	t.Attempt++
	q.requeueLocked(t, 0)
	ev := q.eventLocked(t, "")
	q.mu.Unlock()

	q.publish(ev)
	return nil
}

// CancelExecution cancels every task of an execution that has not been
// dequeued yet, including tasks waiting out a retry delay. In-flight tasks are
// left to finish. A deduplicated task another execution still waits on stays
// queued; only this execution's interest in it is dropped. It returns the
// number of cancelled tasks.
func (q *Queue) CancelExecution(executionID string) int {
	q.mu.Lock()
	var cancelled []*task.Task

	for id, it := range q.pending {
		if !q.withdrawLocked(it.t, executionID) {
			continue
		}
		heap.Remove(&q.heaps[clampPriority(it.t.Priority)], it.index)
		delete(q.pending, id)
		q.forgetDedupLocked(it.t)
		cancelled = append(cancelled, it.t)
	}
	for id, d := range q.delayed {
		if !q.withdrawLocked(d.t, executionID) {
			continue
		}
		d.timer.Stop()
		delete(q.delayed, id)
		cancelled = append(cancelled, d.t)
	}

	reason := talerrors.Newf(talerrors.KindCancelled, "execution %s cancelled", executionID)
	evs := make([]events.Event, 0, len(cancelled))
	for _, t := range cancelled {
		t.Status = task.StatusCancelled
		t.Err = reason
		q.terminal[task.StatusCancelled]++
		evs = append(evs, q.eventLocked(t, reason.Error()))
	}
	if len(cancelled) > 0 {
		q.broadcastLocked()
	}
	q.mu.Unlock()

	q.publish(evs...)
	for _, t := range cancelled {
		t.Finish()
	}
	return len(cancelled)
}

// WaitForCapacity blocks until fewer than MaxSize tasks are pending
func (q *Queue) WaitForCapacity(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.pending) < q.cfg.MaxSize {
			q.mu.Unlock()
			return nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Depth returns the number of dequeuable tasks
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of dequeued tasks not yet reported
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Metrics returns a snapshot of the queue counters
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		Depth:            len(q.pending),
		DepthByPriority:  make(map[string]int, len(q.heaps)),
		InFlight:         len(q.inflight),
		Delayed:          len(q.delayed),
		Enqueued:         q.enqueued,
		DedupHits:        q.dedupHits,
		RejectedFull:     q.rejectedFull,
		Completed:        q.terminal[task.StatusSucceeded],
		Failed:           q.terminal[task.StatusFailed] + q.terminal[task.StatusTimedOut],
		Retried:          q.retried,
		Cancelled:        q.terminal[task.StatusCancelled],
		TerminalByStatus: make(map[task.Status]int64, len(q.terminal)),
	}
	now := q.now()
	for _, p := range task.Priorities {
		h := q.heaps[p]
		m.DepthByPriority[p.String()] = h.Len()
		if h.Len() > 0 {
			if age := now.Sub(h[0].t.CreatedAt); age > m.OldestPendingAge {
				m.OldestPendingAge = age
			}
		}
	}
	for s, n := range q.terminal {
		m.TerminalByStatus[s] = n
	}
	return m
}

// Close stops admission and dequeuing. Blocked Dequeue calls return ErrClosed.
// In-flight tasks can still be reported.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes every pending and delayed task, marks them cancelled and returns them
func (q *Queue) Drain() []*task.Task {
	q.mu.Lock()
	var drained []*task.Task
	for _, p := range task.Priorities {
		for q.heaps[p].Len() > 0 {
			it := heap.Pop(&q.heaps[p]).(*item)
			delete(q.pending, it.t.ID)
			drained = append(drained, it.t)
		}
	}
	for id, d := range q.delayed {
		d.timer.Stop()
		delete(q.delayed, id)
		drained = append(drained, d.t)
	}
	q.dedup = make(map[string]dedupEntry)
	q.watchers = make(map[string]map[string]struct{})

	reason := talerrors.New(talerrors.KindShutdown, "task queue drained", nil)
	evs := make([]events.Event, 0, len(drained))
	for _, t := range drained {
		t.Status = task.StatusCancelled
		t.Err = reason
		q.terminal[task.StatusCancelled]++
		evs = append(evs, q.eventLocked(t, reason.Error()))
	}
	q.broadcastLocked()
	q.mu.Unlock()

	q.publish(evs...)
	for _, t := range drained {
		t.Finish()
	}
	return drained
}

func (q *Queue) pushLocked(t *task.Task) {
	q.seq++
	it := &item{t: t, seq: q.seq}
	heap.Push(&q.heaps[clampPriority(t.Priority)], it)
	q.pending[t.ID] = it
}

func (q *Queue) popLocked() *task.Task {
	for _, p := range task.Priorities {
		if q.heaps[p].Len() == 0 {
			continue
		}
		it := heap.Pop(&q.heaps[p]).(*item)
		t := it.t
		delete(q.pending, t.ID)
		q.forgetDedupLocked(t)
		t.Status = task.StatusRunning
		q.inflight[t.ID] = t
		q.broadcastLocked()
		return t
	}
	return nil
}

// requeueLocked re-admits a task regardless of MaxSize, since it was accepted once already
func (q *Queue) requeueLocked(t *task.Task, delay time.Duration) {
	t.Status = task.StatusRetrying
	q.retried++

	if delay <= 0 {
		q.pushLocked(t)
		q.broadcastLocked()
		return
	}

	id := t.ID
	q.delayed[id] = &delayedEntry{
		t: t,
		timer: time.AfterFunc(delay, func() {
			q.readmit(id)
		}),
	}
}

func (q *Queue) readmit(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.delayed[id]
	if !ok {
		return
	}
	delete(q.delayed, id)
	q.pushLocked(d.t)
	q.broadcastLocked()
}

// watchLocked records that executionID waits on the deduplicated task t
func (q *Queue) watchLocked(t *task.Task, executionID string) {
	w, ok := q.watchers[t.ID]
	if !ok {
		w = map[string]struct{}{t.WorkflowExecutionID: {}}
		q.watchers[t.ID] = w
	}
	w[executionID] = struct{}{}
}

// withdrawLocked drops executionID's interest in t and reports whether no
// execution waits on t anymore
func (q *Queue) withdrawLocked(t *task.Task, executionID string) bool {
	w, shared := q.watchers[t.ID]
	if !shared {
		return t.WorkflowExecutionID == executionID
	}
	if _, ok := w[executionID]; !ok {
		return false
	}
	delete(w, executionID)
	if len(w) > 0 {
		return false
	}
	delete(q.watchers, t.ID)
	return true
}

func (q *Queue) forgetDedupLocked(t *task.Task) {
	if t.DedupKey == "" {
		return
	}
	if entry, ok := q.dedup[t.DedupKey]; ok && entry.t == t {
		delete(q.dedup, t.DedupKey)
	}
}

// broadcastLocked wakes every goroutine blocked on the current notify channel
func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// eventLocked snapshots the task into a status event while the lock is held
func (q *Queue) eventLocked(t *task.Task, message string) events.Event {
	return events.Event{
		Type:        events.TaskStatusChanged,
		ExecutionID: t.WorkflowExecutionID,
		WorkflowID:  t.WorkflowID,
		TaskID:      t.ID,
		NodeID:      t.NodeID,
		Target:      t.Target,
		Status:      string(t.Status),
		Attempt:     t.Attempt,
		Message:     message,
	}
}

func (q *Queue) publish(evs ...events.Event) {
	for _, ev := range evs {
		q.emitter.Emit(context.Background(), ev)
	}
}

func terminalStatus(err error) task.Status {
	switch {
	case talerrors.HasKind(err, talerrors.KindTimedOut):
		return task.StatusTimedOut
	case talerrors.HasKind(err, talerrors.KindCancelled), talerrors.HasKind(err, talerrors.KindShutdown):
		return task.StatusCancelled
	}
	return task.StatusFailed
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func clampPriority(p task.Priority) task.Priority {
	if p < task.PriorityCritical {
		return task.PriorityCritical
	}
	if p > task.PriorityLow {
		return task.PriorityLow
	}
	return p
}
