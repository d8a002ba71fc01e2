package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/task"
)

// State is the lifecycle state of one execution
type State string

const (
	StatePlanning       State = "planning"
	StateExecutingLevel State = "executing_level"
	StateAggregating    State = "aggregating"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// StatusSkipped marks a node that never ran because a dependency did not succeed
const StatusSkipped task.Status = "skipped"

// Mode selects how nodes are released to the queue
type Mode string

const (
	// ModeLevel enqueues level k+1 only once every level-k task is terminal
	ModeLevel Mode = "level"
	// ModeEager enqueues a node as soon as its own dependencies succeeded
	ModeEager Mode = "eager"
)

// Request describes one execution of a planned workflow
type Request struct {
	ExecutionID string
	WorkflowID  string
	Plan        *Plan
	Input       map[string]interface{}
	Priority    task.Priority
	Mode        Mode
	MaxRetries  int
	Timeout     time.Duration
	EnableCache bool
}

// NodeResult is the outcome of one node
type NodeResult struct {
	NodeID    string        `json:"node_id"`
	TaskID    string        `json:"task_id,omitempty"`
	Status    task.Status   `json:"status"`
	Output    interface{}   `json:"output,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Attempts  int           `json:"attempts"`
	Cached    bool          `json:"cached"`
	Duration  time.Duration `json:"duration"`
}

// Result is the aggregated outcome of an execution
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      State                  `json:"status"`
	Nodes       map[string]*NodeResult `json:"nodes"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// Executor runs planned workflows through the task queue
type Executor struct {
	queue    *queue.Queue
	registry *task.Registry
	logger   *zap.Logger
	emitter  *events.Emitter
}

// Option customizes an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPublisher publishes execution.state_changed events
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.emitter = events.NewEmitter(p, e.logger) }
}

// New creates an executor submitting to q and resolving node types in registry
func New(q *queue.Queue, registry *task.Registry, opts ...Option) *Executor {
	e := &Executor{
		queue:    q,
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.emitter == nil {
		e.emitter = events.NewEmitter(nil, e.logger)
	}
	return e
}

// submitted is a node whose task is in the queue
type submitted struct {
	nodeID string
	task   *task.Task
	at     time.Time
}

type execution struct {
	e       *Executor
	req     Request
	plan    *Plan
	results map[string]*NodeResult

	finished  chan submitted
	remaining map[string]int // unresolved dependency count, eager mode
	inFlight  map[string]submitted
	cancelled bool
}

// Execute runs every node of req.Plan and returns a result for each of them.
// An error is returned only when nothing ran: a missing plan or unknown executors.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Plan == nil {
		return nil, talerrors.Newf(talerrors.KindInvalidGraph, "execution has no plan")
	}
	if err := req.Plan.CheckExecutors(e.registry); err != nil {
		return nil, err
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}
	if req.Mode == "" {
		req.Mode = ModeLevel
	}

	x := &execution{
		e:        e,
		req:      req,
		plan:     req.Plan,
		results:  make(map[string]*NodeResult, req.Plan.Len()),
		finished: make(chan submitted, req.Plan.Len()),
		inFlight: make(map[string]submitted),
	}
	res := &Result{
		ExecutionID: req.ExecutionID,
		WorkflowID:  req.WorkflowID,
		StartedAt:   time.Now(),
	}

	e.state(req, StatePlanning, nil)
	e.logger.Info("Executing workflow",
		zap.String("execution_id", req.ExecutionID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("mode", string(req.Mode)),
		zap.Int("nodes", req.Plan.Len()),
		zap.Int("levels", len(req.Plan.Levels)))

	if req.Mode == ModeEager {
		x.runEager(ctx)
	} else {
		x.runLevels(ctx)
	}

	e.state(req, StateAggregating, nil)
	res.Nodes = x.results
	res.Status = StateCompleted
	for _, nr := range x.results {
		if nr.Status != task.StatusSucceeded {
			res.Status = StateFailed
			break
		}
	}
	if x.cancelled {
		res.Status = StateCancelled
	}
	res.FinishedAt = time.Now()

	e.state(req, res.Status, nil)
	e.logger.Info("Workflow execution finished",
		zap.String("execution_id", req.ExecutionID),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

// runLevels releases one partition at a time
func (x *execution) runLevels(ctx context.Context) {
	for _, part := range x.plan.Levels {
		if x.cancelled {
			x.cancelRest(ctx.Err())
			return
		}
		x.e.state(x.req, StateExecutingLevel, map[string]interface{}{"level": part.Level, "nodes": len(part.NodeIDs)})

		for _, id := range part.NodeIDs {
			if !x.depsSucceeded(id) {
				x.skip(id)
				continue
			}
			if !x.submit(ctx, id) {
				break
			}
		}
		for len(x.inFlight) > 0 && !x.cancelled {
			x.await(ctx)
		}
	}
	if x.cancelled {
		x.cancelRest(ctx.Err())
	}
}

// runEager releases each node as soon as its dependencies are resolved
func (x *execution) runEager(ctx context.Context) {
	x.e.state(x.req, StateExecutingLevel, map[string]interface{}{"level": 0, "eager": true})

	x.remaining = make(map[string]int, x.plan.Len())
	var ready []string
	for _, id := range x.plan.order {
		x.remaining[id] = len(x.plan.Dependencies(id))
		if x.remaining[id] == 0 {
			ready = append(ready, id)
		}
	}
	for _, id := range ready {
		if !x.submit(ctx, id) {
			break
		}
	}

	for len(x.inFlight) > 0 && !x.cancelled {
		x.await(ctx)
	}
	if x.cancelled {
		x.cancelRest(ctx.Err())
	}
}

// submit enqueues the task for id, waiting out back-pressure. It returns false
// once the execution was cancelled.
func (x *execution) submit(ctx context.Context, id string) bool {
	t := x.newTask(id)
	now := time.Now()

	for {
		err := x.e.queue.Enqueue(t)
		var dup *queue.DuplicateError
		switch {
		case err == nil:
			x.track(ctx, submitted{nodeID: id, task: t, at: now})
			return true
		case errors.As(err, &dup):
			x.e.logger.Debug("Sharing pending duplicate task",
				zap.String("node_id", id),
				zap.String("task_id", dup.Existing.ID))
			x.track(ctx, submitted{nodeID: id, task: dup.Existing, at: now})
			return true
		case errors.Is(err, queue.ErrQueueFull):
			if werr := x.e.queue.WaitForCapacity(ctx); werr != nil {
				if ctx.Err() != nil {
					x.cancel()
					return false
				}
				x.fail(ctx, id, werr)
				return true
			}
		default:
			x.fail(ctx, id, err)
			return true
		}
	}
}

func (x *execution) newTask(id string) *task.Task {
	n, _ := x.plan.Node(id)
	desc, _ := x.e.registry.Lookup(n.Type)

	t := task.New(x.req.ExecutionID, id, n.Type, x.inputFor(id))
	t.WorkflowID = x.req.WorkflowID
	t.Priority = x.req.Priority
	t.MaxRetries = x.req.MaxRetries
	t.Timeout = x.req.Timeout
	t.Config = n.Config
	t.Target = task.ResolveTarget(n)
	t.Connection = desc.Connection
	if desc.Cacheable {
		t.Cacheable = x.req.EnableCache
		t.DedupKey = task.Fingerprint(n.Type, map[string]interface{}{
			"config": n.Config,
			"input":  t.Input,
		})
	}
	return t
}

// inputFor is the request input for roots, otherwise the outputs of the dependencies by node id
func (x *execution) inputFor(id string) map[string]interface{} {
	deps := x.plan.Dependencies(id)
	if len(deps) == 0 {
		return x.req.Input
	}
	in := make(map[string]interface{}, len(deps))
	for _, d := range deps {
		in[d] = x.results[d].Output
	}
	return in
}

// track waits for the task in the background and reports it on x.finished
func (x *execution) track(ctx context.Context, s submitted) {
	x.inFlight[s.nodeID] = s
	go func() {
		select {
		case <-s.task.Done():
			x.finished <- s
		case <-ctx.Done():
		}
	}()
}

// await blocks for one finished node or cancellation
func (x *execution) await(ctx context.Context) {
	select {
	case s := <-x.finished:
		delete(x.inFlight, s.nodeID)
		x.record(s)
		if x.remaining != nil {
			x.release(ctx, s.nodeID)
		}
	case <-ctx.Done():
		x.cancel()
	}
}

// release resolves the dependents of id in eager mode, submitting the ready
// ones and skipping those with a failed dependency.
func (x *execution) release(ctx context.Context, id string) {
	for _, d := range x.plan.Dependents(id) {
		x.remaining[d]--
		if x.remaining[d] > 0 {
			continue
		}
		if !x.depsSucceeded(d) {
			x.skip(d)
			x.release(ctx, d)
			continue
		}
		if !x.submit(ctx, d) {
			return
		}
	}
}

func (x *execution) depsSucceeded(id string) bool {
	for _, d := range x.plan.Dependencies(id) {
		nr, ok := x.results[d]
		if !ok || nr.Status != task.StatusSucceeded {
			return false
		}
	}
	return true
}

func (x *execution) record(s submitted) {
	out := s.task.Outcome()
	nr := &NodeResult{
		NodeID:   s.nodeID,
		TaskID:   s.task.ID,
		Status:   out.Status,
		Attempts: out.Attempt,
		Cached:   out.Cached,
		Duration: time.Since(s.at),
	}
	if out.Status == task.StatusSucceeded {
		// Attempt counts failures only
		nr.Output = out.Result
		nr.Attempts++
	} else {
		x.setError(nr, out.Err)
	}
	x.results[s.nodeID] = nr
}

func (x *execution) skip(id string) {
	x.results[id] = &NodeResult{
		NodeID:    id,
		Status:    StatusSkipped,
		Error:     "a dependency did not succeed",
		ErrorKind: string(talerrors.KindCancelled),
	}
}

// fail records a node that could not be submitted
func (x *execution) fail(ctx context.Context, id string, err error) {
	nr := &NodeResult{NodeID: id, Status: task.StatusFailed}
	x.setError(nr, err)
	x.results[id] = nr
	if x.remaining != nil {
		x.release(ctx, id)
	}
}

func (x *execution) setError(nr *NodeResult, err error) {
	if err == nil {
		return
	}
	nr.Err = err
	nr.Error = err.Error()
	nr.ErrorKind = string(errorKind(err))
}

// cancel withdraws every queued task of the execution
func (x *execution) cancel() {
	if x.cancelled {
		return
	}
	x.cancelled = true
	n := x.e.queue.CancelExecution(x.req.ExecutionID)
	x.e.logger.Info("Execution cancelled",
		zap.String("execution_id", x.req.ExecutionID),
		zap.Int("withdrawn_tasks", n))
}

// cancelRest reports every node without a result. Tasks that already finished
// keep their real outcome; running ones are left to finish on their own.
func (x *execution) cancelRest(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	reason := talerrors.New(talerrors.KindCancelled, fmt.Sprintf("execution %s cancelled", x.req.ExecutionID), cause)

	for id, s := range x.inFlight {
		select {
		case <-s.task.Done():
			x.record(s)
			if x.results[id].Status != task.StatusCancelled {
				continue
			}
		default:
		}
		nr := &NodeResult{NodeID: id, TaskID: s.task.ID, Status: task.StatusCancelled, Duration: time.Since(s.at)}
		x.setError(nr, reason)
		x.results[id] = nr
	}
	x.inFlight = map[string]submitted{}

	for _, id := range x.plan.order {
		if _, ok := x.results[id]; ok {
			continue
		}
		nr := &NodeResult{NodeID: id, Status: task.StatusCancelled}
		x.setError(nr, reason)
		x.results[id] = nr
	}
}

func (e *Executor) state(req Request, s State, data map[string]interface{}) {
	e.emitter.Emit(context.Background(), events.Event{
		Type:        events.ExecutionStateChanged,
		ExecutionID: req.ExecutionID,
		WorkflowID:  req.WorkflowID,
		Status:      string(s),
		Data:        data,
	})
}

// errorKind reports the outermost kind, so exhausted retries read as
// max_retries_exceeded while the cause stays in the message.
func errorKind(err error) talerrors.Kind {
	if k := talerrors.KindOf(err); k != talerrors.KindUnknown {
		return k
	}
	return talerrors.Categorize(err)
}
