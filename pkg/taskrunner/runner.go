// Package taskrunner is the entry point for workflow executions. It owns the
// queue, worker pool and supporting components, drives the distributed
// executor and hands finished executions to result sinks.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/connpool"
	"github.com/wehubfusion/Talos/pkg/distributed"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/memory"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/storage"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/worker"
)

// ErrNotRunning is returned by ExecuteWorkflow before Start and after Shutdown
var ErrNotRunning = talerrors.New(talerrors.KindShutdown, "task runner is not running", nil)

// Options tune one workflow execution
type Options struct {
	// Priority is critical, high, normal or low; empty uses the configured default
	Priority    string
	EnableCache bool
	// EnableDistributed keeps the level barrier for workflows of DirectThreshold nodes or more
	EnableDistributed bool
	Input             map[string]interface{}
	// Timeout bounds each task; zero uses the worker default
	Timeout time.Duration
	// ExecutionID is generated when empty
	ExecutionID string
}

// Execution is the outcome of ExecuteWorkflow
type Execution struct {
	distributed.Result
	Mode distributed.Mode `json:"mode"`
}

// Components are the parts a runner drives. Queue, Retry and Pool are required.
type Components struct {
	Queue       *queue.Queue
	Retry       *retry.Controller
	Pool        *worker.Pool
	Cache       *cache.Cache
	Connections *connpool.Pool
	Memory      *memory.Monitor
}

type activeExecution struct {
	info   ActiveExecution
	cancel context.CancelFunc
}

// Runner executes workflows
type Runner struct {
	cfg      Config
	c        Components
	registry *task.Registry
	executor *distributed.Executor

	logger    *zap.Logger
	publisher events.Publisher
	sinks     []storage.ResultSink
	tracer    trace.Tracer

	mu        sync.Mutex
	started   bool
	stopping  bool
	cancelRun context.CancelFunc
	active    map[string]*activeExecution
	completed int64
	failed    int64
	cancelled int64
	bg        sync.WaitGroup
}

// Option customizes a Runner
type Option func(*Runner)

// WithLogger sets the logger of the runner and of the components New builds
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPublisher sets the outbound event channel
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithResultSinks adds sinks that receive every finished execution
func WithResultSinks(sinks ...storage.ResultSink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

func newRunner(cfg Config, registry *task.Registry, opts []Option) *Runner {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultConfig().SinkTimeout
	}
	r := &Runner{
		cfg:       cfg,
		registry:  registry,
		logger:    zap.NewNop(),
		publisher: events.Nop{},
		tracer:    tracing.Tracer("taskrunner"),
		active:    make(map[string]*activeExecution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New builds every component from cfg
func New(cfg Config, registry *task.Registry, opts ...Option) (*Runner, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	r := newRunner(cfg, registry, opts)
	log, pub := r.logger, r.publisher

	var c Components
	c.Queue = queue.New(cfg.Queue, queue.WithLogger(log.Named("queue")), queue.WithPublisher(pub))
	c.Retry = retry.New(cfg.Retry, retry.WithLogger(log.Named("retry")), retry.WithPublisher(pub))

	poolOpts := []worker.Option{worker.WithLogger(log.Named("worker")), worker.WithPublisher(pub)}
	if cfg.EnableCache {
		rc, err := cache.New(cfg.Cache, cache.WithLogger(log.Named("cache")))
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		c.Cache = rc
		poolOpts = append(poolOpts, worker.WithCache(rc))
	}
	if cfg.EnableConnections {
		c.Connections = connpool.New(cfg.Connections, connpool.WithLogger(log.Named("connpool")))
		poolOpts = append(poolOpts, worker.WithConnections(c.Connections))
	}

	pool, err := worker.New(cfg.Workers, c.Queue, registry, c.Retry, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	c.Pool = pool

	if cfg.EnableMemoryMonitor {
		memOpts := []memory.Option{memory.WithLogger(log.Named("memory")), memory.WithPublisher(pub)}
		if c.Cache != nil {
			memOpts = append(memOpts, memory.WithEvictor(c.Cache))
		}
		c.Memory = memory.New(cfg.Memory, memOpts...)
	}

	r.c = c
	r.executor = distributed.New(c.Queue, registry, distributed.WithLogger(log.Named("distributed")), distributed.WithPublisher(pub))
	return r, nil
}

// NewFromComponents drives components built by the caller. The runner still
// owns their lifecycle.
func NewFromComponents(cfg Config, c Components, registry *task.Registry, opts ...Option) (*Runner, error) {
	if c.Queue == nil || c.Retry == nil || c.Pool == nil {
		return nil, errors.New("queue, retry controller and worker pool are required")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	r := newRunner(cfg, registry, opts)
	r.c = c
	r.executor = distributed.New(c.Queue, registry, distributed.WithLogger(r.logger.Named("distributed")), distributed.WithPublisher(r.publisher))
	return r, nil
}

// Components returns the driven components
func (r *Runner) Components() Components {
	return r.c
}

// Start launches the worker pool and the background loops
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("task runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := r.c.Pool.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if r.c.Connections != nil {
		r.c.Connections.Start(runCtx)
	}
	if r.c.Memory != nil {
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.c.Memory.Run(runCtx)
		}()
	}

	r.started = true
	r.cancelRun = cancel
	r.logger.Info("Task runner started",
		zap.Int("direct_threshold", r.cfg.DirectThreshold),
		zap.Int("result_sinks", len(r.sinks)))
	return nil
}

// ExecuteWorkflow plans and runs one workflow. Planning failures (invalid
// graph, cycle, unknown executor) return an error and no execution; every
// other outcome returns a result for each node.
func (r *Runner) ExecuteWorkflow(ctx context.Context, workflowID string, nodes []task.Node, edges []task.Edge, opts Options) (*Execution, error) {
	r.mu.Lock()
	running := r.started && !r.stopping
	r.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	prioName := opts.Priority
	if prioName == "" {
		prioName = r.cfg.DefaultPriority
	}
	priority, err := task.ParsePriority(prioName)
	if err != nil {
		return nil, talerrors.New(talerrors.KindConfiguration, "invalid workflow priority", err)
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	ctx, span := r.tracer.Start(ctx, "taskrunner.execute_workflow",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("execution.id", executionID),
			attribute.Int("workflow.nodes", len(nodes)),
			attribute.String("workflow.priority", priority.String()),
		))
	defer span.End()

	plan, err := distributed.BuildPlan(nodes, edges)
	if err != nil {
		tracing.SetError(span, err)
		r.logger.Warn("Workflow planning failed",
			zap.String("workflow_id", workflowID),
			zap.String("kind", string(talerrors.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	mode := distributed.ModeLevel
	if !opts.EnableDistributed || plan.Len() < r.cfg.DirectThreshold {
		mode = distributed.ModeEager
	}
	span.SetAttributes(
		attribute.String("execution.mode", string(mode)),
		attribute.Int("workflow.levels", len(plan.Levels)))

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(executionID, workflowID, mode, plan.Len(), cancel)
	defer r.untrack(executionID)

	res, err := r.executor.Execute(execCtx, distributed.Request{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Plan:        plan,
		Input:       opts.Input,
		Priority:    priority,
		Mode:        mode,
		MaxRetries:  r.c.Retry.Config().MaxRetries(),
		Timeout:     opts.Timeout,
		EnableCache: opts.EnableCache,
	})
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	exec := &Execution{Result: *res, Mode: mode}
	r.count(exec.Status)
	span.SetAttributes(attribute.String("execution.status", string(exec.Status)))
	if exec.Status != distributed.StateCompleted {
		tracing.SetError(span, fmt.Errorf("execution %s", exec.Status))
	}

	r.store(exec)
	return exec, nil
}

// Shutdown stops accepting workflows, lets in-flight tasks finish within the
// pool's shutdown timeout and releases every component.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.mu.Unlock()

	r.logger.Info("Shutting down task runner")
	err := r.c.Pool.Shutdown(ctx, true)

	r.mu.Lock()
	for _, a := range r.active {
		a.cancel()
	}
	r.mu.Unlock()

	r.cancelRun()
	r.bg.Wait()

	if r.c.Connections != nil {
		if cerr := r.c.Connections.Close(); cerr != nil {
			r.logger.Warn("Failed to close connection pool", zap.Error(cerr))
		}
	}
	if r.c.Cache != nil {
		r.c.Cache.Close()
	}

	r.logger.Info("Task runner stopped")
	return err
}

func (r *Runner) track(executionID, workflowID string, mode distributed.Mode, nodes int, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[executionID] = &activeExecution{
		info: ActiveExecution{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			Mode:        string(mode),
			Nodes:       nodes,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
	}
}

func (r *Runner) untrack(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, executionID)
}

func (r *Runner) count(s distributed.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s {
	case distributed.StateCompleted:
		r.completed++
	case distributed.StateCancelled:
		r.cancelled++
	default:
		r.failed++
	}
}

// store hands the execution to every sink; failures are only logged
func (r *Runner) store(exec *Execution) {
	if len(r.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
	defer cancel()

	rec := Record(exec)
	for _, s := range r.sinks {
		if err := s.StoreExecution(ctx, rec); err != nil {
			r.logger.Error("Failed to persist execution result",
				zap.String("execution_id", exec.ExecutionID),
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Error(err))
		}
	}
}

// Record converts an execution into its persisted form
func Record(exec *Execution) *storage.ExecutionRecord {
	rec := &storage.ExecutionRecord{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      string(exec.Status),
		Mode:        string(exec.Mode),
		StartedAt:   exec.StartedAt,
		FinishedAt:  exec.FinishedAt,
		Nodes:       make(map[string]*storage.NodeRecord, len(exec.Nodes)),
	}
	for id, nr := range exec.Nodes {
		rec.Nodes[id] = &storage.NodeRecord{
			Status:     string(nr.Status),
			TaskID:     nr.TaskID,
			Output:     nr.Output,
			Error:      nr.Error,
			ErrorKind:  nr.ErrorKind,
			Attempts:   nr.Attempts,
			Cached:     nr.Cached,
			DurationMs: nr.Duration.Milliseconds(),
		}
	}
	return rec
}
