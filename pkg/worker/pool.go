// Package worker runs tasks pulled from the shared queue on a supervised,
// elastically sized set of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/connpool"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/task"
)

// Status is the lifecycle state of a worker
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
)

// Info is a point-in-time view of one worker
type Info struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	TasksCompleted int64     `json:"tasks_completed"`
	IdleSince      time.Time `json:"idle_since,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// Stats aggregates pool counters
type Stats struct {
	Size             int   `json:"size"`
	MinWorkers       int   `json:"min_workers"`
	MaxWorkers       int   `json:"max_workers"`
	Idle             int   `json:"idle"`
	Busy             int   `json:"busy"`
	Crashed          int   `json:"crashed"`
	TargetQueueDepth int   `json:"target_queue_depth"`
	Succeeded        int64 `json:"succeeded"`
	Failed           int64 `json:"failed"`
	CacheHits        int64 `json:"cache_hits"`
	Crashes          int64 `json:"crashes"`
	Restarts         int64 `json:"restarts"`
	ScaleUps         int64 `json:"scale_ups"`
	ScaleDowns       int64 `json:"scale_downs"`
}

type worker struct {
	id     string
	ctx    context.Context // stops dequeuing
	cancel context.CancelFunc
	// runCtx parents task execution; crash cancels it to abandon the running task
	runCtx  context.Context
	stopRun context.CancelFunc

	// guarded by Pool.mu
	status         Status
	current        *task.Task
	lastHeartbeat  time.Time
	idleSince      time.Time
	startedAt      time.Time
	tasksCompleted int64
}

// Pool is a supervised set of workers sharing one queue. Each worker runs at
// most one task at a time.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	registry *task.Registry
	retry    *retry.Controller
	cache    *cache.Cache
	conns    *connpool.Pool
	logger   *zap.Logger
	emitter  *events.Emitter
	tracer   trace.Tracer
	now      func() time.Time

	beforeExecute func(*task.Task)

	mu          sync.Mutex
	workers     map[string]*worker
	seq         int
	targetDepth int
	aboveSince  time.Time
	started     bool
	stopping    bool

	runCtx        context.Context // cancelled to abandon in-flight tasks
	cancelRun     context.CancelFunc
	dequeueCtx    context.Context // cancelled to stop taking new tasks
	cancelDequeue context.CancelFunc
	superDone     chan struct{}
	wg            sync.WaitGroup

	succeeded  int64
	failed     int64
	cacheHits  int64
	crashes    int64
	restarts   int64
	scaleUps   int64
	scaleDowns int64
}

// Option customizes a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisher publishes worker.status_changed events
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pool) { p.emitter = events.NewEmitter(pub, p.logger) }
}

// WithCache enables result caching for cacheable tasks
func WithCache(c *cache.Cache) Option {
	return func(p *Pool) { p.cache = c }
}

// WithConnections provides connections to executors that need one
func WithConnections(c *connpool.Pool) Option {
	return func(p *Pool) { p.conns = c }
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) { p.tracer = t }
}

// WithClock replaces time.Now for heartbeats and idle tracking
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// withBeforeExecute runs fn on the worker goroutine right after a task is assigned
func withBeforeExecute(fn func(*task.Task)) Option {
	return func(p *Pool) { p.beforeExecute = fn }
}

// New creates a pool over q. Executors are resolved through registry and
// failures are judged by rc.
func New(cfg Config, q *queue.Queue, registry *task.Registry, rc *retry.Controller, opts ...Option) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if rc == nil {
		return nil, errors.New("retry controller cannot be nil")
	}

	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:         cfg,
		queue:       q,
		registry:    registry,
		retry:       rc,
		logger:      zap.NewNop(),
		tracer:      tracing.Tracer("worker"),
		now:         time.Now,
		workers:     make(map[string]*worker),
		targetDepth: cfg.ScaleUpThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.emitter == nil {
		p.emitter = events.NewEmitter(nil, p.logger)
	}
	return p, nil
}

// Start launches MinWorkers workers and the supervisor
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	p.started = true
	p.runCtx, p.cancelRun = context.WithCancel(ctx)
	p.dequeueCtx, p.cancelDequeue = context.WithCancel(p.runCtx)
	p.superDone = make(chan struct{})

	var evs []events.Event
	for i := 0; i < p.cfg.MinWorkers; i++ {
		evs = append(evs, p.spawnLocked())
	}
	p.mu.Unlock()

	p.emit(evs...)
	go p.supervise()

	p.logger.Info("Worker pool started",
		zap.Int("min_workers", p.cfg.MinWorkers),
		zap.Int("max_workers", p.cfg.MaxWorkers))
	return nil
}

// Shutdown stops the pool. A graceful shutdown stops dequeuing and waits for
// in-flight tasks up to ShutdownTimeout (or ctx) before cancelling them; a
// non-graceful one cancels them at once. Tasks still pending in the queue are
// drained and reported cancelled.
func (p *Pool) Shutdown(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool", zap.Bool("graceful", graceful))

	p.queue.Close()
	p.cancelDequeue()
	<-p.superDone

	allDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(allDone)
	}()

	var err error
	if graceful {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		select {
		case <-allDone:
		case <-waitCtx.Done():
			p.logger.Warn("Shutdown timeout reached, cancelling in-flight tasks",
				zap.Int("in_flight", p.queue.InFlight()))
		}
		cancel()
	}
	p.cancelRun()

	// Cancelled executions are abandoned immediately; only hung workers linger
	select {
	case <-allDone:
	case <-time.After(p.cfg.HeartbeatTimeout):
		err = errors.New("some workers did not stop")
	case <-ctx.Done():
		err = ctx.Err()
	}

	drained := p.queue.Drain()
	p.logger.Info("Worker pool stopped", zap.Int("drained_tasks", len(drained)))
	return err
}

// SetTargetQueueDepth changes the queue depth above which the pool grows
func (p *Pool) SetTargetQueueDepth(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	p.targetDepth = n
	p.aboveSince = time.Time{}
	p.mu.Unlock()
}

// Size returns the number of live workers
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

// Health returns every known worker, sorted by id. Crashed workers stay
// listed until their goroutine exits.
func (p *Pool) Health() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		info := Info{
			ID:             w.id,
			Status:         w.status,
			LastHeartbeat:  w.lastHeartbeat,
			TasksCompleted: w.tasksCompleted,
			IdleSince:      w.idleSince,
			StartedAt:      w.startedAt,
		}
		if w.current != nil {
			info.CurrentTaskID = w.current.ID
		}
		out = append(out, info)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy reports whether the pool runs at least MinWorkers live workers
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopping && p.sizeLocked() >= p.cfg.MinWorkers
}

// Stats returns pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:             p.sizeLocked(),
		MinWorkers:       p.cfg.MinWorkers,
		MaxWorkers:       p.cfg.MaxWorkers,
		TargetQueueDepth: p.targetDepth,
		Succeeded:        p.succeeded,
		Failed:           p.failed,
		CacheHits:        p.cacheHits,
		Crashes:          p.crashes,
		Restarts:         p.restarts,
		ScaleUps:         p.scaleUps,
		ScaleDowns:       p.scaleDowns,
	}
	for _, w := range p.workers {
		switch w.status {
		case StatusIdle:
			s.Idle++
		case StatusBusy:
			s.Busy++
		case StatusCrashed:
			s.Crashed++
		}
	}
	return s
}

func (p *Pool) sizeLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.status != StatusCrashed && w.status != StatusStopping {
			n++
		}
	}
	return n
}

// spawnLocked registers and starts a new worker
func (p *Pool) spawnLocked() events.Event {
	p.seq++
	now := p.now()
	ctx, cancel := context.WithCancel(p.dequeueCtx)
	runCtx, stopRun := context.WithCancel(p.runCtx)
	w := &worker{
		id:            fmt.Sprintf("worker-%d", p.seq),
		ctx:           ctx,
		cancel:        cancel,
		runCtx:        runCtx,
		stopRun:       stopRun,
		status:        StatusStarting,
		lastHeartbeat: now,
		startedAt:     now,
	}
	p.workers[w.id] = w

	p.wg.Add(1)
	go p.run(w)
	return p.eventLocked(w, "")
}

// run is the worker loop: heartbeat, pull one task, execute it, repeat
func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.crash(w, fmt.Sprintf("worker panicked: %v", r))
		}
		p.exit(w)
	}()

	p.setStatus(w, StatusIdle)
	for {
		if !p.heartbeat(w) || w.ctx.Err() != nil {
			return
		}

		pollCtx, cancel := context.WithTimeout(w.ctx, p.cfg.HeartbeatInterval)
		l, err := p.queue.Dequeue(pollCtx)
		cancel()
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			continue
		}
		p.process(w, l)
	}
}

// heartbeat refreshes the worker's liveness; false once it was declared crashed
func (p *Pool) heartbeat(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.status == StatusCrashed {
		return false
	}
	w.lastHeartbeat = p.now()
	return true
}

func (p *Pool) setStatus(w *worker, status Status) {
	p.mu.Lock()
	if w.status == StatusCrashed || w.status == status {
		p.mu.Unlock()
		return
	}
	w.status = status
	if status == StatusIdle {
		w.idleSince = p.now()
	}
	ev := p.eventLocked(w, "")
	p.mu.Unlock()

	p.emit(ev)
}

// assign marks w busy with t; false when w was declared crashed meanwhile
func (p *Pool) assign(w *worker, t *task.Task) bool {
	p.mu.Lock()
	if w.status == StatusCrashed {
		p.mu.Unlock()
		return false
	}
	w.status = StatusBusy
	w.current = t
	w.lastHeartbeat = p.now()
	ev := p.eventLocked(w, "")
	p.mu.Unlock()

	p.emit(ev)
	return true
}

// release takes back the right to report t. A crashed worker lost it to the supervisor.
func (p *Pool) release(w *worker, t *task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.status == StatusCrashed || w.current != t {
		return false
	}
	w.current = nil
	w.tasksCompleted++
	return true
}

// exit removes a stopped worker
func (p *Pool) exit(w *worker) {
	p.mu.Lock()
	crashed := w.status == StatusCrashed
	delete(p.workers, w.id)
	var evs []events.Event
	if !crashed && w.status != StatusStopping {
		w.status = StatusStopping
		evs = append(evs, p.eventLocked(w, ""))
	}
	p.mu.Unlock()

	w.cancel()
	w.stopRun()
	p.emit(evs...)
}

// crash declares w crashed, requeues its task and optionally replaces it
func (p *Pool) crash(w *worker, reason string) {
	p.mu.Lock()
	if w.status == StatusCrashed {
		p.mu.Unlock()
		return
	}
	w.status = StatusCrashed
	t := w.current
	w.current = nil
	p.crashes++
	evs := []events.Event{p.eventLocked(w, reason)}
	if t != nil {
		evs[0].TaskID = t.ID
	}
	if p.cfg.AutoRestart && !p.stopping && p.sizeLocked() < p.cfg.MaxWorkers {
		p.restarts++
		evs = append(evs, p.spawnLocked())
	}
	p.mu.Unlock()

	w.cancel()
	w.stopRun()
	p.logger.Error("Worker crashed",
		zap.String("worker_id", w.id),
		zap.String("reason", reason))
	p.emit(evs...)

	if t == nil {
		return
	}
	err := talerrors.Newf(talerrors.KindWorkerCrashed, "worker %s crashed while running task %s: %s", w.id, t.ID, reason)
	if _, ferr := p.queue.Fail(t.ID, queue.Failure{Err: err, Retryable: true}); ferr != nil {
		p.logger.Warn("Failed to return task of crashed worker",
			zap.String("task_id", t.ID),
			zap.Error(ferr))
	}
}

func (p *Pool) eventLocked(w *worker, message string) events.Event {
	ev := events.Event{
		Type:     events.WorkerStatusChanged,
		WorkerID: w.id,
		Status:   string(w.status),
		Message:  message,
	}
	if w.current != nil {
		ev.TaskID = w.current.ID
		ev.ExecutionID = w.current.WorkflowExecutionID
		ev.NodeID = w.current.NodeID
	}
	return ev
}

func (p *Pool) emit(evs ...events.Event) {
	for _, ev := range evs {
		p.emitter.Emit(context.Background(), ev)
	}
}
