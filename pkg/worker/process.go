package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/connpool"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/task"
)

type outcome struct {
	result  interface{}
	err     error
	cached  bool
	elapsed time.Duration
	// the worker crashed meanwhile and the queue took the task back
	lost bool
}

// process runs one leased task and reports it back to the queue
func (p *Pool) process(w *worker, l *queue.Lease) {
	t := l.Task
	if !p.assign(w, t) {
		err := talerrors.Newf(talerrors.KindWorkerCrashed, "worker %s crashed before running task %s", w.id, t.ID)
		if _, ferr := p.queue.Fail(t.ID, queue.Failure{Err: err, Retryable: true}); ferr != nil {
			p.logger.Warn("Failed to return task", zap.String("task_id", t.ID), zap.Error(ferr))
		}
		return
	}

	ctx, span := p.tracer.Start(w.runCtx, "worker.execute",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.execution_id", t.WorkflowExecutionID),
			attribute.String("task.node_id", t.NodeID),
			attribute.String("task.executor", t.ExecutorRef),
			attribute.String("task.priority", t.Priority.String()),
			attribute.String("task.target", t.Target),
			attribute.Int("task.attempt", l.Attempt),
			attribute.String("worker.id", w.id),
		))
	defer span.End()

	out := p.execute(ctx, w, l)
	span.SetAttributes(
		attribute.Bool("task.cached", out.cached),
		attribute.Bool("task.lost", out.lost),
		attribute.Int64("task.duration_ms", out.elapsed.Milliseconds()))
	tracing.SetError(span, out.err)

	p.report(w, l, out)
	p.setStatus(w, StatusIdle)
}

// execute is the per-task sequence: cache, breaker, connection, executor,
// breaker outcome, cache write. Once w is declared crashed the task belongs to
// its replacement, so no further step runs and nothing is recorded.
func (p *Pool) execute(ctx context.Context, w *worker, l *queue.Lease) outcome {
	t := l.Task
	if p.beforeExecute != nil {
		p.beforeExecute(t)
	}
	if p.lost(w) {
		return outcome{err: lostError(w, t), lost: true}
	}

	desc, ok := p.registry.Lookup(t.ExecutorRef)
	if !ok {
		return outcome{err: talerrors.Newf(talerrors.KindUnknownExecutor, "no executor registered for %q", t.ExecutorRef)}
	}

	cacheable := t.Cacheable && p.cache != nil
	key := t.DedupKey
	if cacheable && key == "" {
		key = task.Fingerprint(t.ExecutorRef, t.Input)
	}
	if cacheable {
		if v, hit := p.cache.Get(key); hit {
			return outcome{result: v, cached: true}
		}
	}

	if err := p.retry.Allow(t.Target); err != nil {
		return outcome{err: err}
	}

	var handle *connpool.Handle
	if desc.Connection != task.ConnectionNone {
		if p.conns == nil {
			p.retry.ReleaseTrial(t.Target)
			return outcome{err: talerrors.Permanent(talerrors.Newf(talerrors.KindConfiguration,
				"executor %q needs a %s connection but no connection pool is configured", t.ExecutorRef, desc.Connection))}
		}
		h, err := p.conns.Acquire(ctx, t.Target, desc.Connection)
		if err != nil {
			p.retry.ReleaseTrial(t.Target)
			if ctx.Err() != nil {
				err = talerrors.New(talerrors.KindShutdown, "task cancelled while waiting for a connection", err)
			}
			return outcome{err: err}
		}
		handle = h
	}

	var out outcome
	if p.lost(w) {
		out = outcome{err: lostError(w, t), lost: true}
	} else {
		out = p.invoke(ctx, w, l, desc, handle)
	}

	if handle != nil {
		if out.lost || talerrors.IsTimeout(out.err) || talerrors.HasKind(out.err, talerrors.KindShutdown) {
			// the abandoned call may still hold the connection
			p.conns.Discard(handle)
		} else {
			p.conns.Release(handle, out.elapsed)
		}
	}

	if out.lost || p.lost(w) {
		p.retry.ReleaseTrial(t.Target)
		out.lost = true
		return out
	}

	switch {
	case out.err == nil:
		p.retry.RecordOutcome(t.Target, true)
	case talerrors.HasKind(out.err, talerrors.KindShutdown), talerrors.HasKind(out.err, talerrors.KindCancelled):
		p.retry.ReleaseTrial(t.Target)
	case talerrors.IsRetryable(out.err):
		p.retry.RecordOutcome(t.Target, false)
	default:
		// a permanent error means the target answered
		p.retry.RecordOutcome(t.Target, true)
	}

	if out.err == nil && cacheable {
		if err := p.cache.Put(key, out.result, 0); err != nil {
			p.logger.Warn("Failed to cache task result",
				zap.String("task_id", t.ID),
				zap.Error(err))
		}
	}
	return out
}

// invoke calls the executor on its own goroutine so the worker can keep
// heartbeating and abandon the call on timeout.
func (p *Pool) invoke(ctx context.Context, w *worker, l *queue.Lease, desc task.Descriptor, h *connpool.Handle) outcome {
	t := l.Task
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTaskTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := &task.ExecContext{
		TaskID:      t.ID,
		ExecutionID: t.WorkflowExecutionID,
		WorkflowID:  t.WorkflowID,
		NodeID:      t.NodeID,
		Attempt:     l.Attempt,
		Config:      t.Config,
		Logger: p.logger.With(
			zap.String("task_id", t.ID),
			zap.String("node_id", t.NodeID),
			zap.String("worker_id", w.id)),
	}
	if h != nil {
		ec.Conn = h
	}

	type result struct {
		v   interface{}
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: talerrors.Newf(talerrors.KindExecutorError, "executor %s panicked: %v", t.ExecutorRef, r)}
			}
		}()
		v, err := desc.Executor.Execute(execCtx, t.Input, ec)
		done <- result{v: v, err: err}
	}()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-done:
			return outcome{result: r.v, err: classifyExecError(t, r.err), elapsed: time.Since(start)}
		case <-ticker.C:
			p.heartbeat(w)
		case <-execCtx.Done():
			elapsed := time.Since(start)
			if p.lost(w) {
				return outcome{err: lostError(w, t), elapsed: elapsed, lost: true}
			}
			if ctx.Err() != nil {
				return outcome{err: talerrors.New(talerrors.KindShutdown, "task cancelled by worker pool shutdown", ctx.Err()), elapsed: elapsed}
			}
			return outcome{err: talerrors.New(talerrors.KindTimedOut,
				fmt.Sprintf("task %s exceeded its %s timeout", t.ID, timeout), execCtx.Err()), elapsed: elapsed}
		}
	}
}

func lostError(w *worker, t *task.Task) error {
	return talerrors.Newf(talerrors.KindWorkerCrashed, "worker %s lost task %s to a crash", w.id, t.ID)
}

// lost reports whether w was declared crashed and its task handed back to the queue
func (p *Pool) lost(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return w.status == StatusCrashed
}

// classifyExecError gives executor errors a kind while keeping the chain intact
func classifyExecError(t *task.Task, err error) error {
	if err == nil {
		return nil
	}
	if talerrors.KindOf(err) != talerrors.KindUnknown {
		return err
	}
	return talerrors.New(talerrors.Categorize(err), fmt.Sprintf("executor %s failed", t.ExecutorRef), err)
}

// report hands the outcome to the queue unless the worker lost the task to a crash
func (p *Pool) report(w *worker, l *queue.Lease, out outcome) {
	t := l.Task
	if out.lost || !p.release(w, t) {
		p.logger.Warn("Discarding result of crashed worker",
			zap.String("worker_id", w.id),
			zap.String("task_id", t.ID))
		return
	}

	if out.err == nil {
		complete := p.queue.Complete
		if out.cached {
			complete = p.queue.CompleteCached
		}
		if err := complete(t.ID, out.result); err != nil {
			p.logger.Warn("Failed to complete task", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		p.mu.Lock()
		p.succeeded++
		if out.cached {
			p.cacheHits++
		}
		p.mu.Unlock()
		return
	}

	decision := p.retry.Decide(t, l.Attempt, out.err)
	result, err := p.queue.Fail(t.ID, queue.Failure{
		Err:       out.err,
		Retryable: p.retry.Classify(out.err) == retry.Retryable,
		Delay:     decision.Delay,
	})
	if err != nil {
		p.logger.Warn("Failed to report task failure", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	if result == queue.Terminal {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		p.logger.Warn("Task failed",
			zap.String("task_id", t.ID),
			zap.String("node_id", t.NodeID),
			zap.String("kind", string(decision.Kind)),
			zap.Int("attempt", l.Attempt+1),
			zap.Error(out.err))
		return
	}
	p.logger.Debug("Task requeued",
		zap.String("task_id", t.ID),
		zap.Duration("delay", decision.Delay),
		zap.Error(out.err))
}
