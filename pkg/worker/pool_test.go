package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/connpool"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/task"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) workerStatuses(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == events.WorkerStatusChanged && e.Status == status {
			n++
		}
	}
	return n
}

type harness struct {
	queue    *queue.Queue
	registry *task.Registry
	retry    *retry.Controller
	pool     *Pool
}

func fastConfig() Config {
	return Config{
		MinWorkers:           2,
		MaxWorkers:           4,
		MonitorInterval:      10 * time.Millisecond,
		ScaleUpThreshold:     100,
		ScaleUpSustain:       time.Hour,
		ScaleDownIdleTimeout: time.Hour,
		HeartbeatInterval:    10 * time.Millisecond,
		HeartbeatTimeout:     time.Second,
		AutoRestart:          true,
		ShutdownTimeout:      time.Second,
		DefaultTaskTimeout:   time.Second,
	}
}

func fastRetry(maxAttempts int) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func newHarness(t *testing.T, cfg Config, rcfg retry.Config, register func(*task.Registry), opts ...Option) *harness {
	t.Helper()
	h := &harness{
		queue:    queue.New(queue.DefaultConfig()),
		registry: task.NewRegistry(),
		retry:    retry.New(rcfg),
	}
	register(h.registry)

	p, err := New(cfg, h.queue, h.registry, h.retry, opts...)
	require.NoError(t, err)
	h.pool = p
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background(), false) })
	return h
}

func (h *harness) submit(t *testing.T, ref string, input map[string]interface{}, mutate ...func(*task.Task)) *task.Task {
	t.Helper()
	tk := task.New("exec-1", "node", ref, input)
	tk.MaxRetries = h.retry.Config().MaxRetries()
	for _, m := range mutate {
		m(tk)
	}
	require.NoError(t, h.queue.Enqueue(tk))
	return tk
}

func waitDone(t *testing.T, tk *task.Task) task.Snapshot {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", tk.ID)
	}
	return tk.Outcome()
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(fastConfig(), nil, task.NewRegistry(), retry.New(retry.DefaultConfig()))
	assert.Error(t, err)
}

func TestRunsTasksToCompletion(t *testing.T) {
	h := newHarness(t, fastConfig(), fastRetry(3), func(r *task.Registry) {
		r.MustRegister("double", task.ExecutorFunc(func(_ context.Context, in map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
			return in["n"].(int) * 2, nil
		}))
	})

	tasks := make([]*task.Task, 10)
	for i := range tasks {
		tasks[i] = h.submit(t, "double", map[string]interface{}{"n": i})
	}
	for i, tk := range tasks {
		out := waitDone(t, tk)
		assert.Equal(t, task.StatusSucceeded, out.Status)
		assert.Equal(t, i*2, out.Result)
	}
	assert.EqualValues(t, 10, h.pool.Stats().Succeeded)
	assert.Equal(t, 2, h.pool.Size())
}

func TestPermanentlyFailingExecutorRunsMaxRetriesPlusOne(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, fastConfig(), fastRetry(4), func(r *task.Registry) {
		r.MustRegister("boom", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("boom")
		}))
	})

	out := waitDone(t, h.submit(t, "boom", nil))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.True(t, talerrors.HasKind(out.Err, talerrors.KindMaxRetriesExceeded))
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, 4, out.Attempt)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, fastConfig(), fastRetry(5), func(r *task.Registry) {
		r.MustRegister("invalid", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			calls.Add(1)
			return nil, talerrors.Permanent(errors.New("bad input"))
		}))
	})

	out := waitDone(t, h.submit(t, "invalid", nil))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, talerrors.IsPermanent(out.Err))
}

func TestTimeoutAbandonsExecutor(t *testing.T) {
	h := newHarness(t, fastConfig(), fastRetry(1), func(r *task.Registry) {
		r.MustRegister("slow", task.ExecutorFunc(func(ctx context.Context, _ map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
			time.Sleep(time.Second)
			return "late", nil
		}))
	})

	start := time.Now()
	out := waitDone(t, h.submit(t, "slow", nil, func(tk *task.Task) { tk.Timeout = 30 * time.Millisecond }))
	assert.Equal(t, task.StatusTimedOut, out.Status)
	assert.True(t, talerrors.IsTimeout(out.Err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecutorPanicIsAnExecutorError(t *testing.T) {
	h := newHarness(t, fastConfig(), fastRetry(1), func(r *task.Registry) {
		r.MustRegister("panics", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			panic("nil map")
		}))
	})

	out := waitDone(t, h.submit(t, "panics", nil))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.True(t, talerrors.HasKind(out.Err, talerrors.KindExecutorError))
	assert.Contains(t, out.Err.Error(), "panicked")
	assert.Equal(t, 2, h.pool.Size(), "executor panics do not crash the worker")
}

func TestCacheHitSkipsExecutor(t *testing.T) {
	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int64
	h := newHarness(t, fastConfig(), fastRetry(1), func(r *task.Registry) {
		r.MustRegister("pure", task.ExecutorFunc(func(_ context.Context, in map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
			calls.Add(1)
			return map[string]interface{}{"echo": in["v"]}, nil
		}), task.Cacheable())
	}, WithCache(c))

	cacheable := func(tk *task.Task) { tk.Cacheable = true }
	first := waitDone(t, h.submit(t, "pure", map[string]interface{}{"v": "x"}, cacheable))
	second := waitDone(t, h.submit(t, "pure", map[string]interface{}{"v": "x"}, cacheable))

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, task.StatusSucceeded, second.Status)
	assert.Equal(t, first.Result, second.Result)
	assert.EqualValues(t, 1, h.pool.Stats().CacheHits)

	// non-cacheable tasks never read the cache
	waitDone(t, h.submit(t, "pure", map[string]interface{}{"v": "x"}))
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenBreakerRejectsWithoutCallingExecutor(t *testing.T) {
	rcfg := fastRetry(1)
	rcfg.Breaker.FailureThreshold = 1
	rcfg.Breaker.OpenTimeout = time.Hour

	var calls atomic.Int64
	h := newHarness(t, fastConfig(), rcfg, func(r *task.Registry) {
		r.MustRegister("flaky", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("503 from upstream")
		}))
	})
	target := func(tk *task.Task) { tk.Target = "upstream" }

	waitDone(t, h.submit(t, "flaky", map[string]interface{}{"i": 1}, target))
	assert.True(t, h.retry.IsOpen("upstream"))

	out := waitDone(t, h.submit(t, "flaky", map[string]interface{}{"i": 2}, target))
	assert.True(t, talerrors.IsCircuitOpen(out.Err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestConnectionIsAcquiredAndReleased(t *testing.T) {
	var dialed atomic.Int64
	conns := connpool.New(connpool.DefaultConfig(),
		connpool.WithDialer(task.ConnectionHTTP, func(context.Context, string) (*connpool.Resource, error) {
			dialed.Add(1)
			return connpool.NewResource(nil, nil, nil), nil
		}))
	defer conns.Close()

	h := newHarness(t, fastConfig(), fastRetry(1), func(r *task.Registry) {
		r.MustRegister("call", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
			if ec.Conn == nil {
				return nil, errors.New("no connection")
			}
			return ec.Conn.Target(), nil
		}), task.NeedsConnection(task.ConnectionHTTP))
	}, WithConnections(conns))

	for i := 0; i < 3; i++ {
		out := waitDone(t, h.submit(t, "call", map[string]interface{}{"i": i}, func(tk *task.Task) { tk.Target = "api.local" }))
		assert.Equal(t, "api.local", out.Result)
	}
	m := conns.Metrics()
	assert.Equal(t, 0, m.Active)
	assert.EqualValues(t, 3, m.LatencyCount)
	assert.LessOrEqual(t, dialed.Load(), int64(2))
}

func TestMissingConnectionPoolIsFatal(t *testing.T) {
	h := newHarness(t, fastConfig(), fastRetry(3), func(r *task.Registry) {
		r.MustRegister("call", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			return nil, nil
		}), task.NeedsConnection(task.ConnectionDatabase))
	})

	out := waitDone(t, h.submit(t, "call", nil))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.Equal(t, 1, out.Attempt)
}

func TestHungWorkerIsCrashedAndReplaced(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	cfg.HeartbeatTimeout = 60 * time.Millisecond

	var hooks atomic.Int64
	unblock := make(chan struct{})
	defer close(unblock)

	rec := &recorder{}
	var calls atomic.Int64
	h := newHarness(t, cfg, fastRetry(4), func(r *task.Registry) {
		r.MustRegister("work", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			calls.Add(1)
			return "done", nil
		}))
	}, WithPublisher(rec), withBeforeExecute(func(*task.Task) {
		if hooks.Add(1) == 1 {
			<-unblock
		}
	}))

	out := waitDone(t, h.submit(t, "work", nil))
	assert.Equal(t, task.StatusSucceeded, out.Status)
	assert.Equal(t, 1, out.Attempt, "the crashed attempt counts")
	assert.Equal(t, "done", out.Result)

	s := h.pool.Stats()
	assert.EqualValues(t, 1, s.Crashes)
	assert.GreaterOrEqual(t, s.Restarts, int64(1))
	assert.GreaterOrEqual(t, rec.workerStatuses(string(StatusCrashed)), 1)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCrashedWorkerDoesNotRunItsTaskAgain(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	cfg.HeartbeatTimeout = 60 * time.Millisecond

	var hooks atomic.Int64
	unblock := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(unblock) }) }
	defer release()

	var calls atomic.Int64
	h := newHarness(t, cfg, fastRetry(4), func(r *task.Registry) {
		r.MustRegister("work", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			calls.Add(1)
			return "done", nil
		}))
	}, withBeforeExecute(func(*task.Task) {
		if hooks.Add(1) == 1 {
			<-unblock
		}
	}))

	out := waitDone(t, h.submit(t, "work", nil, func(tk *task.Task) { tk.Target = "upstream" }))
	require.Equal(t, task.StatusSucceeded, out.Status)
	require.EqualValues(t, 1, calls.Load())

	// the hung worker wakes up after its replacement finished the task
	release()
	require.Eventually(t, func() bool {
		for _, info := range h.pool.Health() {
			if info.Status == StatusCrashed {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 2, hooks.Load())
	s := h.pool.Stats()
	assert.EqualValues(t, 1, s.Succeeded)
	assert.EqualValues(t, 0, s.Failed)
	assert.False(t, h.retry.IsOpen("upstream"))
}

func TestWorkerPanicOutsideExecutorCrashesWorker(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 1

	var hooks atomic.Int64
	h := newHarness(t, cfg, fastRetry(3), func(r *task.Registry) {
		r.MustRegister("work", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			return "ok", nil
		}))
	}, withBeforeExecute(func(*task.Task) {
		if hooks.Add(1) == 1 {
			panic("corrupted worker state")
		}
	}))

	out := waitDone(t, h.submit(t, "work", nil))
	assert.Equal(t, task.StatusSucceeded, out.Status)
	assert.Equal(t, 1, out.Attempt)
	assert.EqualValues(t, 1, h.pool.Stats().Crashes)
	require.Eventually(t, func() bool { return h.pool.Size() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScalesUpUnderSustainedDepthAndDownWhenIdle(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	cfg.ScaleUpSustain = 0
	cfg.ScaleDownIdleTimeout = 30 * time.Millisecond

	release := make(chan struct{})
	h := newHarness(t, cfg, fastRetry(1), func(r *task.Registry) {
		r.MustRegister("block", task.ExecutorFunc(func(ctx context.Context, _ map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	})
	h.pool.SetTargetQueueDepth(0)

	var tasks []*task.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, h.submit(t, "block", map[string]interface{}{"i": i}))
	}

	require.Eventually(t, func() bool { return h.pool.Size() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	for _, tk := range tasks {
		assert.Equal(t, task.StatusSucceeded, waitDone(t, tk).Status)
	}

	require.Eventually(t, func() bool { return h.pool.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	s := h.pool.Stats()
	assert.EqualValues(t, 2, s.ScaleUps)
	assert.GreaterOrEqual(t, s.ScaleDowns, int64(2))
	assert.Equal(t, 3, s.MaxWorkers)
}

func TestGracefulShutdownFinishesInFlightAndDrainsPending(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1

	started := make(chan struct{}, 1)
	h := newHarness(t, cfg, fastRetry(1), func(r *task.Registry) {
		r.MustRegister("slowish", task.ExecutorFunc(func(context.Context, map[string]interface{}, *task.ExecContext) (interface{}, error) {
			started <- struct{}{}
			time.Sleep(50 * time.Millisecond)
			return "finished", nil
		}))
	})

	first := h.submit(t, "slowish", map[string]interface{}{"i": 0})
	<-started
	second := h.submit(t, "slowish", map[string]interface{}{"i": 1})
	third := h.submit(t, "slowish", map[string]interface{}{"i": 2})

	require.NoError(t, h.pool.Shutdown(context.Background(), true))

	assert.Equal(t, task.StatusSucceeded, waitDone(t, first).Status)
	assert.Equal(t, task.StatusCancelled, waitDone(t, second).Status)
	assert.Equal(t, task.StatusCancelled, waitDone(t, third).Status)
	assert.False(t, h.pool.Healthy())
}

func TestImmediateShutdownCancelsInFlight(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 1

	started := make(chan struct{}, 1)
	h := newHarness(t, cfg, fastRetry(3), func(r *task.Registry) {
		r.MustRegister("forever", task.ExecutorFunc(func(ctx context.Context, _ map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	})

	tk := h.submit(t, "forever", nil)
	<-started
	require.NoError(t, h.pool.Shutdown(context.Background(), false))

	out := waitDone(t, tk)
	assert.Equal(t, task.StatusCancelled, out.Status)
}

func TestHealthListsWorkers(t *testing.T) {
	h := newHarness(t, fastConfig(), fastRetry(1), func(*task.Registry) {})

	require.Eventually(t, func() bool {
		infos := h.pool.Health()
		return len(infos) == 2 && infos[0].Status == StatusIdle && infos[1].Status == StatusIdle
	}, time.Second, 5*time.Millisecond)

	infos := h.pool.Health()
	assert.Equal(t, "worker-1", infos[0].ID)
	assert.False(t, infos[0].LastHeartbeat.IsZero())
	assert.True(t, h.pool.Healthy())
}
