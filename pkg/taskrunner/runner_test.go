package taskrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Talos/pkg/distributed"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/storage"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/worker"
)

type memorySink struct {
	mu      sync.Mutex
	records []*storage.ExecutionRecord
	err     error
}

func (s *memorySink) StoreExecution(_ context.Context, rec *storage.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DirectThreshold = 3
	cfg.EnableMemoryMonitor = false
	cfg.Workers.MinWorkers = 2
	cfg.Workers.MaxWorkers = 4
	cfg.Workers.MonitorInterval = 10 * time.Millisecond
	cfg.Workers.HeartbeatInterval = 10 * time.Millisecond
	cfg.Workers.ShutdownTimeout = time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.Jitter = false
	return cfg
}

func testRegistry(calls *atomic.Int64) *task.Registry {
	reg := task.NewRegistry()
	reg.MustRegister("echo", task.ExecutorFunc(func(_ context.Context, in map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
		calls.Add(1)
		return in, nil
	}), task.Cacheable())
	reg.MustRegister("flaky", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
		calls.Add(1)
		if ec.Attempt < 2 {
			return nil, errors.New("connection reset by peer")
		}
		return "ok", nil
	}))
	reg.MustRegister("broken", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
		calls.Add(1)
		return nil, talerrors.Permanent(errors.New("schema mismatch"))
	}))
	return reg
}

func startRunner(t *testing.T, cfg Config, calls *atomic.Int64, opts ...Option) *Runner {
	t.Helper()
	r, err := New(cfg, testRegistry(calls), opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func diamond(b string) ([]task.Node, []task.Edge) {
	return []task.Node{
			{ID: "A", Type: "echo"},
			{ID: "B", Type: b, Config: map[string]interface{}{"branch": "b"}},
			{ID: "C", Type: "echo", Config: map[string]interface{}{"branch": "c"}},
			{ID: "D", Type: "echo"},
		}, []task.Edge{
			{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"},
		}
}

func TestExecuteWorkflowPartialFailure(t *testing.T) {
	var calls atomic.Int64
	sink := &memorySink{}
	r := startRunner(t, testConfig(), &calls, WithResultSinks(sink))

	nodes, edges := diamond("broken")
	exec, err := r.ExecuteWorkflow(context.Background(), "wf-1", nodes, edges, Options{
		EnableDistributed: true,
		Input:             map[string]interface{}{"x": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, distributed.StateFailed, exec.Status)
	assert.Equal(t, distributed.ModeLevel, exec.Mode)
	assert.Equal(t, task.StatusSucceeded, exec.Nodes["A"].Status)
	assert.Equal(t, task.StatusFailed, exec.Nodes["B"].Status)
	assert.Equal(t, task.StatusSucceeded, exec.Nodes["C"].Status)
	assert.Equal(t, distributed.StatusSkipped, exec.Nodes["D"].Status)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, exec.ExecutionID, rec.ExecutionID)
	assert.Equal(t, "wf-1", rec.WorkflowID)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "skipped", rec.Nodes["D"].Status)

	st := r.Status()
	assert.Equal(t, int64(1), st.Executions.Failed)
	assert.Empty(t, st.Executions.Active)
}

func TestSmallWorkflowsRunEager(t *testing.T) {
	var calls atomic.Int64
	r := startRunner(t, testConfig(), &calls)

	exec, err := r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{
		EnableDistributed: true,
		Input:             map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, distributed.ModeEager, exec.Mode, "below the direct threshold")
	assert.Equal(t, distributed.StateCompleted, exec.Status)
	assert.Equal(t, map[string]interface{}{"k": "v"}, exec.Nodes["A"].Output)

	nodes, edges := diamond("echo")
	exec, err = r.ExecuteWorkflow(context.Background(), "wf", nodes, edges, Options{})
	require.NoError(t, err)
	assert.Equal(t, distributed.ModeEager, exec.Mode, "distribution disabled")
	assert.Equal(t, distributed.StateCompleted, exec.Status)
}

func TestRetriesAreReportedAsAttempts(t *testing.T) {
	var calls atomic.Int64
	r := startRunner(t, testConfig(), &calls)

	exec, err := r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "F", Type: "flaky"}}, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, distributed.StateCompleted, exec.Status)
	assert.Equal(t, 3, exec.Nodes["F"].Attempts)
	assert.Equal(t, int64(3), calls.Load())
}

func TestCachedResultsSkipExecution(t *testing.T) {
	var calls atomic.Int64
	r := startRunner(t, testConfig(), &calls)

	nodes := []task.Node{{ID: "A", Type: "echo"}}
	opts := Options{EnableCache: true, Input: map[string]interface{}{"q": "same"}}

	first, err := r.ExecuteWorkflow(context.Background(), "wf", nodes, nil, opts)
	require.NoError(t, err)
	second, err := r.ExecuteWorkflow(context.Background(), "wf", nodes, nil, opts)
	require.NoError(t, err)

	assert.False(t, first.Nodes["A"].Cached)
	assert.True(t, second.Nodes["A"].Cached)
	assert.Equal(t, int64(1), calls.Load())

	st := r.Status()
	require.NotNil(t, st.Cache)
	assert.Equal(t, int64(1), st.Cache.Hits)
}

func TestPlanningErrorsReturnNoExecution(t *testing.T) {
	var calls atomic.Int64
	r := startRunner(t, testConfig(), &calls)

	tests := []struct {
		name  string
		nodes []task.Node
		edges []task.Edge
		kind  talerrors.Kind
	}{
		{"cycle", []task.Node{{ID: "A", Type: "echo"}, {ID: "B", Type: "echo"}}, []task.Edge{{From: "A", To: "B"}, {From: "B", To: "A"}}, talerrors.KindGraphCycle},
		{"unknown type", []task.Node{{ID: "A", Type: "teleport"}}, nil, talerrors.KindUnknownExecutor},
		{"dangling edge", []task.Node{{ID: "A", Type: "echo"}}, []task.Edge{{From: "A", To: "Z"}}, talerrors.KindInvalidGraph},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := r.ExecuteWorkflow(context.Background(), "wf", tt.nodes, tt.edges, Options{})
			require.Error(t, err)
			assert.Nil(t, exec)
			assert.Equal(t, tt.kind, talerrors.KindOf(err))
		})
	}
	assert.Zero(t, calls.Load())
	assert.Zero(t, r.Status().Queue.Enqueued)
}

func TestInvalidPriority(t *testing.T) {
	var calls atomic.Int64
	r := startRunner(t, testConfig(), &calls)

	_, err := r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{Priority: "urgent"})
	assert.Equal(t, talerrors.KindConfiguration, talerrors.KindOf(err))
}

func TestSinkErrorsAreLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	var calls atomic.Int64
	sink := &memorySink{err: errors.New("storage offline")}
	r := startRunner(t, testConfig(), &calls, WithResultSinks(sink), WithLogger(zap.New(core)))

	exec, err := r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, distributed.StateCompleted, exec.Status)
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist execution result").Len())
}

func TestNotRunning(t *testing.T) {
	var calls atomic.Int64
	r, err := New(testConfig(), testRegistry(&calls))
	require.NoError(t, err)

	_, err = r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))

	_, err = r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, r.Status().Running)
}

func TestStatusSnapshot(t *testing.T) {
	var calls atomic.Int64
	cfg := testConfig()
	cfg.EnableMemoryMonitor = true
	cfg.Memory.SampleInterval = 10 * time.Millisecond
	r := startRunner(t, cfg, &calls)

	_, err := r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m := r.Status().Memory
		return m != nil && m.Samples > 0
	}, 5*time.Second, 10*time.Millisecond)

	st := r.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(1), st.Executions.Completed)
	assert.Equal(t, int64(1), st.Queue.Completed)
	assert.GreaterOrEqual(t, st.Workers.Size, 2)
	assert.Len(t, st.WorkerHealth, st.Workers.Size)
	assert.NotNil(t, st.Cache)
	assert.NotNil(t, st.Connections)
}

func TestNewFromComponents(t *testing.T) {
	var calls atomic.Int64
	reg := testRegistry(&calls)
	q := queue.New(queue.DefaultConfig())
	rc := retry.New(retry.DefaultConfig())
	wcfg := testConfig().Workers
	pool, err := worker.New(wcfg, q, reg, rc)
	require.NoError(t, err)

	_, err = NewFromComponents(Config{}, Components{Queue: q}, reg)
	assert.Error(t, err)

	r, err := NewFromComponents(Config{}, Components{Queue: q, Retry: rc, Pool: pool}, reg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Shutdown(context.Background()) }()

	exec, err := r.ExecuteWorkflow(context.Background(), "wf", []task.Node{{ID: "A", Type: "echo"}}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, distributed.StateCompleted, exec.Status)
	assert.Nil(t, r.Status().Cache)
}

func TestCancelledContextCancelsExecution(t *testing.T) {
	var calls atomic.Int64
	r := startRunner(t, testConfig(), &calls)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, r.registry.Register("wait", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	exec, err := r.ExecuteWorkflow(ctx, "wf",
		[]task.Node{{ID: "W", Type: "wait"}, {ID: "N", Type: "echo"}},
		[]task.Edge{{From: "W", To: "N"}}, Options{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, distributed.StateCancelled, exec.Status)
	assert.Equal(t, task.StatusCancelled, exec.Nodes["N"].Status)
	assert.Equal(t, int64(1), r.Status().Executions.Cancelled)
}
