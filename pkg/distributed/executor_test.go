package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/worker"
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

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == events.ExecutionStateChanged {
			out = append(out, e.Status)
		}
	}
	return out
}

// callLog records executor start and end order
type callLog struct {
	mu      sync.Mutex
	entries []string
	calls   map[string]int
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) call(node string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[node]++
}

func (l *callLog) index(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

type env struct {
	queue    *queue.Queue
	registry *task.Registry
	pool     *worker.Pool
	exec     *Executor
	events   *recorder
	log      *callLog
}

func newEnv(t *testing.T, start bool) *env {
	t.Helper()
	e := &env{
		queue:    queue.New(queue.DefaultConfig()),
		registry: task.NewRegistry(),
		events:   &recorder{},
		log:      &callLog{},
	}

	e.registry.MustRegister("passthrough", task.ExecutorFunc(func(_ context.Context, in map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
		e.log.call(ec.NodeID)
		e.log.add("start:" + ec.NodeID)
		time.Sleep(5 * time.Millisecond)
		e.log.add("end:" + ec.NodeID)
		return in, nil
	}), task.Cacheable())
	e.registry.MustRegister("fail", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
		e.log.call(ec.NodeID)
		return nil, talerrors.Permanent(errors.New("bad input"))
	}))
	e.registry.MustRegister("const", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
		e.log.call(ec.NodeID)
		return ec.Config["value"], nil
	}))

	rcfg := retry.DefaultConfig()
	rcfg.MaxAttempts = 2
	rcfg.BaseDelay = time.Millisecond
	rcfg.MaxDelay = 5 * time.Millisecond
	rcfg.Jitter = false

	cfg := worker.DefaultConfig()
	cfg.MinWorkers = 4
	cfg.MaxWorkers = 4
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second

	p, err := worker.New(cfg, e.queue, e.registry, retry.New(rcfg))
	require.NoError(t, err)
	e.pool = p
	if start {
		require.NoError(t, p.Start(context.Background()))
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background(), false) })

	e.exec = New(e.queue, e.registry, WithPublisher(e.events))
	return e
}

func diamond(bType string) *Plan {
	p, err := BuildPlan([]task.Node{
		{ID: "A", Type: "passthrough"},
		{ID: "B", Type: bType, Config: map[string]interface{}{"branch": "b"}},
		{ID: "C", Type: "passthrough", Config: map[string]interface{}{"branch": "c"}},
		{ID: "D", Type: "passthrough"},
	}, []task.Edge{
		{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"},
	})
	if err != nil {
		panic(err)
	}
	return p
}

func run(t *testing.T, e *env, req Request) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.exec.Execute(ctx, req)
	require.NoError(t, err)
	return res
}

func TestPartialFailureSkipsDependents(t *testing.T) {
	for _, mode := range []Mode{ModeLevel, ModeEager} {
		t.Run(string(mode), func(t *testing.T) {
			e := newEnv(t, true)
			res := run(t, e, Request{
				WorkflowID: "wf",
				Plan:       diamond("fail"),
				Input:      map[string]interface{}{"x": 1},
				Mode:       mode,
				MaxRetries: 1,
			})

			assert.Equal(t, StateFailed, res.Status)
			require.Len(t, res.Nodes, 4)
			assert.Equal(t, task.StatusSucceeded, res.Nodes["A"].Status)
			assert.Equal(t, task.StatusFailed, res.Nodes["B"].Status)
			assert.Equal(t, string(talerrors.KindExecutorError), res.Nodes["B"].ErrorKind)
			assert.Equal(t, task.StatusSucceeded, res.Nodes["C"].Status)
			assert.Equal(t, StatusSkipped, res.Nodes["D"].Status)

			e.log.mu.Lock()
			defer e.log.mu.Unlock()
			assert.Equal(t, 1, e.log.calls["B"], "permanent errors are not retried")
			assert.Zero(t, e.log.calls["D"])
		})
	}
}

func TestDependenciesFinishBeforeDependentsStart(t *testing.T) {
	for _, mode := range []Mode{ModeLevel, ModeEager} {
		t.Run(string(mode), func(t *testing.T) {
			e := newEnv(t, true)
			plan := diamond("passthrough")
			res := run(t, e, Request{Plan: plan, Mode: mode, Input: map[string]interface{}{"x": 1}})
			require.Equal(t, StateCompleted, res.Status)

			for _, id := range plan.NodeIDs() {
				for _, dep := range plan.Dependencies(id) {
					assert.Less(t, e.log.index("end:"+dep), e.log.index("start:"+id), "%s started before %s finished", id, dep)
				}
			}
		})
	}
}

func TestInputsFlowAlongEdges(t *testing.T) {
	e := newEnv(t, true)
	plan, err := BuildPlan([]task.Node{
		{ID: "one", Type: "const", Config: map[string]interface{}{"value": 1}},
		{ID: "two", Type: "const", Config: map[string]interface{}{"value": 2}},
		{ID: "sum", Type: "passthrough"},
	}, []task.Edge{{From: "one", To: "sum"}, {From: "two", To: "sum"}})
	require.NoError(t, err)

	res := run(t, e, Request{Plan: plan, Input: map[string]interface{}{"seed": true}})
	require.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, map[string]interface{}{"one": 1, "two": 2}, res.Nodes["sum"].Output)
	assert.Equal(t, 1, res.Nodes["sum"].Attempts)
}

func TestRootsReceiveRequestInput(t *testing.T) {
	e := newEnv(t, true)
	plan, err := BuildPlan(nodes("A"), nil)
	require.NoError(t, err)

	input := map[string]interface{}{"k": "v"}
	res := run(t, e, Request{Plan: plan, Input: input})
	assert.Equal(t, input, res.Nodes["A"].Output)
}

func TestUnknownExecutorFailsBeforeEnqueue(t *testing.T) {
	e := newEnv(t, false)
	plan, err := BuildPlan([]task.Node{{ID: "A", Type: "passthrough"}, {ID: "B", Type: "missing"}}, nil)
	require.NoError(t, err)

	res, err := e.exec.Execute(context.Background(), Request{Plan: plan})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, talerrors.KindUnknownExecutor, talerrors.KindOf(err))
	assert.Zero(t, e.queue.Metrics().Enqueued)
}

func TestMissingPlan(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.exec.Execute(context.Background(), Request{})
	assert.Equal(t, talerrors.KindInvalidGraph, talerrors.KindOf(err))
}

func TestCancellationReportsUnfinishedNodes(t *testing.T) {
	e := newEnv(t, true)
	started := make(chan struct{})
	release := make(chan struct{})
	e.registry.MustRegister("block", task.ExecutorFunc(func(_ context.Context, _ map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}))
	defer close(release)

	plan, err := BuildPlan([]task.Node{{ID: "A", Type: "block"}, {ID: "B", Type: "passthrough"}}, []task.Edge{{From: "A", To: "B"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := e.exec.Execute(ctx, Request{Plan: plan, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.Status)
	assert.Equal(t, task.StatusCancelled, res.Nodes["A"].Status)
	assert.Equal(t, task.StatusCancelled, res.Nodes["B"].Status)
	assert.Equal(t, string(talerrors.KindCancelled), res.Nodes["B"].ErrorKind)
	assert.Empty(t, res.Nodes["B"].TaskID, "B was never submitted")
}

func TestCancellationWithdrawsQueuedTasks(t *testing.T) {
	e := newEnv(t, false)
	plan, err := BuildPlan(nodes("A", "B"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return e.queue.Depth() == 2 }, 5*time.Second, time.Millisecond)
		cancel()
	}()

	res, err := e.exec.Execute(ctx, Request{Plan: plan})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.Status)
	assert.Zero(t, e.queue.Depth())
	assert.Equal(t, int64(2), e.queue.Metrics().Cancelled)
}

func TestIdenticalNodesShareOneExecution(t *testing.T) {
	e := newEnv(t, false)
	plan, err := BuildPlan([]task.Node{{ID: "A", Type: "passthrough"}, {ID: "B", Type: "passthrough"}}, nil)
	require.NoError(t, err)

	go func() {
		assert.Eventually(t, func() bool { return e.queue.Metrics().DedupHits == 1 }, 5*time.Second, time.Millisecond)
		_ = e.pool.Start(context.Background())
	}()

	res := run(t, e, Request{Plan: plan, Input: map[string]interface{}{"x": 1}})
	require.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, res.Nodes["A"].TaskID, res.Nodes["B"].TaskID)
	assert.Equal(t, int64(1), e.queue.Metrics().Enqueued)

	e.log.mu.Lock()
	defer e.log.mu.Unlock()
	assert.Equal(t, 1, e.log.calls["A"]+e.log.calls["B"])
}

func TestCancellingOneExecutionKeepsSharedTaskForTheOther(t *testing.T) {
	e := newEnv(t, false)
	plan, err := BuildPlan(nodes("A"), nil)
	require.NoError(t, err)
	input := map[string]interface{}{"x": 1}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	resA := make(chan *Result, 1)
	go func() {
		res, _ := e.exec.Execute(ctxA, Request{ExecutionID: "exec-a", Plan: plan, Input: input})
		resA <- res
	}()
	require.Eventually(t, func() bool { return e.queue.Depth() == 1 }, 5*time.Second, time.Millisecond)

	resB := make(chan *Result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, _ := e.exec.Execute(ctx, Request{ExecutionID: "exec-b", Plan: plan, Input: input})
		resB <- res
	}()
	require.Eventually(t, func() bool { return e.queue.Metrics().DedupHits == 1 }, 5*time.Second, time.Millisecond)

	cancelA()
	a := <-resA
	require.NotNil(t, a)
	assert.Equal(t, StateCancelled, a.Status)
	assert.Equal(t, 1, e.queue.Depth(), "exec-b still waits on the shared task")
	assert.Zero(t, e.queue.Metrics().Cancelled)

	require.NoError(t, e.pool.Start(context.Background()))
	var b *Result
	select {
	case b = <-resB:
	case <-time.After(10 * time.Second):
		t.Fatal("exec-b did not finish")
	}
	require.NotNil(t, b)
	assert.Equal(t, StateCompleted, b.Status)
	assert.Equal(t, task.StatusSucceeded, b.Nodes["A"].Status)
	assert.Equal(t, input, b.Nodes["A"].Output)
}

func TestBackPressureWaitsForCapacity(t *testing.T) {
	e := newEnv(t, false)
	e.queue = queue.New(queue.Config{MaxSize: 1, DedupWindow: time.Minute})
	e.exec = New(e.queue, e.registry)

	rcfg := retry.DefaultConfig()
	cfg := worker.DefaultConfig()
	cfg.MinWorkers, cfg.MaxWorkers = 1, 1
	cfg.HeartbeatInterval = 10 * time.Millisecond
	p, err := worker.New(cfg, e.queue, e.registry, retry.New(rcfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background(), false) })

	plan, err := BuildPlan([]task.Node{
		{ID: "A", Type: "const", Config: map[string]interface{}{"value": "a"}},
		{ID: "B", Type: "const", Config: map[string]interface{}{"value": "b"}},
		{ID: "C", Type: "const", Config: map[string]interface{}{"value": "c"}},
	}, nil)
	require.NoError(t, err)

	go func() {
		assert.Eventually(t, func() bool { return e.queue.Metrics().RejectedFull > 0 }, 5*time.Second, time.Millisecond)
		_ = p.Start(context.Background())
	}()

	res := run(t, e, Request{Plan: plan})
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "c", res.Nodes["C"].Output)
}

func TestStateEvents(t *testing.T) {
	e := newEnv(t, true)
	run(t, e, Request{Plan: diamond("passthrough"), Input: map[string]interface{}{}})

	states := e.events.states()
	require.NotEmpty(t, states)
	assert.Equal(t, string(StatePlanning), states[0])
	assert.Equal(t, string(StateCompleted), states[len(states)-1])
	assert.Contains(t, states, string(StateExecutingLevel))
	assert.Contains(t, states, string(StateAggregating))
}
