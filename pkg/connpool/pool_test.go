package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
)

type fakeDialer struct {
	dialed int64
	closed int64
	err    error
}

func (f *fakeDialer) dial(_ context.Context, _ string) (*Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	atomic.AddInt64(&f.dialed, 1)
	return NewResource(nil, nil, func() error {
		atomic.AddInt64(&f.closed, 1)
		return nil
	}), nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerHost = 2
	cfg.MaxDatabaseConnections = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	return cfg
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), WithDialer(task.ConnectionHTTP, d.dial))

	h, err := p.Acquire(context.Background(), "api.example.com", task.ConnectionHTTP)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", h.Target())
	p.Release(h, 20*time.Millisecond)
	p.Release(h, 20*time.Millisecond) // second release is ignored

	h2, err := p.Acquire(context.Background(), "api.example.com", task.ConnectionHTTP)
	require.NoError(t, err)
	p.Release(h2, 40*time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt64(&d.dialed))

	m := p.Metrics()
	assert.Equal(t, 0, m.Active)
	assert.Equal(t, 1, m.Idle)
	assert.EqualValues(t, 2, m.LatencyCount)
	assert.InDelta(t, float64(20*time.Millisecond), float64(m.LatencyP50), float64(time.Millisecond))
	assert.InDelta(t, float64(40*time.Millisecond), float64(m.LatencyP95), float64(time.Millisecond))
	assert.Equal(t, 2, m.Targets["api.example.com"].Limit)
}

func TestAcquireExhaustsAfterTimeout(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), WithDialer(task.ConnectionDatabase, d.dial))

	h, err := p.Acquire(context.Background(), "warehouse", task.ConnectionDatabase)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "warehouse", task.ConnectionDatabase)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.True(t, talerrors.IsRetryable(err))
	assert.EqualValues(t, 1, p.Metrics().Exhausted)

	p.Release(h, time.Millisecond)
	h, err = p.Acquire(context.Background(), "warehouse", task.ConnectionDatabase)
	require.NoError(t, err)
	p.Discard(h)
	assert.EqualValues(t, 1, atomic.LoadInt64(&d.closed))
	assert.Equal(t, 0, p.Metrics().Idle)
}

func TestWaiterGetsReleasedSlot(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.AcquireTimeout = 2 * time.Second
	p := New(cfg, WithDialer(task.ConnectionDatabase, d.dial))

	h, err := p.Acquire(context.Background(), "db", task.ConnectionDatabase)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		h2, err := p.Acquire(context.Background(), "db", task.ConnectionDatabase)
		waitErr = err
		if err == nil {
			p.Release(h2, 0)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(h, time.Millisecond)
	wg.Wait()

	require.NoError(t, waitErr)
	m := p.Metrics()
	assert.EqualValues(t, 1, m.Waits)
	assert.Greater(t, m.WaitP95, time.Duration(0))
}

func TestAcquireHonorsCallerContext(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.AcquireTimeout = time.Second
	p := New(cfg, WithDialer(task.ConnectionDatabase, d.dial))

	_, err := p.Acquire(context.Background(), "db", task.ConnectionDatabase)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "db", task.ConnectionDatabase)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 0, p.Metrics().Exhausted)
}

func TestDialFailureReleasesSlot(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	p := New(testConfig(), WithDialer(task.ConnectionDatabase, d.dial))

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background(), "db", task.ConnectionDatabase)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPoolExhausted)
	}
}

func TestReapIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	d := &fakeDialer{}
	p := New(testConfig(), WithDialer(task.ConnectionHTTP, d.dial), WithClock(clock))

	h1, err := p.Acquire(context.Background(), "a", task.ConnectionHTTP)
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), "a", task.ConnectionHTTP)
	require.NoError(t, err)
	p.Release(h1, 0)

	mu.Lock()
	now = now.Add(60 * time.Second)
	mu.Unlock()
	p.Release(h2, 0)

	mu.Lock()
	now = now.Add(60 * time.Second)
	mu.Unlock()

	assert.Equal(t, 1, p.ReapIdle())
	assert.EqualValues(t, 1, atomic.LoadInt64(&d.closed))
	assert.Equal(t, 1, p.Metrics().Idle)
}

func TestTargetKindMismatch(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), WithDialer(task.ConnectionHTTP, d.dial), WithDialer(task.ConnectionDatabase, d.dial))

	h, err := p.Acquire(context.Background(), "shared", task.ConnectionHTTP)
	require.NoError(t, err)
	p.Release(h, 0)

	_, err = p.Acquire(context.Background(), "shared", task.ConnectionDatabase)
	assert.Equal(t, talerrors.KindConfiguration, talerrors.KindOf(err))
}

func TestCloseClosesIdleAndLateReleases(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), WithDialer(task.ConnectionHTTP, d.dial))

	idle, err := p.Acquire(context.Background(), "a", task.ConnectionHTTP)
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background(), "a", task.ConnectionHTTP)
	require.NoError(t, err)
	p.Release(idle, 0)

	require.NoError(t, p.Close())
	assert.EqualValues(t, 1, atomic.LoadInt64(&d.closed))

	p.Release(busy, 0)
	assert.EqualValues(t, 2, atomic.LoadInt64(&d.closed))

	_, err = p.Acquire(context.Background(), "a", task.ConnectionHTTP)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultDialers(t *testing.T) {
	p := New(DefaultConfig())

	h, err := p.Acquire(context.Background(), "api.example.com", task.ConnectionHTTP)
	require.NoError(t, err)
	require.NotNil(t, h.HTTP())
	assert.Nil(t, h.DB())
	assert.Equal(t, "api.example.com:443", h.HTTP().Addr)
	assert.True(t, h.HTTP().IsTLS)
	p.Release(h, 0)

	h, err = p.Acquire(context.Background(), "127.0.0.1:8080", task.ConnectionHTTP)
	require.NoError(t, err)
	assert.False(t, h.HTTP().IsTLS)
	p.Release(h, 0)

	_, err = p.Acquire(context.Background(), "unknown-db", task.ConnectionDatabase)
	require.Error(t, err)
	assert.True(t, talerrors.HasKind(err, talerrors.KindConfiguration))
}
