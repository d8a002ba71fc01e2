package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// LimiterStats is a point-in-time view of a Limiter
type LimiterStats struct {
	Capacity int           `json:"capacity"`
	Held     int64         `json:"held"`
	Waiting  int64         `json:"waiting"`
	Acquired int64         `json:"acquired"`
	TimedOut int64         `json:"timed_out"`
	Peak     int64         `json:"peak"`
	MeanWait time.Duration `json:"mean_wait"`
}

// Limiter bounds how many callers hold a slot at once. Blocked callers are
// admitted in arrival order.
type Limiter struct {
	slots chan struct{}

	held     atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
	timedOut atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter with n slots; n below one is treated as one
func NewLimiter(n int) *Limiter {
	return &Limiter{slots: make(chan struct{}, max(n, 1))}
}

// Acquire takes a slot, blocking until one frees up or ctx is done, and
// reports how long it waited
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	if l.TryAcquire() {
		return 0, nil
	}

	start := time.Now()
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	select {
	case l.slots <- struct{}{}:
		wait := time.Since(start)
		l.waitNs.Add(int64(wait))
		l.hold()
		return wait, nil
	case <-ctx.Done():
		l.timedOut.Add(1)
		return time.Since(start), ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.hold()
		return true
	default:
		return false
	}
}

// Release gives a slot back. Releasing more than was acquired is a no-op.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
		l.held.Add(-1)
	default:
	}
}

// Held returns the number of slots in use
func (l *Limiter) Held() int64 { return l.held.Load() }

// Waiting returns the number of callers blocked in Acquire
func (l *Limiter) Waiting() int64 { return l.waiting.Load() }

// Capacity returns the slot count
func (l *Limiter) Capacity() int { return cap(l.slots) }

// Stats returns the current counters
func (l *Limiter) Stats() LimiterStats {
	s := LimiterStats{
		Capacity: cap(l.slots),
		Held:     l.held.Load(),
		Waiting:  l.waiting.Load(),
		Acquired: l.acquired.Load(),
		TimedOut: l.timedOut.Load(),
		Peak:     l.peak.Load(),
	}
	if s.Acquired > 0 {
		s.MeanWait = time.Duration(l.waitNs.Load() / s.Acquired)
	}
	return s
}

func (l *Limiter) hold() {
	l.acquired.Add(1)
	n := l.held.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			return
		}
	}
}
