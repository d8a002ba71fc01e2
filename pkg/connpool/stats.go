package connpool

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxTrackable bounds recorded durations; longer values are clamped
const maxTrackable = time.Hour

// latencyStats keeps acquire-wait and call-latency histograms in microseconds
type latencyStats struct {
	mu      sync.Mutex
	wait    *hdrhistogram.Histogram
	latency *hdrhistogram.Histogram
}

func newLatencyStats() *latencyStats {
	return &latencyStats{
		wait:    hdrhistogram.New(1, maxTrackable.Microseconds(), 3),
		latency: hdrhistogram.New(1, maxTrackable.Microseconds(), 3),
	}
}

func (s *latencyStats) recordWait(d time.Duration) {
	s.record(s.wait, d)
}

func (s *latencyStats) recordLatency(d time.Duration) {
	s.record(s.latency, d)
}

func (s *latencyStats) record(h *hdrhistogram.Histogram, d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if limit := maxTrackable.Microseconds(); us > limit {
		us = limit
	}
	s.mu.Lock()
	_ = h.RecordValue(us)
	s.mu.Unlock()
}

func (s *latencyStats) percentiles() (waitP50, waitP95, latP50, latP95 time.Duration, latCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	if s.wait.TotalCount() > 0 {
		waitP50 = us(s.wait.ValueAtQuantile(50))
		waitP95 = us(s.wait.ValueAtQuantile(95))
	}
	if s.latency.TotalCount() > 0 {
		latP50 = us(s.latency.ValueAtQuantile(50))
		latP95 = us(s.latency.ValueAtQuantile(95))
	}
	return waitP50, waitP95, latP50, latP95, s.latency.TotalCount()
}
