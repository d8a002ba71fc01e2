// Package memory samples heap usage, detects sustained growth and sheds cached
// results when the process runs close to its memory budget.
package memory

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/events"
)

// Level is the memory pressure level
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Config holds sampling and threshold settings
type Config struct {
	SampleInterval          time.Duration `yaml:"sample_interval" validate:"gt=0"`
	WindowSize              int           `yaml:"window_size" validate:"min=2"`
	WarningBytes            uint64        `yaml:"warning_bytes" validate:"gt=0"`
	CriticalBytes           uint64        `yaml:"critical_bytes" validate:"gtfield=WarningBytes"`
	LeakSlopeBytesPerMinute float64       `yaml:"leak_slope_bytes_per_minute" validate:"gte=0"`
	LeakConsecutiveSamples  int           `yaml:"leak_consecutive_samples" validate:"min=1"`
	AggressiveEvictRatio    float64       `yaml:"aggressive_evict_ratio" validate:"gte=0,lte=1"`
	ForceGC                 bool          `yaml:"force_gc"`
}

// DefaultConfig returns the default monitor settings
func DefaultConfig() Config {
	return Config{
		SampleInterval:          10 * time.Second,
		WindowSize:              30,
		WarningBytes:            512 << 20,
		CriticalBytes:           1 << 30,
		LeakSlopeBytesPerMinute: 10 << 20,
		LeakConsecutiveSamples:  5,
		AggressiveEvictRatio:    0.5,
		ForceGC:                 true,
	}
}

// Sample is one reading of the runtime memory statistics
type Sample struct {
	At         time.Time `json:"at"`
	HeapAlloc  uint64    `json:"heap_alloc"`
	HeapInuse  uint64    `json:"heap_inuse"`
	Sys        uint64    `json:"sys"`
	NumGC      uint32    `json:"num_gc"`
	Goroutines int       `json:"goroutines"`
}

// Sampler reads the current memory statistics
type Sampler func() Sample

// RuntimeSampler reads runtime.MemStats. It stops the world briefly.
func RuntimeSampler() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

// Evictor sheds cached data under pressure. *cache.Cache implements it.
type Evictor interface {
	EvictToRatio(ratio float64) int
}

// Metrics is a snapshot of the monitor state
type Metrics struct {
	HeapBytes            uint64    `json:"heap_bytes"`
	GrowthBytesPerMinute float64   `json:"growth_bytes_per_minute"`
	Level                Level     `json:"level"`
	LeakSuspected        bool      `json:"leak_suspected"`
	Samples              int       `json:"samples"`
	LastSampleAt         time.Time `json:"last_sample_at"`
	CriticalEvents       int64     `json:"critical_events"`
	EvictedEntries       int64     `json:"evicted_entries"`
	ForcedGCs            int64     `json:"forced_gcs"`
}

// Monitor tracks heap usage over a sliding window
type Monitor struct {
	cfg     Config
	logger  *zap.Logger
	emitter *events.Emitter
	sampler Sampler
	evictor Evictor
	now     func() time.Time
	freeMem func()

	mu          sync.Mutex
	window      []Sample
	level       Level
	slope       float64
	growthRun   int
	leak        bool
	critical    int64
	evicted     int64
	forcedGCs   int64
	lastSampled Sample
}

// Option customizes a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPublisher publishes memory.alert events
func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) { m.emitter = events.NewEmitter(p, m.logger) }
}

// WithSampler replaces RuntimeSampler
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithEvictor sets the cache shed on critical pressure
func WithEvictor(e Evictor) Option {
	return func(m *Monitor) { m.evictor = e }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// withFreeMemory replaces the forced collection, for tests
func withFreeMemory(fn func()) Option {
	return func(m *Monitor) { m.freeMem = fn }
}

// New creates a monitor
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.WindowSize < 2 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WarningBytes == 0 {
		cfg.WarningBytes = def.WarningBytes
	}
	if cfg.CriticalBytes == 0 {
		cfg.CriticalBytes = def.CriticalBytes
	}
	if cfg.LeakConsecutiveSamples <= 0 {
		cfg.LeakConsecutiveSamples = def.LeakConsecutiveSamples
	}

	m := &Monitor{
		cfg:     cfg,
		logger:  zap.NewNop(),
		sampler: RuntimeSampler,
		now:     time.Now,
		freeMem: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
		level: LevelNormal,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.emitter == nil {
		m.emitter = events.NewEmitter(nil, m.logger)
	}
	return m
}

// Run samples every SampleInterval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one reading, updates the growth estimate and reacts to pressure
func (m *Monitor) Sample() Sample {
	s := m.sampler()
	if s.At.IsZero() {
		s.At = m.now()
	}

	m.mu.Lock()
	m.window = append(m.window, s)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	m.lastSampled = s
	m.slope = slopePerMinute(m.window)

	if len(m.window) >= 2 && m.slope > m.cfg.LeakSlopeBytesPerMinute {
		m.growthRun++
	} else {
		m.growthRun = 0
	}
	leakFlagged := !m.leak && m.growthRun >= m.cfg.LeakConsecutiveSamples
	if m.growthRun == 0 {
		m.leak = false
	} else if leakFlagged {
		m.leak = true
	}

	prevLevel := m.level
	m.level = m.levelFor(s.HeapAlloc)
	level, slope := m.level, m.slope
	if level == LevelCritical {
		m.critical++
	}
	m.mu.Unlock()

	if leakFlagged {
		m.logger.Warn("Sustained heap growth, probable leak",
			zap.Uint64("heap_bytes", s.HeapAlloc),
			zap.Float64("growth_bytes_per_minute", slope))
		m.alert(s, level, slope, "probable memory leak")
	}
	if level != prevLevel {
		m.onLevelChange(s, prevLevel, level, slope)
	}
	if level == LevelCritical {
		m.relieve()
	}
	return s
}

// Metrics returns a snapshot of the monitor state
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		HeapBytes:            m.lastSampled.HeapAlloc,
		GrowthBytesPerMinute: m.slope,
		Level:                m.level,
		LeakSuspected:        m.leak,
		Samples:              len(m.window),
		LastSampleAt:         m.lastSampled.At,
		CriticalEvents:       m.critical,
		EvictedEntries:       m.evicted,
		ForcedGCs:            m.forcedGCs,
	}
}

func (m *Monitor) levelFor(heap uint64) Level {
	switch {
	case heap >= m.cfg.CriticalBytes:
		return LevelCritical
	case heap >= m.cfg.WarningBytes:
		return LevelWarning
	}
	return LevelNormal
}

func (m *Monitor) onLevelChange(s Sample, from, to Level, slope float64) {
	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Uint64("heap_bytes", s.HeapAlloc),
	}
	switch to {
	case LevelCritical:
		m.logger.Error("Memory usage critical", fields...)
	case LevelWarning:
		m.logger.Warn("Memory usage high", fields...)
	default:
		m.logger.Info("Memory usage back to normal", fields...)
		return
	}
	m.alert(s, to, slope, "memory level "+string(to))
}

// relieve sheds the cache and optionally returns memory to the OS
func (m *Monitor) relieve() {
	evicted := 0
	if m.evictor != nil {
		evicted = m.evictor.EvictToRatio(m.cfg.AggressiveEvictRatio)
	}
	if m.cfg.ForceGC {
		m.freeMem()
	}

	m.mu.Lock()
	m.evicted += int64(evicted)
	if m.cfg.ForceGC {
		m.forcedGCs++
	}
	m.mu.Unlock()

	m.logger.Info("Relieved memory pressure",
		zap.Int("evicted_entries", evicted),
		zap.Bool("forced_gc", m.cfg.ForceGC))
}

func (m *Monitor) alert(s Sample, level Level, slope float64, message string) {
	m.emitter.Emit(context.Background(), events.Event{
		Type:    events.MemoryAlert,
		Time:    s.At,
		Status:  string(level),
		Message: message,
		Data: map[string]interface{}{
			"heap_bytes":              s.HeapAlloc,
			"growth_bytes_per_minute": slope,
			"goroutines":              s.Goroutines,
		},
	})
}

// slopePerMinute is the least-squares slope of heap bytes over time
func slopePerMinute(window []Sample) float64 {
	n := float64(len(window))
	if n < 2 {
		return 0
	}

	origin := window[0].At
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range window {
		x := s.At.Sub(origin).Minutes()
		y := float64(s.HeapAlloc)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
