// Package connpool lends bounded, reusable outbound connections to executors.
package connpool

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/concurrency"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"

	"github.com/valyala/fasthttp"
)

var (
	// ErrPoolExhausted is returned when no connection frees up within AcquireTimeout
	ErrPoolExhausted = talerrors.New(talerrors.KindPoolExhausted, "connection pool exhausted", nil)

	// ErrClosed is returned by Acquire after Close
	ErrClosed = talerrors.New(talerrors.KindShutdown, "connection pool is closed", nil)
)

// HTTPConfig tunes the keep-alive clients dialed for HTTP targets
type HTTPConfig struct {
	// DefaultTLS applies to targets without an explicit port
	DefaultTLS   bool          `yaml:"default_tls"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config holds pool bounds
type Config struct {
	MaxConnectionsPerHost  int           `yaml:"max_connections_per_host" validate:"min=1"`
	MaxDatabaseConnections int           `yaml:"max_database_connections" validate:"min=1"`
	IdleTimeout            time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout" validate:"gt=0"`
	ReapInterval           time.Duration `yaml:"reap_interval" validate:"gt=0"`
	// Databases maps database target names to DSNs
	Databases map[string]string `yaml:"databases"`
	HTTP      HTTPConfig        `yaml:"http"`
}

// DefaultConfig returns the default pool bounds
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerHost:  10,
		MaxDatabaseConnections: 5,
		IdleTimeout:            90 * time.Second,
		AcquireTimeout:         5 * time.Second,
		ReapInterval:           30 * time.Second,
		Databases:              map[string]string{},
		HTTP: HTTPConfig{
			DefaultTLS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Resource is a dialed connection
type Resource struct {
	HTTP   *fasthttp.HostClient
	DB     *sql.DB
	closer func() error
}

// NewResource wraps a dialed connection; closer may be nil
func NewResource(hc *fasthttp.HostClient, db *sql.DB, closer func() error) *Resource {
	return &Resource{HTTP: hc, DB: db, closer: closer}
}

// Close releases the underlying connection
func (r *Resource) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	if r.DB != nil {
		return r.DB.Close()
	}
	if r.HTTP != nil {
		r.HTTP.CloseIdleConnections()
	}
	return nil
}

// DialFunc opens a new connection to target
type DialFunc func(ctx context.Context, target string) (*Resource, error)

type entry struct {
	res        *Resource
	createdAt  time.Time
	lastUsedAt time.Time
}

type hostPool struct {
	target  string
	kind    task.ConnectionKind
	limiter *concurrency.Limiter
	idle    []*entry
	active  int
	dialed  int64
	reaped  int64
}

// Pool bounds concurrent connections per target and reuses idle ones
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	dialers map[task.ConnectionKind]DialFunc
	now     func() time.Time
	stats   *latencyStats

	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool

	waits     int64
	exhausted int64
	discarded int64
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

// WithDialer replaces the dialer for a connection kind
func WithDialer(kind task.ConnectionKind, dial DialFunc) Option {
	return func(p *Pool) { p.dialers[kind] = dial }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool with the fasthttp and postgres dialers
func New(cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.MaxConnectionsPerHost <= 0 {
		cfg.MaxConnectionsPerHost = def.MaxConnectionsPerHost
	}
	if cfg.MaxDatabaseConnections <= 0 {
		cfg.MaxDatabaseConnections = def.MaxDatabaseConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}

	p := &Pool{
		cfg:     cfg,
		logger:  zap.NewNop(),
		dialers: make(map[task.ConnectionKind]DialFunc),
		now:     time.Now,
		stats:   newLatencyStats(),
		hosts:   make(map[string]*hostPool),
	}
	p.dialers[task.ConnectionHTTP] = p.dialHTTP
	p.dialers[task.ConnectionDatabase] = p.dialDatabase
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire lends a connection to target, waiting up to AcquireTimeout for a free
// slot. Waiters are served in arrival order.
func (p *Pool) Acquire(ctx context.Context, target string, kind task.ConnectionKind) (*Handle, error) {
	if target == "" {
		return nil, talerrors.Newf(talerrors.KindConfiguration, "connection target is empty")
	}
	dial, ok := p.dialers[kind]
	if !ok {
		return nil, talerrors.Newf(talerrors.KindConfiguration, "no dialer for connection kind %q", kind)
	}

	hp, err := p.host(target, kind)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	wait, err := hp.limiter.Acquire(acquireCtx)
	cancel()
	p.stats.recordWait(wait)
	if wait > 0 {
		p.mu.Lock()
		p.waits++
		p.mu.Unlock()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.mu.Lock()
		p.exhausted++
		p.mu.Unlock()
		p.logger.Warn("Connection pool exhausted",
			zap.String("target", target),
			zap.Duration("waited", wait))
		return nil, fmt.Errorf("acquire %s after %s: %w", target, wait.Round(time.Millisecond), ErrPoolExhausted)
	}

	if e := p.takeIdle(hp); e != nil {
		return &Handle{pool: p, host: hp, entry: e, acquiredAt: p.now()}, nil
	}

	res, err := dial(ctx, target)
	if err != nil {
		hp.limiter.Release()
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	now := p.now()
	e := &entry{res: res, createdAt: now, lastUsedAt: now}
	p.mu.Lock()
	hp.active++
	hp.dialed++
	p.mu.Unlock()

	p.logger.Debug("Dialed new connection", zap.String("target", target), zap.String("kind", string(kind)))
	return &Handle{pool: p, host: hp, entry: e, acquiredAt: now}, nil
}

// Release returns a healthy connection to the idle list and records the observed call latency
func (p *Pool) Release(h *Handle, observedLatency time.Duration) {
	if h == nil || !h.markDone() {
		return
	}
	p.stats.recordLatency(observedLatency)

	p.mu.Lock()
	h.host.active--
	h.entry.lastUsedAt = p.now()
	closed := p.closed
	if !closed {
		h.host.idle = append(h.host.idle, h.entry)
	}
	p.mu.Unlock()

	if closed {
		p.closeResource(h.host.target, h.entry.res)
	}
	h.host.limiter.Release()
}

// Discard closes a broken connection instead of reusing it
func (p *Pool) Discard(h *Handle) {
	if h == nil || !h.markDone() {
		return
	}

	p.mu.Lock()
	h.host.active--
	p.discarded++
	p.mu.Unlock()

	p.closeResource(h.host.target, h.entry.res)
	h.host.limiter.Release()
}

// Start runs the idle reaper until ctx is done
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.ReapIdle(); n > 0 {
					p.logger.Debug("Reaped idle connections", zap.Int("count", n))
				}
			}
		}
	}()
}

// ReapIdle closes idle connections unused for longer than IdleTimeout
func (p *Pool) ReapIdle() int {
	now := p.now()
	var stale []*entry
	var targets []string

	p.mu.Lock()
	for _, hp := range p.hosts {
		kept := hp.idle[:0]
		for _, e := range hp.idle {
			if now.Sub(e.lastUsedAt) > p.cfg.IdleTimeout {
				stale = append(stale, e)
				targets = append(targets, hp.target)
				hp.reaped++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(hp.idle); i++ {
			hp.idle[i] = nil
		}
		hp.idle = kept
	}
	p.mu.Unlock()

	for i, e := range stale {
		p.closeResource(targets[i], e.res)
	}
	return len(stale)
}

// Close closes every idle connection; active ones are closed when released
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	type closing struct {
		target string
		res    *Resource
	}
	var all []closing
	for _, hp := range p.hosts {
		for _, e := range hp.idle {
			all = append(all, closing{target: hp.target, res: e.res})
		}
		hp.idle = nil
	}
	p.mu.Unlock()

	for _, c := range all {
		p.closeResource(c.target, c.res)
	}
	return nil
}

// TargetMetrics describes one target's connections
type TargetMetrics struct {
	Kind    string `json:"kind"`
	Limit   int    `json:"limit"`
	Active  int    `json:"active"`
	Idle    int    `json:"idle"`
	Waiting int64  `json:"waiting"`
	Dialed  int64  `json:"dialed"`
	Reaped  int64  `json:"reaped"`
}

// Metrics is a snapshot of pool counters
type Metrics struct {
	Active       int                      `json:"active"`
	Idle         int                      `json:"idle"`
	Waits        int64                    `json:"waits"`
	Exhausted    int64                    `json:"exhausted"`
	Discarded    int64                    `json:"discarded"`
	WaitP50      time.Duration            `json:"wait_p50"`
	WaitP95      time.Duration            `json:"wait_p95"`
	LatencyP50   time.Duration            `json:"latency_p50"`
	LatencyP95   time.Duration            `json:"latency_p95"`
	LatencyCount int64                    `json:"latency_count"`
	Targets      map[string]TargetMetrics `json:"targets"`
}

// Metrics returns a snapshot of pool counters and latency percentiles
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	m := Metrics{
		Waits:     p.waits,
		Exhausted: p.exhausted,
		Discarded: p.discarded,
		Targets:   make(map[string]TargetMetrics, len(p.hosts)),
	}
	for target, hp := range p.hosts {
		m.Active += hp.active
		m.Idle += len(hp.idle)
		m.Targets[target] = TargetMetrics{
			Kind:    string(hp.kind),
			Limit:   hp.limiter.Capacity(),
			Active:  hp.active,
			Idle:    len(hp.idle),
			Waiting: hp.limiter.Waiting(),
			Dialed:  hp.dialed,
			Reaped:  hp.reaped,
		}
	}
	p.mu.Unlock()

	m.WaitP50, m.WaitP95, m.LatencyP50, m.LatencyP95, m.LatencyCount = p.stats.percentiles()
	return m
}

// Targets returns the known targets, sorted
func (p *Pool) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.hosts))
	for t := range p.hosts {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) host(target string, kind task.ConnectionKind) (*hostPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if hp, ok := p.hosts[target]; ok {
		if hp.kind != kind {
			return nil, talerrors.Newf(talerrors.KindConfiguration,
				"target %s is registered as %s, not %s", target, hp.kind, kind)
		}
		return hp, nil
	}

	limit := p.cfg.MaxConnectionsPerHost
	if kind == task.ConnectionDatabase {
		limit = p.cfg.MaxDatabaseConnections
	}
	hp := &hostPool{
		target:  target,
		kind:    kind,
		limiter: concurrency.NewLimiter(limit),
	}
	p.hosts[target] = hp
	return hp, nil
}

// takeIdle pops the most recently used idle entry, dropping stale ones
func (p *Pool) takeIdle(hp *hostPool) *entry {
	now := p.now()
	var stale []*entry

	p.mu.Lock()
	var found *entry
	for len(hp.idle) > 0 {
		n := len(hp.idle)
		e := hp.idle[n-1]
		hp.idle[n-1] = nil
		hp.idle = hp.idle[:n-1]
		if now.Sub(e.lastUsedAt) > p.cfg.IdleTimeout {
			stale = append(stale, e)
			hp.reaped++
			continue
		}
		found = e
		hp.active++
		break
	}
	p.mu.Unlock()

	for _, e := range stale {
		p.closeResource(hp.target, e.res)
	}
	return found
}

func (p *Pool) closeResource(target string, res *Resource) {
	if err := res.Close(); err != nil {
		p.logger.Warn("Failed to close connection", zap.String("target", target), zap.Error(err))
	}
}
