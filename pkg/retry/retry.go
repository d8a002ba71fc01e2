// Package retry decides whether and when a failed task runs again, and owns the
// per-target circuit breakers.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/concurrency"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/task"
)

// Class is the retry classification of an error
type Class int

const (
	Retryable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Config holds backoff and breaker settings
type Config struct {
	// MaxAttempts counts the first run, so tasks get MaxAttempts-1 retries
	MaxAttempts int                       `yaml:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration             `yaml:"base_delay" validate:"min=0"`
	Multiplier  float64                   `yaml:"multiplier" validate:"gte=1"`
	MaxDelay    time.Duration             `yaml:"max_delay" validate:"min=0"`
	Jitter      bool                      `yaml:"jitter"`
	Breaker     concurrency.BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the default retry policy
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
		Jitter:      true,
		Breaker:     concurrency.DefaultBreakerConfig(),
	}
}

// MaxRetries returns the retry budget given to new tasks
func (c Config) MaxRetries() int {
	if c.MaxAttempts <= 1 {
		return 0
	}
	return c.MaxAttempts - 1
}

// Decision is the controller's verdict on a failed attempt
type Decision struct {
	Retry bool
	Delay time.Duration
	Kind  talerrors.Kind
}

// Controller classifies failures, computes backoff and tracks breakers per target
type Controller struct {
	cfg     Config
	logger  *zap.Logger
	emitter *events.Emitter
	now     func() time.Time
	int64N  func(n int64) int64

	breakers map[string]*concurrency.CircuitBreaker
	mu       sync.RWMutex
}

// Option customizes a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher publishes breaker.state_changed events
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.emitter = events.NewEmitter(p, c.logger) }
}

// WithClock replaces time.Now for the breakers
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRandom replaces the jitter source; fn must return a value in [0, n)
func WithRandom(fn func(n int64) int64) Option {
	return func(c *Controller) { c.int64N = fn }
}

// New creates a controller
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}

	c := &Controller{
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		int64N:   rand.Int64N,
		breakers: make(map[string]*concurrency.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.emitter == nil {
		c.emitter = events.NewEmitter(nil, c.logger)
	}
	return c
}

// Config returns the controller's policy
func (c *Controller) Config() Config {
	return c.cfg
}

// Classify reports whether err is worth retrying
func (c *Controller) Classify(err error) Class {
	if talerrors.IsRetryable(err) {
		return Retryable
	}
	return Fatal
}

// NextDelay returns the backoff before retry number attempt+1:
// min(MaxDelay, BaseDelay * Multiplier^attempt), jittered uniformly over [0, delay].
func (c *Controller) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	delay := c.cfg.MaxDelay
	if raw < float64(c.cfg.MaxDelay) {
		delay = time.Duration(raw)
	}
	if !c.cfg.Jitter || delay <= 0 {
		return delay
	}
	return time.Duration(c.int64N(int64(delay) + 1))
}

// Decide turns failed attempt number attempt of t into a retry decision. Retries
// happen while the task has attempts left and the error is retryable. When the
// target's breaker is open the delay is stretched to the end of its open window.
// attempt comes from the caller's queue lease, never from t.Attempt.
func (c *Controller) Decide(t *task.Task, attempt int, err error) Decision {
	kind := talerrors.Categorize(err)
	if c.Classify(err) == Fatal {
		return Decision{Retry: false, Kind: kind}
	}
	if attempt >= t.MaxRetries {
		return Decision{Retry: false, Kind: talerrors.KindMaxRetriesExceeded}
	}

	delay := c.NextDelay(attempt)
	if remaining := c.OpenRemaining(t.Target); remaining > delay {
		delay = remaining
	}
	return Decision{Retry: true, Delay: delay, Kind: kind}
}

// Allow asks the target's breaker for permission to call it. Empty targets are never broken.
func (c *Controller) Allow(target string) error {
	if target == "" {
		return nil
	}
	return c.breaker(target).Allow()
}

// RecordOutcome feeds a call result into the target's breaker
func (c *Controller) RecordOutcome(target string, success bool) {
	if target == "" {
		return
	}
	cb := c.breaker(target)
	if success {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
}

// ReleaseTrial returns a permit obtained through Allow when the call never happened
func (c *Controller) ReleaseTrial(target string) {
	if target == "" {
		return
	}
	c.mu.RLock()
	cb, ok := c.breakers[target]
	c.mu.RUnlock()
	if ok {
		cb.ReleaseTrial()
	}
}

// IsOpen reports whether calls to target are currently rejected
func (c *Controller) IsOpen(target string) bool {
	if target == "" {
		return false
	}
	c.mu.RLock()
	cb, ok := c.breakers[target]
	c.mu.RUnlock()
	return ok && cb.IsOpen()
}

// OpenRemaining returns how long target's breaker stays open
func (c *Controller) OpenRemaining(target string) time.Duration {
	if target == "" {
		return 0
	}
	c.mu.RLock()
	cb, ok := c.breakers[target]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return cb.OpenRemaining()
}

// Breakers returns a snapshot of every known breaker, sorted by target
func (c *Controller) Breakers() []concurrency.BreakerSnapshot {
	c.mu.RLock()
	list := make([]*concurrency.CircuitBreaker, 0, len(c.breakers))
	for _, cb := range c.breakers {
		list = append(list, cb)
	}
	c.mu.RUnlock()

	out := make([]concurrency.BreakerSnapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func (c *Controller) breaker(target string) *concurrency.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[target]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[target]; ok {
		return cb
	}
	cb = concurrency.NewCircuitBreaker(target, c.cfg.Breaker,
		concurrency.WithClock(c.now),
		concurrency.WithTransitionHook(c.onTransition))
	c.breakers[target] = cb
	return cb
}

func (c *Controller) onTransition(tr concurrency.Transition) {
	c.logger.Info("Circuit breaker state changed",
		zap.String("target", tr.Target),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()))

	c.emitter.Emit(context.Background(), events.Event{
		Type:   events.BreakerStateChanged,
		Time:   tr.At,
		Target: tr.Target,
		Status: tr.To.String(),
		Data:   map[string]interface{}{"from": tr.From.String()},
	})
}
