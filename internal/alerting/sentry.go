// Package alerting forwards events that need a human to Sentry
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/memory"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/worker"
)

// Config configures the Sentry client. Alerting is off while DSN is empty.
type Config struct {
	DSN          string        `yaml:"dsn" validate:"omitempty,url"`
	Environment  string        `yaml:"environment"`
	Release      string        `yaml:"release"`
	SampleRate   float64       `yaml:"sample_rate" validate:"gte=0,lte=1"`
	FlushTimeout time.Duration `yaml:"flush_timeout" validate:"min=0"`
}

// DefaultConfig returns a disabled configuration
func DefaultConfig() Config {
	return Config{
		Environment:  "development",
		SampleRate:   1.0,
		FlushTimeout: 2 * time.Second,
	}
}

// Enabled reports whether a DSN is configured
func (c Config) Enabled() bool {
	return c.DSN != ""
}

// SentryPublisher is an events.Publisher that reports worker crashes, terminal
// task failures and critical memory alerts. Every other event is ignored.
type SentryPublisher struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
	logger       *zap.Logger
}

// NewSentryPublisher creates a publisher with its own client and hub
func NewSentryPublisher(cfg Config, logger *zap.Logger) (*SentryPublisher, error) {
	return newSentryPublisher(cfg, nil, logger)
}

func newSentryPublisher(cfg Config, beforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event, logger *zap.Logger) (*SentryPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("sentry DSN is not configured")
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
		ServerName:  "talos",
		BeforeSend:  beforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryPublisher{
		hub:          sentry.NewHub(client, sentry.NewScope()),
		flushTimeout: cfg.FlushTimeout,
		logger:       logger,
	}, nil
}

// Publish implements events.Publisher
func (p *SentryPublisher) Publish(_ context.Context, e events.Event) error {
	level, ok := alertLevel(e)
	if !ok {
		return nil
	}

	ev := sentry.NewEvent()
	ev.Level = level
	ev.Message = alertMessage(e)
	ev.Timestamp = e.Time
	ev.Fingerprint = []string{string(e.Type), e.Status, e.NodeID}
	ev.Tags = map[string]string{"event_type": string(e.Type), "status": e.Status}
	for k, v := range map[string]string{
		"execution_id": e.ExecutionID,
		"workflow_id":  e.WorkflowID,
		"node_id":      e.NodeID,
		"worker_id":    e.WorkerID,
		"target":       e.Target,
	} {
		if v != "" {
			ev.Tags[k] = v
		}
	}
	ev.Extra = map[string]interface{}{"event_id": e.ID, "attempt": e.Attempt}
	for k, v := range e.Data {
		ev.Extra[k] = v
	}

	if id := p.hub.CaptureEvent(ev); id != nil {
		p.logger.Debug("Alert sent",
			zap.String("sentry_event_id", string(*id)),
			zap.String("type", string(e.Type)))
	}
	return nil
}

// Flush waits for queued alerts to be delivered
func (p *SentryPublisher) Flush() bool {
	return p.hub.Flush(p.flushTimeout)
}

func alertLevel(e events.Event) (sentry.Level, bool) {
	switch e.Type {
	case events.WorkerStatusChanged:
		if e.Status == string(worker.StatusCrashed) {
			return sentry.LevelError, true
		}
	case events.TaskStatusChanged:
		if e.Status == string(task.StatusFailed) || e.Status == string(task.StatusTimedOut) {
			return sentry.LevelError, true
		}
	case events.MemoryAlert:
		if e.Status == string(memory.LevelCritical) {
			return sentry.LevelFatal, true
		}
	}
	return "", false
}

func alertMessage(e events.Event) string {
	var subject string
	switch e.Type {
	case events.WorkerStatusChanged:
		subject = fmt.Sprintf("worker %s crashed", e.WorkerID)
	case events.TaskStatusChanged:
		subject = fmt.Sprintf("task %s of node %s %s", e.TaskID, e.NodeID, e.Status)
	case events.MemoryAlert:
		subject = "memory pressure critical"
	}
	if e.Message != "" {
		return subject + ": " + e.Message
	}
	return subject
}
