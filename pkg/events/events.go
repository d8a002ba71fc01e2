// Package events carries typed status-change notifications out of the scheduler.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// Type identifies the kind of status change
type Type string

const (
	TaskStatusChanged     Type = "task.status_changed"
	WorkerStatusChanged   Type = "worker.status_changed"
	BreakerStateChanged   Type = "breaker.state_changed"
	MemoryAlert           Type = "memory.alert"
	ExecutionStateChanged Type = "execution.state_changed"
)

// Event is a single status change. Only the fields relevant to Type are set.
type Event struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	Time        time.Time              `json:"time"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	Target      string                 `json:"target,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Publisher delivers events to an outbound channel. Implementations must not
// block the caller for long; scheduler hot paths publish synchronously.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors
type Fanout []Publisher

// Publish implements Publisher
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter stamps events and logs delivery failures so callers never handle them.
type Emitter struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewEmitter wraps publisher; nil publisher or logger fall back to no-ops.
func NewEmitter(publisher Publisher, logger *zap.Logger) *Emitter {
	if publisher == nil {
		publisher = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{publisher: publisher, logger: logger}
}

// Emit fills ID and Time when missing and publishes the event
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil {
		return
	}
	if e.ID == "" {
		e.ID = watermill.NewULID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if err := em.publisher.Publish(ctx, e); err != nil {
		em.logger.Warn("Failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("event_id", e.ID),
			zap.Error(err))
	}
}
