package events

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used for publishing
type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events as JSON on <prefix>.<event type>
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NewNATSPublisher creates a publisher on an established connection
func NewNATSPublisher(conn *nats.Conn, subjectPrefix string) *NATSPublisher {
	return newNATSPublisher(conn, subjectPrefix)
}

func newNATSPublisher(conn natsConn, subjectPrefix string) *NATSPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "talos.events"
	}
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	payload, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.Type), payload); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}
	return nil
}
