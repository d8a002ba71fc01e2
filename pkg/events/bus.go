package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Topic is the watermill topic every event is published on
const Topic = "talos.events"

const eventTypeMetadataKey = "event_type"

// BusConfig tunes the in-process pub/sub
type BusConfig struct {
	OutputChannelBuffer int64 `yaml:"output_channel_buffer"`
}

// DefaultBusConfig returns the default bus settings
func DefaultBusConfig() BusConfig {
	return BusConfig{OutputChannelBuffer: 1000}
}

// Bus is an in-process event channel backed by watermill's gochannel pub/sub.
// Events published while nobody is subscribed are dropped.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger *zap.Logger
}

// NewBus creates a bus
func NewBus(cfg BusConfig, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputChannelBuffer <= 0 {
		cfg.OutputChannelBuffer = DefaultBusConfig().OutputChannelBuffer
	}

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.OutputChannelBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewWatermillLogger(logger),
	)

	return &Bus{pubSub: pubSub, logger: logger}
}

// Publish implements Publisher
func (b *Bus) Publish(ctx context.Context, e Event) error {
	payload, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	id := e.ID
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(eventTypeMetadataKey, string(e.Type))
	msg.SetContext(ctx)

	return b.pubSub.Publish(Topic, msg)
}

// Subscribe returns a channel of decoded events that is closed when ctx ends or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var e Event
			if err := sonic.Unmarshal(msg.Payload, &e); err != nil {
				b.logger.Warn("Dropping undecodable event",
					zap.String("message_uuid", msg.UUID),
					zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the underlying pub/sub and every subscription
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// zapLoggerAdapter implements watermill.LoggerAdapter on top of zap
type zapLoggerAdapter struct {
	logger *zap.Logger
}

// NewWatermillLogger adapts a zap logger to watermill's logger interface
func NewWatermillLogger(logger *zap.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLoggerAdapter{logger: logger}
}

func (a *zapLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (a *zapLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, zapFields(fields)...)
}

func (a *zapLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a *zapLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a *zapLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapLoggerAdapter{logger: a.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
