package main

import (
	"context"
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/alerting"
	natsconn "github.com/wehubfusion/Talos/internal/nats"
	"github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/config"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/executors"
	"github.com/wehubfusion/Talos/pkg/logging"
	"github.com/wehubfusion/Talos/pkg/storage"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/taskrunner"
)

// loadConfig resolves the configuration and builds the logger for a command
func loadConfig(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger.Named(config.ServiceName), nil
}

// newRegistry returns a registry holding the built-in executors
func newRegistry(logger *zap.Logger) (*task.Registry, error) {
	registry := task.NewRegistry()
	if err := executors.RegisterBuiltins(registry, logger.Named("executors")); err != nil {
		return nil, err
	}
	return registry, nil
}

// service is a fully wired runner plus everything that has to be closed with it
type service struct {
	cfg     config.Config
	logger  *zap.Logger
	bus     *events.Bus
	runner  *taskrunner.Runner
	closers []func(context.Context) error
}

func newService(ctx context.Context, cfg config.Config, logger *zap.Logger) (svc *service, err error) {
	svc = &service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			svc.close(context.Background())
		}
	}()

	traces, err := tracing.Setup(ctx, cfg.Tracing, logger.Named("tracing"))
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, traces.Shutdown)

	publisher, err := svc.publishers(ctx)
	if err != nil {
		return nil, err
	}
	sinks, err := svc.sinks()
	if err != nil {
		return nil, err
	}
	registry, err := newRegistry(logger)
	if err != nil {
		return nil, err
	}

	svc.runner, err = taskrunner.New(cfg.Runner, registry,
		taskrunner.WithLogger(logger),
		taskrunner.WithPublisher(publisher),
		taskrunner.WithResultSinks(sinks...))
	if err != nil {
		return nil, fmt.Errorf("failed to build task runner: %w", err)
	}
	return svc, nil
}

// publishers assembles the event fan-out: the in-process bus, then NATS and
// Sentry when configured
func (s *service) publishers(ctx context.Context) (events.Publisher, error) {
	s.bus = events.NewBus(s.cfg.Events.Bus, s.logger.Named("events"))
	s.closers = append(s.closers, func(context.Context) error { return s.bus.Close() })
	fanout := events.Fanout{s.bus}

	if s.cfg.Events.NATS.Enabled {
		conn, err := natsconn.Connect(ctx, s.cfg.Events.NATS, s.logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return natsconn.Close(conn) })
		fanout = append(fanout, events.NewNATSPublisher(conn, s.cfg.Events.NATS.SubjectPrefix))
	}

	if s.cfg.Alerting.Enabled() {
		alerts, err := alerting.NewSentryPublisher(s.cfg.Alerting, s.logger.Named("alerting"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error {
			if !alerts.Flush() {
				return errors.New("sentry flush timed out")
			}
			return nil
		})
		fanout = append(fanout, alerts)
	}
	return fanout, nil
}

func (s *service) sinks() ([]storage.ResultSink, error) {
	var sinks []storage.ResultSink

	if blob := s.cfg.Storage.Blob; blob.Enabled {
		store, err := storage.NewAzureBlobStore(blob, s.logger.Named("blob"))
		if err != nil {
			return nil, err
		}
		sink, err := storage.NewBlobSink(store, blob.Compress, s.logger.Named("blob"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if rc := s.cfg.Storage.Redis; rc.Enabled {
		client := storage.NewRedisClient(rc)
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		sink, err := storage.NewRedisSink(client, rc.KeyPrefix, rc.TTL, s.logger.Named("redis"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// shutdown stops the runner and releases every resource in reverse order
func (s *service) shutdown(ctx context.Context) {
	if s.runner != nil {
		if err := s.runner.Shutdown(ctx); err != nil {
			s.logger.Warn("Task runner shutdown incomplete", zap.Error(err))
		}
	}
	s.close(ctx)
	_ = s.logger.Sync()
}

func (s *service) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("Failed to release resource", zap.Error(err))
		}
	}
	s.closers = nil
}

// logEvents mirrors the bus onto the debug log until ctx is done
func (s *service) logEvents(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	logger := s.logger.Named("events")
	go func() {
		for e := range ch {
			logger.Debug("Event",
				zap.String("type", string(e.Type)),
				zap.String("status", e.Status),
				zap.String("execution_id", e.ExecutionID),
				zap.String("node_id", e.NodeID),
				zap.String("worker_id", e.WorkerID),
				zap.String("message", e.Message))
		}
	}()
	return nil
}
