// Package server exposes the task runner over HTTP (fiber) and gRPC health checks
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/taskrunner"
)

// Runner is the part of the task runner the adapters drive
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, nodes []task.Node, edges []task.Edge, opts taskrunner.Options) (*taskrunner.Execution, error)
	Status() taskrunner.Status
}

// Config holds the listener settings
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	HTTPAddr     string        `yaml:"http_addr" validate:"required_if=Enabled true"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=0"`
	// ExecutionTimeout bounds a synchronous POST /executions call; zero means no bound
	ExecutionTimeout time.Duration `yaml:"execution_timeout" validate:"min=0"`
	// HealthInterval is how often the gRPC health status follows the worker pool
	HealthInterval  time.Duration `yaml:"health_interval" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// DefaultConfig returns the default listener settings
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		HTTPAddr:         ":8080",
		GRPCAddr:         ":9090",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Minute,
		ExecutionTimeout: 5 * time.Minute,
		HealthInterval:   5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Server bundles the HTTP app and the gRPC health service
type Server struct {
	cfg    Config
	runner Runner
	logger *zap.Logger

	app    *fiber.App
	grpc   *grpc.Server
	health *health.Server
}

// New creates the adapters; nothing listens until Run
func New(cfg Config, runner Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		health: health.NewServer(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "Talos",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(fiberrecover.New())
	s.app.Use(s.requestLogger())
	s.setupRoutes()

	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refreshHealth()

	return s
}

// App returns the fiber app, mainly for app.Test
func (s *Server) App() *fiber.App {
	return s.app
}

// GRPC returns the gRPC server with the health service registered
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// Run listens on the configured addresses until ctx is done or a listener fails
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.app.Listen(s.cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout)
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		go func() {
			s.logger.Info("gRPC health service listening", zap.String("addr", s.cfg.GRPCAddr))
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.watchHealth(healthCtx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	stopHealth()
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout); err != nil {
		s.logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	s.logger.Info("Servers stopped")
	return runErr
}

func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshHealth()
		}
	}
}

// refreshHealth mirrors the pool health into the gRPC health service
func (s *Server) refreshHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.runner.Status().Healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// ServiceName is the gRPC health service name of the runner
const ServiceName = "talos.TaskRunner"

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}
	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
