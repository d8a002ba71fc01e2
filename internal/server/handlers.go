package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/taskrunner"
)

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.healthCheck)
	s.app.Get("/status", s.status)
	s.app.Post("/executions", s.executeWorkflow)
}

func (s *Server) healthCheck(c *fiber.Ctx) error {
	if !s.runner.Status().Healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(s.runner.Status())
}

// executeWorkflow runs the workflow document in the body and answers with the
// complete result map. Query parameters: priority, cache, distributed,
// task_timeout and execution_id.
func (s *Server) executeWorkflow(c *fiber.Ctx) error {
	wf, err := task.ParseWorkflow(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_workflow",
			Message: err.Error(),
		})
	}

	opts := taskrunner.Options{
		Priority:          c.Query("priority", wf.Priority),
		EnableCache:       c.QueryBool("cache", true),
		EnableDistributed: c.QueryBool("distributed", true),
		Input:             wf.Input,
		ExecutionID:       c.Query("execution_id"),
	}
	if raw := c.Query("task_timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_parameter",
				Message: "task_timeout must be a positive duration such as 30s",
			})
		}
		opts.Timeout = d
	}

	ctx := c.UserContext()
	if s.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer cancel()
	}

	exec, err := s.runner.ExecuteWorkflow(ctx, wf.ID, wf.Nodes, wf.Edges, opts)
	if err != nil {
		return s.executionError(c, wf.ID, err)
	}
	return c.JSON(exec)
}

func (s *Server) executionError(c *fiber.Ctx, workflowID string, err error) error {
	kind := talerrors.KindOf(err)
	code := fiber.StatusInternalServerError
	switch kind {
	case talerrors.KindGraphCycle, talerrors.KindInvalidGraph, talerrors.KindUnknownExecutor, talerrors.KindConfiguration:
		code = fiber.StatusBadRequest
	case talerrors.KindShutdown:
		code = fiber.StatusServiceUnavailable
	}
	if code == fiber.StatusInternalServerError {
		s.logger.Error("Workflow execution failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
	return c.Status(code).JSON(ErrorResponse{
		Error:   "execution_rejected",
		Kind:    string(kind),
		Message: err.Error(),
	})
}
