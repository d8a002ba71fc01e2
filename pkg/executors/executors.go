// Package executors holds the built-in node executors: http, sql, script and
// passthrough. Real deployments register their own business executors next to them.
package executors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
)

// Node types of the built-in executors
const (
	TypeHTTP        = "http"
	TypeSQL         = "sql"
	TypeScript      = "script"
	TypePassthrough = "passthrough"
)

// RegisterBuiltins registers every built-in executor in reg
func RegisterBuiltins(reg *task.Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	builtins := []struct {
		nodeType string
		executor task.Executor
		opts     []task.DescriptorOption
	}{
		{TypeHTTP, NewHTTPExecutor(), []task.DescriptorOption{task.NeedsConnection(task.ConnectionHTTP)}},
		{TypeSQL, NewSQLExecutor(), []task.DescriptorOption{task.NeedsConnection(task.ConnectionDatabase)}},
		{TypeScript, NewScriptExecutor(logger.Named("script")), []task.DescriptorOption{task.Cacheable()}},
		{TypePassthrough, Passthrough(), []task.DescriptorOption{task.Cacheable()}},
	}
	for _, b := range builtins {
		if err := reg.Register(b.nodeType, b.executor, b.opts...); err != nil {
			return fmt.Errorf("failed to register %s executor: %w", b.nodeType, err)
		}
	}
	return nil
}

// Passthrough returns its input unchanged
func Passthrough() task.Executor {
	return task.ExecutorFunc(func(_ context.Context, input map[string]interface{}, _ *task.ExecContext) (interface{}, error) {
		return input, nil
	})
}

// configError is a permanent configuration failure
func configError(format string, args ...interface{}) error {
	return talerrors.Permanent(talerrors.Newf(talerrors.KindConfiguration, format, args...))
}

func stringOption(cfg map[string]interface{}, key string) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", configError("config %q must be a string, got %T", key, raw)
	}
	return s, nil
}

func requiredString(cfg map[string]interface{}, key string) (string, error) {
	s, err := stringOption(cfg, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", configError("config %q is required", key)
	}
	return s, nil
}
