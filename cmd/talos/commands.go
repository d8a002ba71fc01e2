package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/server"
	"github.com/wehubfusion/Talos/pkg/distributed"
	"github.com/wehubfusion/Talos/pkg/task"
	"github.com/wehubfusion/Talos/pkg/taskrunner"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute one workflow file and print the result map as JSON",
		ArgsUsage: "<workflow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "priority", Usage: "Task priority (critical, high, normal, low); defaults to the workflow's"},
			&cli.BoolFlag{Name: "no-cache", Usage: "Bypass the result cache"},
			&cli.BoolFlag{Name: "eager", Usage: "Release nodes as soon as their dependencies finish instead of level by level"},
			&cli.DurationFlag{Name: "task-timeout", Usage: "Per-task timeout; zero uses the worker default"},
			&cli.DurationFlag{Name: "timeout", Usage: "Bound on the whole execution; zero waits forever"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one workflow file")
			}
			wf, err := task.LoadWorkflow(cmd.Args().First())
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.shutdown(context.Background())
			if err := svc.runner.Start(ctx); err != nil {
				return err
			}

			priority := cmd.String("priority")
			if priority == "" {
				priority = wf.Priority
			}
			if d := cmd.Duration("timeout"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			exec, err := svc.runner.ExecuteWorkflow(ctx, wf.ID, wf.Nodes, wf.Edges, taskrunner.Options{
				Priority:          priority,
				EnableCache:       !cmd.Bool("no-cache"),
				EnableDistributed: !cmd.Bool("eager"),
				Input:             wf.Input,
				Timeout:           cmd.Duration("task-timeout"),
			})
			if err != nil {
				return err
			}

			out, err := sonic.ConfigStd.MarshalIndent(exec, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.Root().Writer, string(out))

			if exec.Status != distributed.StateCompleted {
				return fmt.Errorf("workflow %s finished %s", wf.ID, exec.Status)
			}
			return nil
		},
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the task runner with its HTTP and gRPC adapters until SIGINT or SIGTERM",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.Workers.ShutdownTimeout+5*time.Second)
				defer cancel()
				svc.shutdown(shutdownCtx)
			}()

			if err := svc.runner.Start(ctx); err != nil {
				return err
			}
			if err := svc.logEvents(ctx); err != nil {
				return err
			}

			logger.Info("Talos started",
				zap.String("http_addr", cfg.Server.HTTPAddr),
				zap.String("grpc_addr", cfg.Server.GRPCAddr),
				zap.Int("min_workers", cfg.Runner.Workers.MinWorkers),
				zap.Int("max_workers", cfg.Runner.Workers.MaxWorkers))

			if !cfg.Server.Enabled {
				<-ctx.Done()
				return nil
			}
			return server.New(cfg.Server, svc.runner, logger.Named("server")).Run(ctx)
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check the configuration and plan workflow files without running them",
		ArgsUsage: "[workflow.yaml...]",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			fmt.Fprintln(w, "configuration: ok")

			registry, err := newRegistry(logger)
			if err != nil {
				return err
			}

			var failed int
			for _, path := range cmd.Args().Slice() {
				if err := validateWorkflow(path, registry); err != nil {
					fmt.Fprintf(w, "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(w, "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows are invalid", failed, cmd.Args().Len())
			}
			return nil
		},
	}
}

func validateWorkflow(path string, registry *task.Registry) error {
	wf, err := task.LoadWorkflow(path)
	if err != nil {
		return err
	}
	if _, err := task.ParsePriority(wf.Priority); err != nil {
		return err
	}
	plan, err := distributed.BuildPlan(wf.Nodes, wf.Edges)
	if err != nil {
		return err
	}
	return plan.CheckExecutors(registry)
}
