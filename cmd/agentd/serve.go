package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agent-ide/internal/config"
	"agent-ide/internal/dispatch"
	"agent-ide/internal/observability/metrics"
	"agent-ide/internal/project"
	"agent-ide/internal/schedule"
	"agent-ide/pkg/logger"
)

func serveCmd() *cobra.Command {
	var initial []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume run requests and execute agents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), initial)
		},
	}
	cmd.Flags().StringArrayVar(&initial, "run", nil, "agent id or name to submit once the processor is up (repeatable)")
	return cmd
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (dispatch.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return dispatch.NewRedisQueue(ctx, dispatch.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return dispatch.NewMemoryQueue(cfg.Size), nil
	}
}

func serve(ctx context.Context, initial []string) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	queue, err := openQueue(ctx, rt.cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭运行请求队列失败", slog.Any("error", err))
		}
	}()

	processor := dispatch.NewProcessor(rt.project, rt.env, queue,
		dispatch.WithWorkerCount(rt.cfg.Queue.Workers),
		dispatch.WithRateLimit(rt.cfg.Queue.RateLimit, rt.cfg.Queue.Burst),
		dispatch.WithObserver(rt.observer),
		dispatch.WithAlertDispatcher(rt.alerter),
	)
	service := dispatch.NewService(rt.project, queue)

	var watcher *project.Watcher
	if rt.cfg.Project.Watch {
		watcher, err = project.NewWatcher(rt.project, rt.cfg.Project.Definitions,
			project.WithDebounce(rt.cfg.Project.Debounce))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	if addr := rt.cfg.Metrics.Address; addr != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, addr))
		})
	}
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	if rt.cfg.Schedule.Enabled {
		scheduler := schedule.New(rt.project, service, schedule.WithInterval(rt.cfg.Schedule.Interval))
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	for _, name := range initial {
		if _, err := service.Submit(gctx, name); err != nil {
			logger.L().Error("提交初始运行失败", slog.String("agent", name), slog.Any("error", err))
		}
	}

	logger.L().Info("agentd 已启动",
		slog.Int("workers", rt.cfg.Queue.Workers),
		slog.Bool("watch", rt.cfg.Project.Watch),
		slog.Bool("schedule", rt.cfg.Schedule.Enabled),
	)

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Execution.GracePeriod+5*time.Second)
	defer cancel()
	shutdownErr := rt.env.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.L().Error("执行环境关闭超时", slog.Any("error", shutdownErr), slog.Any("live", rt.env.LiveIDs()))
	}

	runErr := g.Wait()
	if runErr == nil {
		runErr = shutdownErr
	}
	logger.L().Info("agentd 已停止")
	return runErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
