package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"agent-ide/internal/config"
	"agent-ide/internal/execution"
	"agent-ide/internal/observability/alerting"
	"agent-ide/internal/observability/tracing"
	"agent-ide/internal/project"
	"agent-ide/internal/sink"
	"agent-ide/pkg/logger"
	"agent-ide/pkg/plugin"
)

// runtime 聚合一次命令执行所需的组件。
type runtime struct {
	cfg      *config.Config
	env      *execution.Environment
	project  *project.Project
	registry *plugin.Registry
	history  *sink.History
	observer execution.Observer
	alerter  alerting.Dispatcher
	closers  []func() error
}

func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && os.Getenv(config.EnvConfigPath) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	rt.closers = append(rt.closers, logger.Sync)
	rt.alerter = alerting.NewFanout(&alerting.LogNotifier{})

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	rt.registry, err = buildRegistry(cfg)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.env = execution.New(
		execution.WithGracePeriod(cfg.Execution.GracePeriod),
		execution.WithTaskFactory(execution.PluginFactory(rt.registry)),
		execution.WithDefaultTimeout(cfg.Execution.DefaultTimeout),
		execution.WithAlertDispatcher(rt.alerter),
	)

	if cfg.Project.Definitions != "" {
		rt.project, err = project.Load(cfg.Project.Definitions, project.WithLiveChecker(rt.env))
		if err != nil {
			rt.close()
			return nil, err
		}
	} else {
		rt.project = project.New(cfg.Project.Name, project.WithLiveChecker(rt.env))
	}

	observers, err := rt.buildSinks(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.observer = sink.Fanout(observers...)

	logger.L().Info("agentd 初始化完成",
		slog.String("project", rt.project.Name()),
		slog.Int("agents", len(rt.project.List())),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("history", cfg.History.Driver),
	)
	return rt, nil
}

// buildRegistry 注册内置的任务体类型。
func buildRegistry(cfg *config.Config) (*plugin.Registry, error) {
	registry, err := plugin.NewRegistry(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	for _, p := range []plugin.Plugin{plugin.NewSleep(cfg.Execution.StepDelay), &plugin.Scripted{}, &plugin.JavaScript{}} {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (rt *runtime) buildSinks(ctx context.Context) ([]execution.Observer, error) {
	observers := []execution.Observer{sink.LogObserver(nil)}

	history, err := openHistory(ctx, rt.cfg.History)
	if err != nil {
		return nil, err
	}
	if history != nil {
		rt.history = history
		rt.closers = append(rt.closers, history.Close)
		observers = append(observers, history.Observer())
	}

	if pub := rt.cfg.Publish.Redis; pub.Address != "" {
		publisher, err := sink.NewRedisPublisher(ctx, sink.RedisPublisherConfig{
			Address:   pub.Address,
			Password:  pub.Password,
			DB:        pub.DB,
			Channel:   pub.Channel,
			KeyPrefix: pub.KeyPrefix,
			TTL:       pub.TTL,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, publisher.Close)
		observers = append(observers, publisher.Observer())
	}

	if pub := rt.cfg.Publish.RabbitMQ; pub.URL != "" {
		publisher, err := sink.NewRabbitMQPublisher(sink.RabbitMQPublisherConfig{
			URL:      pub.URL,
			Exchange: pub.Exchange,
			Queue:    pub.Queue,
			Durable:  pub.Durable,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, publisher.Close)
		observers = append(observers, publisher.Observer())
	}
	return observers, nil
}

// openHistory 按驱动打开运行历史库，driver 为 none 时返回 nil。
func openHistory(ctx context.Context, cfg config.HistoryConfig) (*sink.History, error) {
	switch cfg.Driver {
	case "mysql":
		return sink.NewMySQLHistory(ctx, sink.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
	case "sqlite":
		return sink.NewSQLiteHistory(ctx, sink.SQLiteConfig{Path: cfg.Path})
	default:
		return nil, nil
	}
}

// close 按注册的逆序释放资源。
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	rt.closers = nil
}
