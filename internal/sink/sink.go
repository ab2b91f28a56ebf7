package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agent-ide/internal/agent"
	"agent-ide/internal/execution"
	"agent-ide/pkg/logger"
)

// observeTimeout 是单个外部 sink 写入一次结果的时长上限。
const observeTimeout = 5 * time.Second

// Fanout 依次调用每个观察者，单个观察者 panic 不影响其余观察者。
func Fanout(observers ...execution.Observer) execution.Observer {
	list := make([]execution.Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return func(ag *agent.Agent, res execution.Result) {
		for i, o := range list {
			invoke(i, o, ag, res)
		}
	}
}

func invoke(idx int, o execution.Observer, ag *agent.Agent, res execution.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("sink").Error("结果观察者执行失败",
				slog.Int("observer", idx),
				slog.String("agent_id", res.AgentID),
				slog.String("error", fmt.Sprint(r)),
			)
		}
	}()
	o(ag, res)
}

// LogObserver 将运行结果写入审计日志。
func LogObserver(l *slog.Logger) execution.Observer {
	return func(ag *agent.Agent, res execution.Result) {
		target := l
		if target == nil {
			target = logger.Audit()
		}
		ev := NewRunEvent(ag, res)
		target.Info("运行结束",
			slog.String("agent_id", ev.AgentID),
			slog.String("agent_name", ev.AgentName),
			slog.String("status", string(ev.Status)),
			slog.Bool("success", ev.Success),
			slog.Int("iterations", ev.Iterations),
			slog.Int64("duration_ms", ev.DurationMS),
			slog.String("output", ev.Output),
			slog.String("error", ev.Error),
		)
	}
}

// recordFunc 是各个外部 sink 的写入函数。
type recordFunc func(ctx context.Context, ev RunEvent) error

// observerFor 将写入函数包装为观察者，失败只记录日志。
func observerFor(name string, record recordFunc) execution.Observer {
	return func(ag *agent.Agent, res execution.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		defer cancel()
		if err := record(ctx, NewRunEvent(ag, res)); err != nil {
			logger.Named("sink").Error("写入运行结果失败",
				slog.String("sink", name),
				slog.String("agent_id", res.AgentID),
				slog.Any("error", err),
			)
		}
	}
}
