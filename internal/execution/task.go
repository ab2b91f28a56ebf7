package execution

import (
	"context"
	"time"

	"agent-ide/internal/agent"
	"agent-ide/pkg/plugin"
)

// Task 是绑定到某个智能体的任务体，每次调用执行一步。
// Step 应当在有限时间内返回，并在 ctx 结束时尽快退出。
type Task interface {
	Step(ctx context.Context, iteration int) error
}

// TaskFunc 将普通函数适配为 Task。
type TaskFunc func(ctx context.Context, iteration int) error

// Step 实现 Task 接口。
func (f TaskFunc) Step(ctx context.Context, iteration int) error {
	return f(ctx, iteration)
}

// TaskFactory 根据智能体定义构造任务体。
type TaskFactory func(ag *agent.Agent) (Task, error)

// SimulatedTask 每一步等待 Delay，模拟真实工作负载。
type SimulatedTask struct {
	Delay time.Duration
}

// Step 等待 Delay 或 ctx 结束。
func (t SimulatedTask) Step(ctx context.Context, _ int) error {
	if t.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(t.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SimulatedFactory 为每个智能体返回同一个 SimulatedTask。
func SimulatedFactory(delay time.Duration) TaskFactory {
	return func(*agent.Agent) (Task, error) {
		return SimulatedTask{Delay: delay}, nil
	}
}

// PluginFactory 按智能体类型从插件注册表绑定任务体。
func PluginFactory(reg *plugin.Registry) TaskFactory {
	return func(ag *agent.Agent) (Task, error) {
		cfg := ag.Config()
		caps := make([]plugin.Capability, 0, len(cfg.Capabilities))
		for _, c := range cfg.Capabilities {
			caps = append(caps, plugin.Capability(c))
		}
		step, err := reg.Bind(plugin.Kind(cfg.Type), plugin.Binding{
			AgentID:      ag.ID(),
			AgentName:    cfg.Name,
			Code:         ag.Code(),
			Parameters:   cfg.Parameters,
			Capabilities: caps,
		})
		if err != nil {
			return nil, err
		}
		return TaskFunc(step), nil
	}
}
