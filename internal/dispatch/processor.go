package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/execution"
	"agent-ide/internal/observability/alerting"
	"agent-ide/internal/project"
	"agent-ide/pkg/logger"
)

// Resolver 根据 ID 或名称查找智能体，通常由 project.Project 实现。
type Resolver interface {
	Get(idOrName string) (*agent.Agent, error)
}

// Runner 定义处理器依赖的执行能力，通常由 execution.Environment 实现。
type Runner interface {
	Execute(ag *agent.Agent, observer execution.Observer) (string, error)
}

// Processor 从队列消费运行请求并交给执行环境。
type Processor struct {
	resolver    Resolver
	runner      Runner
	consumer    Consumer
	observer    execution.Observer
	workerCount int
	limiter     *rate.Limiter
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRateLimit 限制每秒启动的运行数量，perSecond <= 0 表示不限速。
func WithRateLimit(perSecond float64, burst int) ProcessorOption {
	return func(p *Processor) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithObserver 指定每次运行结束后的回调。
func WithObserver(observer execution.Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(resolver Resolver, runner Runner, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		resolver:    resolver,
		runner:      runner,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("dispatch")
	}
	return p
}

// Start 启动消费循环，阻塞直到 ctx 结束或队列出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行请求消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, req Request) error {
	if p.resolver == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	ag, err := p.resolve(req)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			p.logger.Warn("跳过未知智能体的运行请求",
				slog.String("request_id", req.ID),
				slog.String("agent_id", req.AgentID),
			)
			return nil
		}
		return err
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "等待运行配额失败")
		}
	}

	if _, err := p.runner.Execute(ag, p.observer); err != nil {
		if errors.Is(err, execution.ErrAlreadyRunning) {
			p.logger.Info("智能体正在运行，忽略重复请求",
				slog.String("request_id", req.ID),
				slog.String("agent_id", ag.ID()),
				slog.String("agent_name", ag.Name()),
			)
			return nil
		}
		p.logger.Error("启动运行失败",
			slog.String("request_id", req.ID),
			slog.String("agent_id", ag.ID()),
			slog.Any("error", err),
		)
		p.emitAlert(ctx, ag, req, err)
		return err
	}
	logger.Audit().Info("运行请求已受理",
		slog.String("request_id", req.ID),
		slog.String("agent_id", ag.ID()),
		slog.String("agent_name", ag.Name()),
		slog.Duration("queued_for", time.Since(req.SubmittedAt)),
	)
	return nil
}

// resolve 优先按 ID 查找；其它进程投递的请求携带的 ID 在本进程无效，此时按名称回退。
func (p *Processor) resolve(req Request) (*agent.Agent, error) {
	ag, err := p.resolver.Get(req.AgentID)
	if err == nil || req.AgentName == "" || !errors.Is(err, project.ErrNotFound) {
		return ag, err
	}
	return p.resolver.Get(req.AgentName)
}

func (p *Processor) emitAlert(ctx context.Context, ag *agent.Agent, req Request, cause error) {
	if p.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:      code,
		Message:   cause.Error(),
		Severity:  xerrors.SeverityOf(cause),
		AgentID:   ag.ID(),
		AgentName: ag.Name(),
		Stage:     "dispatch",
		Metadata:  map[string]string{"request_id": req.ID},
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("agent_id", ag.ID()))
	}
}
