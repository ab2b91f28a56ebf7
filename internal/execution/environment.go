package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/observability/alerting"
	"agent-ide/internal/observability/metrics"
	"agent-ide/pkg/logger"
)

const tracerName = "agent-ide/execution"

// Environment 管理执行单元的注册表与结果存储。
// 注册表与结果存储由同一把锁保护，任务步进发生在锁外。
type Environment struct {
	mu      sync.Mutex
	units   map[string]*unit
	results map[string]Result
	closed  bool

	// notifying 统计尚未返回的观察者调用，Shutdown 会等待其归零。
	notifying sync.WaitGroup

	grace          time.Duration
	stepDelay      time.Duration
	defaultTimeout time.Duration
	factory        TaskFactory
	logger         *slog.Logger
	alerter        alerting.Dispatcher
	tracer         trace.Tracer
}

// New 构造执行环境。
func New(opts ...Option) *Environment {
	e := &Environment{
		units:     make(map[string]*unit),
		results:   make(map[string]Result),
		grace:     DefaultGracePeriod,
		stepDelay: DefaultStepDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.factory == nil {
		e.factory = SimulatedFactory(e.stepDelay)
	}
	if e.logger == nil {
		e.logger = logger.Named("execution")
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Execute 使用任务体工厂为智能体启动一次运行，返回的句柄即智能体 ID。
func (e *Environment) Execute(ag *agent.Agent, observer Observer) (string, error) {
	if ag == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	// 任务体绑定可能较慢，先行拒绝无法启动的运行。
	if err := e.admissible(ag); err != nil {
		return "", err
	}
	task, err := e.factory(ag)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造任务体失败")
	}
	return e.ExecuteTask(ag, task, observer)
}

// ExecuteTask 使用指定任务体启动一次运行。
// 检查与标记运行中在同一把锁内完成，因此同一智能体不会出现两个执行单元。
func (e *Environment) ExecuteTask(ag *agent.Agent, task Task, observer Observer) (string, error) {
	if ag == nil || task == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "agent 与 task 均不能为空")
	}
	id := ag.ID()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEnvironmentClosed
	}
	if _, live := e.units[id]; live {
		e.mu.Unlock()
		metrics.ObserveRejected()
		return "", ErrAlreadyRunning
	}
	startedAt := time.Now()
	cfg, err := ag.Begin(startedAt)
	if err != nil {
		e.mu.Unlock()
		metrics.ObserveRejected()
		return "", err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	spanCtx, span := e.tracer.Start(context.Background(), "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", id),
			attribute.String("agent.name", cfg.Name),
			attribute.String("agent.type", cfg.Type),
			attribute.Int("agent.max_iterations", cfg.MaxIterations),
		),
	)
	ctx, cancel := context.WithCancelCause(spanCtx)
	stopTimer := context.CancelFunc(func() {})
	if timeout > 0 {
		cause := xerrors.New(CodeRunTimeout, fmt.Sprintf("run exceeded timeout of %s", timeout))
		ctx, stopTimer = context.WithTimeoutCause(ctx, timeout, cause)
	}
	u := &unit{
		agent:     ag,
		task:      task,
		observer:  observer,
		ceiling:   cfg.MaxIterations,
		ctx:       ctx,
		cancel:    cancel,
		stopTimer: stopTimer,
		startedAt: startedAt,
		span:      span,
		done:      make(chan struct{}),
	}
	e.units[id] = u
	live := len(e.units)
	e.mu.Unlock()

	metrics.SetLiveRuns(live)
	e.logger.Info("智能体开始运行",
		slog.String("agent_id", id),
		slog.String("agent_name", cfg.Name),
		slog.Int("max_iterations", cfg.MaxIterations),
		slog.Duration("timeout", timeout),
	)

	go e.run(u)
	return id, nil
}

// admissible 判断智能体当前能否开始新的运行，不做任何状态变更。
func (e *Environment) admissible(ag *agent.Agent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEnvironmentClosed
	}
	if _, live := e.units[ag.ID()]; live || ag.IsRunning() {
		metrics.ObserveRejected()
		return ErrAlreadyRunning
	}
	return nil
}

func (e *Environment) run(u *unit) {
	out := u.run()
	e.finish(u, out)
}

func (e *Environment) finish(u *unit, out outcome) {
	endedAt := time.Now()
	id := u.agent.ID()
	res := Result{
		AgentID:    id,
		Success:    out.status == agent.StatusCompleted,
		Output:     out.output,
		Error:      out.errMsg,
		Status:     out.status,
		Duration:   endedAt.Sub(u.startedAt),
		Iterations: out.iterations,
		StartedAt:  u.startedAt,
		FinishedAt: endedAt,
	}

	e.mu.Lock()
	if err := u.agent.Finish(out.status, out.errMsg, endedAt); err != nil {
		e.logger.Warn("写入终态失败", slog.String("agent_id", id), slog.Any("error", err))
	}
	e.results[id] = res
	// 先计数再移出注册表，Shutdown 才能等到该观察者。
	e.notifying.Add(1)
	delete(e.units, id)
	live := len(e.units)
	e.mu.Unlock()

	u.release()
	endSpan(u.span, res)
	u.result = res
	close(u.done)
	defer e.notifying.Done()

	metrics.SetLiveRuns(live)
	metrics.ObserveRun(string(res.Status), res.Duration)
	e.record(u.agent, res)

	if res.Status == agent.StatusError {
		code := CodeTaskFault
		stage := "task"
		if cause := context.Cause(u.ctx); errors.Is(cause, ErrRunTimeout) && res.Error == cause.Error() {
			code, stage = CodeRunTimeout, "timeout"
		}
		e.emitAlert(u.agent, code, res.Error, stage, res.Iterations, nil)
	}

	e.notify(u, res)
}

func endSpan(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("agent.status", string(res.Status)),
		attribute.Int("agent.iterations", res.Iterations),
	)
	if res.Status == agent.StatusError {
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (e *Environment) record(ag *agent.Agent, res Result) {
	attrs := []any{
		slog.String("agent_id", res.AgentID),
		slog.String("agent_name", ag.Name()),
		slog.String("status", string(res.Status)),
		slog.Bool("success", res.Success),
		slog.Int("iterations", res.Iterations),
		slog.Duration("duration", res.Duration),
	}
	switch res.Status {
	case agent.StatusError:
		e.logger.Error("智能体运行失败", append(attrs, slog.String("error", res.Error))...)
	case agent.StatusCancelled:
		e.logger.Info("智能体运行已取消", attrs...)
	default:
		e.logger.Info("智能体运行完成", attrs...)
	}
	logger.Audit().Info("运行结果", append(attrs, slog.String("output", res.Output), slog.String("error", res.Error))...)
}

// notify 在执行单元所在的 goroutine 上同步调用观察者，并隔离其 panic。
func (e *Environment) notify(u *unit, res Result) {
	if u.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			e.logger.Error("完成回调执行失败",
				slog.String("agent_id", res.AgentID),
				slog.String("error", msg),
			)
			e.emitAlert(u.agent, CodeObserverFault, msg, "observer", res.Iterations, nil)
		}
	}()
	u.observer(u.agent, res)
}

// Cancel 发出取消信号并在宽限期内等待执行单元退出。
// 未找到存活单元或宽限期内未退出时返回 false，后者单元仍保留在注册表中。
func (e *Environment) Cancel(ctx context.Context, agentID string) bool {
	e.mu.Lock()
	u, ok := e.units[agentID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	u.cancel(ErrRunCancelled)

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-u.done:
		return true
	case <-ctx.Done():
		e.logger.Info("取消等待被调用方中止",
			slog.String("agent_id", agentID),
			slog.Any("error", ctx.Err()),
		)
		return false
	case <-timer.C:
	}

	e.logger.Warn("智能体未在宽限期内停止",
		slog.String("agent_id", agentID),
		slog.Duration("grace_period", e.grace),
	)
	e.emitAlert(u.agent, CodeCancelTimeout, "unit did not stop within the grace period", "cancel", u.agent.State().Iteration,
		map[string]string{"grace_period": e.grace.String()})
	return false
}

// Wait 阻塞直到存活单元结束并返回其结果；智能体不在运行时直接返回已存储结果。
func (e *Environment) Wait(ctx context.Context, agentID string) (Result, error) {
	e.mu.Lock()
	u, live := e.units[agentID]
	res, stored := e.results[agentID]
	e.mu.Unlock()

	if !live {
		if stored {
			return res, nil
		}
		return Result{}, ErrNoResult
	}
	select {
	case <-u.done:
		return u.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result 返回智能体最近一次终态结果。
func (e *Environment) Result(agentID string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[agentID]
	return res, ok
}

// IsRunning 判断智能体是否存在存活的执行单元。
func (e *Environment) IsRunning(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.units[agentID]
	return ok
}

// LiveIDs 返回当前存活执行单元对应的智能体 ID，按字典序排列。
func (e *Environment) LiveIDs() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown 拒绝新的运行，取消所有存活单元，并等待其退出与观察者返回。
func (e *Environment) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	units := make([]*unit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	e.mu.Unlock()

	for _, u := range units {
		u.cancel(ErrEnvironmentClosed)
	}
	for _, u := range units {
		select {
		case <-u.done:
		case <-ctx.Done():
			return xerrors.Wrap(CodeCancelTimeout, ctx.Err(), fmt.Sprintf("agent %s still running at shutdown", u.agent.ID()))
		}
	}

	drained := make(chan struct{})
	go func() {
		e.notifying.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(CodeCancelTimeout, ctx.Err(), "observers still running at shutdown")
	}
}

func (e *Environment) emitAlert(ag *agent.Agent, code xerrors.Code, message, stage string, iterations int, metadata map[string]string) {
	if e.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		AgentID:    ag.ID(),
		AgentName:  ag.Name(),
		Iterations: iterations,
		Stage:      stage,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		e.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("agent_id", ag.ID()),
			slog.String("stage", stage),
		)
	}
}
