package execution

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agent-ide/internal/observability/alerting"
)

const (
	// DefaultGracePeriod 是 Cancel 等待执行单元退出的默认时长。
	DefaultGracePeriod = 5 * time.Second
	// DefaultStepDelay 是模拟任务每一步的默认耗时。
	DefaultStepDelay = 100 * time.Millisecond
)

// Option 定义执行环境的可选配置。
type Option func(*Environment)

// WithGracePeriod 设置取消时的等待时长。
func WithGracePeriod(d time.Duration) Option {
	return func(e *Environment) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithTaskFactory 指定 Execute 使用的任务体构造方式。
func WithTaskFactory(factory TaskFactory) Option {
	return func(e *Environment) {
		e.factory = factory
	}
}

// WithStepDelay 设置默认模拟任务每一步的耗时。
func WithStepDelay(d time.Duration) Option {
	return func(e *Environment) {
		if d >= 0 {
			e.stepDelay = d
		}
	}
}

// WithDefaultTimeout 为未配置超时的智能体提供兜底超时。
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Environment) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) {
		e.logger = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Environment) {
		e.alerter = d
	}
}

// WithTracerProvider 指定生成运行链路的 TracerProvider，默认使用 otel 全局 provider。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Environment) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}
