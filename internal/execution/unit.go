package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
)

// unit 持有一次运行的取消信号、计时与任务体。
type unit struct {
	agent    *agent.Agent
	task     Task
	observer Observer
	ceiling  int

	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc
	startedAt time.Time
	span      trace.Span

	done   chan struct{}
	result Result
}

// outcome 是执行单元的终止结论，由 Environment 补全计时后写入 Result。
type outcome struct {
	status     agent.Status
	output     string
	errMsg     string
	iterations int
}

func (u *unit) run() outcome {
	completed := 0
	for step := 1; step <= u.ceiling; step++ {
		if u.ctx.Err() != nil {
			return u.interrupted(completed)
		}
		if err := u.step(step); err != nil {
			if u.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return u.interrupted(completed)
			}
			return outcome{
				status:     agent.StatusError,
				errMsg:     err.Error(),
				iterations: completed,
			}
		}
		completed = step
		u.agent.Advance(step)
		u.span.AddEvent("step", trace.WithAttributes(attribute.Int("iteration", step)))
	}
	return outcome{
		status:     agent.StatusCompleted,
		output:     fmt.Sprintf("agent executed successfully for %d iterations", completed),
		iterations: completed,
	}
}

func (u *unit) step(n int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeTaskFault, fmt.Sprintf("panic at iteration %d: %v", n, r))
		}
	}()
	return u.task.Step(u.ctx, n)
}

// interrupted 区分主动取消与超时：取消不是错误，超时记为 error。
func (u *unit) interrupted(completed int) outcome {
	out := outcome{
		status:     agent.StatusCancelled,
		output:     fmt.Sprintf("execution stopped at iteration %d", completed),
		iterations: completed,
	}
	if cause := context.Cause(u.ctx); errors.Is(cause, ErrRunTimeout) {
		out.status = agent.StatusError
		out.errMsg = cause.Error()
	}
	return out
}

func (u *unit) release() {
	u.stopTimer()
	u.cancel(nil)
}
