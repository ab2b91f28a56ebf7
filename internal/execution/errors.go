package execution

import (
	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
)

const (
	CodeTaskFault     xerrors.Code = "AGENT_TASK_FAULT"
	CodeRunTimeout    xerrors.Code = "AGENT_RUN_TIMEOUT"
	CodeRunCancelled  xerrors.Code = "AGENT_RUN_CANCELLED"
	CodeCancelTimeout xerrors.Code = "AGENT_CANCEL_TIMEOUT"
	CodeObserverFault xerrors.Code = "AGENT_OBSERVER_FAULT"
	CodeNoResult      xerrors.Code = "EXECUTION_NO_RESULT"
	CodeClosed        xerrors.Code = "EXECUTION_CLOSED"
)

var (
	// ErrAlreadyRunning 表示目标智能体已有存活的执行单元。
	ErrAlreadyRunning = agent.ErrAlreadyRunning
	// ErrRunTimeout 是超时取消时携带的原因。
	ErrRunTimeout = xerrors.New(CodeRunTimeout, "run exceeded its timeout")
	// ErrRunCancelled 是调用方主动取消时携带的原因。
	ErrRunCancelled = xerrors.New(CodeRunCancelled, "run cancelled by caller")
	// ErrNoResult 表示智能体从未完成过运行。
	ErrNoResult = xerrors.New(CodeNoResult, "agent has no stored result")
	// ErrEnvironmentClosed 表示执行环境已关闭，不再接受新的运行。
	ErrEnvironmentClosed = xerrors.New(CodeClosed, "execution environment closed")
)

func init() {
	xerrors.Register(CodeTaskFault, xerrors.Attributes{
		Message:  "task body failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRunTimeout, xerrors.Attributes{
		Message:  "run exceeded its timeout",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRunCancelled, xerrors.Attributes{
		Message:  "run cancelled by caller",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCancelTimeout, xerrors.Attributes{
		Message:  "unit did not stop within the grace period",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeObserverFault, xerrors.Attributes{
		Message:  "completion observer failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeNoResult, xerrors.Attributes{
		Message:  "agent has no stored result",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeClosed, xerrors.Attributes{
		Message:  "execution environment closed",
		Severity: xerrors.SeverityInfo,
	})
}
