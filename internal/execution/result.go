package execution

import (
	"time"

	"agent-ide/internal/agent"
)

// Result 是一次运行的终态结果，构造后不再修改。
type Result struct {
	AgentID    string        `json:"agent_id"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Status     agent.Status  `json:"status"`
	Duration   time.Duration `json:"duration"`
	Iterations int           `json:"iterations"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Observer 在运行结束后被调用一次，返回值与异常都不会影响已存储的结果。
type Observer func(ag *agent.Agent, result Result)
