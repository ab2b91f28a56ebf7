package sink

import (
	"time"

	"agent-ide/internal/agent"
	"agent-ide/internal/execution"
)

// RunEvent 是一次运行结束后对外发布的记录。
type RunEvent struct {
	AgentID    string       `json:"agent_id"`
	AgentName  string       `json:"agent_name"`
	AgentType  string       `json:"agent_type"`
	Status     agent.Status `json:"status"`
	Success    bool         `json:"success"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	Iterations int          `json:"iterations"`
	DurationMS int64        `json:"duration_ms"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// NewRunEvent 由智能体与运行结果构造事件。
func NewRunEvent(ag *agent.Agent, res execution.Result) RunEvent {
	cfg := ag.Config()
	return RunEvent{
		AgentID:    res.AgentID,
		AgentName:  cfg.Name,
		AgentType:  cfg.Type,
		Status:     res.Status,
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		Iterations: res.Iterations,
		DurationMS: res.Duration.Milliseconds(),
		StartedAt:  res.StartedAt.UTC(),
		FinishedAt: res.FinishedAt.UTC(),
	}
}
