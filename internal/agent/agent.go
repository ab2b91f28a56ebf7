package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "agent-ide/internal/errors"
)

// Status 表示智能体运行状态。
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal 判断状态是否为一次运行的终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

const (
	CodeAlreadyRunning xerrors.Code = "AGENT_ALREADY_RUNNING"
	CodeAgentBusy      xerrors.Code = "AGENT_BUSY"
	CodeInvalidState   xerrors.Code = "AGENT_INVALID_STATE"
)

var (
	// ErrAlreadyRunning 表示智能体已有运行中的执行单元。
	ErrAlreadyRunning = xerrors.New(CodeAlreadyRunning, "agent is already running")
	// ErrAgentBusy 表示智能体运行期间不允许修改配置或重置。
	ErrAgentBusy = xerrors.New(CodeAgentBusy, "agent is busy")
	// ErrInvalidState 表示状态迁移不合法。
	ErrInvalidState = xerrors.New(CodeInvalidState, "invalid agent state transition")
)

func init() {
	xerrors.Register(CodeAlreadyRunning, xerrors.Attributes{
		Message:  "agent is already running",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentBusy, xerrors.Attributes{
		Message:  "agent is busy",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "invalid agent state transition",
		Severity: xerrors.SeverityWarning,
	})
}

// Config 描述智能体的配置，运行期间保持不变。
type Config struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description"`
	Type          string         `json:"agent_type" yaml:"type"`
	Parameters    map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	Capabilities  []string       `json:"capabilities,omitempty" yaml:"capabilities"`
	Model         string         `json:"model,omitempty" yaml:"model"`
	MaxIterations int            `json:"max_iterations" yaml:"max_iterations"`
	Timeout       time.Duration  `json:"timeout" yaml:"timeout"`
	Schedule      string         `json:"schedule,omitempty" yaml:"schedule"`
}

// State 是智能体的运行状态快照。
type State struct {
	Status       Status     `json:"status"`
	CurrentTask  string     `json:"current_task,omitempty"`
	Iteration    int        `json:"iteration_count"`
	StartedAt    *time.Time `json:"start_time,omitempty"`
	EndedAt      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Snapshot 是智能体对外序列化的只读视图。
type Snapshot struct {
	ID        string    `json:"id"`
	Config    Config    `json:"config"`
	State     State     `json:"state"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent 是项目中的一个智能体定义及其运行状态。
// 运行状态只由当前执行单元写入，其它调用方通过 State 读取一致快照。
type Agent struct {
	id        string
	createdAt time.Time

	mu        sync.RWMutex
	config    Config
	code      string
	state     State
	updatedAt time.Time
}

// New 创建一个处于 idle 状态的智能体。
func New(cfg Config, code string) *Agent {
	now := time.Now()
	return &Agent{
		id:        uuid.NewString(),
		createdAt: now,
		config:    cloneConfig(cfg),
		code:      code,
		state:     State{Status: StatusIdle},
		updatedAt: now,
	}
}

// ID 返回智能体的唯一标识。
func (a *Agent) ID() string { return a.id }

// Name 返回配置中的名称。
func (a *Agent) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Name
}

// Config 返回配置副本。
func (a *Agent) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneConfig(a.config)
}

// Code 返回任务体源码。
func (a *Agent) Code() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.code
}

// State 返回运行状态副本。
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneState(a.state)
}

// IsRunning 判断智能体是否处于运行中。
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Status == StatusRunning
}

// Snapshot 返回完整的只读视图。
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ID:        a.id,
		Config:    cloneConfig(a.config),
		State:     cloneState(a.state),
		Code:      a.code,
		CreatedAt: a.createdAt,
		UpdatedAt: a.updatedAt,
	}
}

// Configure 替换配置，仅允许在 idle 状态下进行。
func (a *Agent) Configure(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status != StatusIdle {
		return ErrAgentBusy
	}
	a.config = cloneConfig(cfg)
	a.updatedAt = time.Now()
	return nil
}

// SetCode 替换任务体源码，仅允许在 idle 状态下进行。
func (a *Agent) SetCode(code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status != StatusIdle {
		return ErrAgentBusy
	}
	a.code = code
	a.updatedAt = time.Now()
	return nil
}

// Start 将智能体标记为运行中，并清空上一次运行留下的字段。
func (a *Agent) Start(task string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start(task, at)
}

// Begin 以配置名称作为当前任务启动运行，并返回本次运行所依据的配置副本。
func (a *Agent) Begin(at time.Time) (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.start(a.config.Name, at); err != nil {
		return Config{}, err
	}
	return cloneConfig(a.config), nil
}

func (a *Agent) start(task string, at time.Time) error {
	if a.state.Status == StatusRunning {
		return ErrAlreadyRunning
	}
	started := at
	a.state = State{
		Status:      StatusRunning,
		CurrentTask: task,
		StartedAt:   &started,
	}
	a.updatedAt = at
	return nil
}

// Advance 记录已完成的迭代次数，计数只增不减。
func (a *Agent) Advance(iteration int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status != StatusRunning || iteration <= a.state.Iteration {
		return
	}
	a.state.Iteration = iteration
	a.updatedAt = time.Now()
}

// Finish 将运行中的智能体迁移到终态。
func (a *Agent) Finish(status Status, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return xerrors.New(CodeInvalidState, "finish requires a terminal status: "+string(status))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status != StatusRunning {
		return ErrInvalidState
	}
	ended := at
	a.state.Status = status
	a.state.ErrorMessage = errMsg
	a.state.EndedAt = &ended
	a.updatedAt = at
	return nil
}

// Reset 将非运行状态的智能体恢复为 idle。
func (a *Agent) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status == StatusRunning {
		return ErrAgentBusy
	}
	a.state = State{Status: StatusIdle}
	a.updatedAt = time.Now()
	return nil
}

func cloneConfig(cfg Config) Config {
	if cfg.Parameters != nil {
		params := make(map[string]any, len(cfg.Parameters))
		for k, v := range cfg.Parameters {
			params[k] = v
		}
		cfg.Parameters = params
	}
	if cfg.Capabilities != nil {
		cfg.Capabilities = append([]string(nil), cfg.Capabilities...)
	}
	return cfg
}

func cloneState(s State) State {
	if s.StartedAt != nil {
		started := *s.StartedAt
		s.StartedAt = &started
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		s.EndedAt = &ended
	}
	return s
}
