package project

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
)

const (
	// DefaultMaxIterations 是未配置迭代上限时的默认值。
	DefaultMaxIterations = 100
	// DefaultTimeout 是未配置超时时的默认值。
	DefaultTimeout = 300 * time.Second
	// DefaultType 是未配置类型时的默认智能体类型。
	DefaultType = "general"
)

const (
	CodeNotFound         xerrors.Code = "AGENT_NOT_FOUND"
	CodeValidationFailed xerrors.Code = "AGENT_VALIDATION_FAILED"
	CodeConflict         xerrors.Code = "AGENT_CONFLICT"
)

var (
	// ErrNotFound 表示项目中不存在指定智能体。
	ErrNotFound = xerrors.New(CodeNotFound, "agent not found")
	// ErrValidation 表示智能体定义不合法。
	ErrValidation = xerrors.New(CodeValidationFailed, "agent definition is invalid")
	// ErrConflict 表示智能体名称重复。
	ErrConflict = xerrors.New(CodeConflict, "agent name already in use")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{Message: "agent definition is invalid", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeConflict, xerrors.Attributes{Message: "agent name already in use", Severity: xerrors.SeverityInfo})
}

// LiveChecker 报告智能体是否存在存活的执行单元，通常由执行环境实现。
type LiveChecker interface {
	IsRunning(agentID string) bool
}

// Option 定义项目的可选配置。
type Option func(*Project)

// WithLiveChecker 让删除与重置操作同时参考执行环境的注册表。
func WithLiveChecker(l LiveChecker) Option {
	return func(p *Project) {
		p.live = l
	}
}

// Project 按 ID 与名称索引一组智能体。
type Project struct {
	name string
	live LiveChecker

	mu     sync.RWMutex
	agents map[string]*agent.Agent
	byName map[string]string
}

// New 创建空项目。
func New(name string, opts ...Option) *Project {
	p := &Project{
		name:   name,
		agents: make(map[string]*agent.Agent),
		byName: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name 返回项目名称。
func (p *Project) Name() string { return p.name }

// Normalize 校验智能体配置并补齐默认值。
func Normalize(cfg agent.Config, code string) (agent.Config, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return cfg, xerrors.New(CodeValidationFailed, "agent name is required")
	}
	if strings.TrimSpace(code) == "" {
		return cfg, xerrors.New(CodeValidationFailed, "agent code is required",
			xerrors.WithMetadata("agent_name", cfg.Name))
	}
	if cfg.MaxIterations < 0 {
		return cfg, xerrors.New(CodeValidationFailed, "max_iterations must be positive",
			xerrors.WithMetadata("agent_name", cfg.Name))
	}
	if cfg.Timeout < 0 {
		return cfg, xerrors.New(CodeValidationFailed, "timeout must be positive",
			xerrors.WithMetadata("agent_name", cfg.Name))
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.Type) == "" {
		cfg.Type = DefaultType
	}
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule != "" && !gronx.New().IsValid(cfg.Schedule) {
		return cfg, xerrors.New(CodeValidationFailed, "invalid cron schedule: "+cfg.Schedule,
			xerrors.WithMetadata("agent_name", cfg.Name))
	}
	return cfg, nil
}

// Add 校验定义后创建一个 idle 状态的智能体并加入项目。
func (p *Project) Add(cfg agent.Config, code string) (*agent.Agent, error) {
	cfg, err := Normalize(cfg, code)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[cfg.Name]; exists {
		return nil, xerrors.New(CodeConflict, "agent name already in use",
			xerrors.WithMetadata("agent_name", cfg.Name))
	}
	ag := agent.New(cfg, code)
	p.agents[ag.ID()] = ag
	p.byName[cfg.Name] = ag.ID()
	return ag, nil
}

// Get 按 ID 或名称查找智能体。
func (p *Project) Get(idOrName string) (*agent.Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ag, ok := p.agents[idOrName]; ok {
		return ag, nil
	}
	if id, ok := p.byName[idOrName]; ok {
		return p.agents[id], nil
	}
	return nil, xerrors.New(CodeNotFound, "agent not found", xerrors.WithMetadata("agent", idOrName))
}

// List 返回按名称排序的智能体列表。
func (p *Project) List() []*agent.Agent {
	p.mu.RLock()
	out := make([]*agent.Agent, 0, len(p.agents))
	for _, ag := range p.agents {
		out = append(out, ag)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove 删除未在运行的智能体。
func (p *Project) Remove(idOrName string) error {
	ag, err := p.Get(idOrName)
	if err != nil {
		return err
	}
	if p.running(ag) {
		return agent.ErrAgentBusy
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, ag.ID())
	if p.byName[ag.Name()] == ag.ID() {
		delete(p.byName, ag.Name())
	}
	return nil
}

// Reset 将未在运行的智能体恢复为 idle。
func (p *Project) Reset(idOrName string) error {
	ag, err := p.Get(idOrName)
	if err != nil {
		return err
	}
	if p.running(ag) {
		return agent.ErrAgentBusy
	}
	return ag.Reset()
}

// Update 替换 idle 智能体的配置，名称变更时同步索引。
func (p *Project) Update(idOrName string, cfg agent.Config) error {
	ag, err := p.Get(idOrName)
	if err != nil {
		return err
	}
	cfg, err = Normalize(cfg, ag.Code())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	oldName := ag.Name()
	if owner, exists := p.byName[cfg.Name]; exists && owner != ag.ID() {
		return xerrors.New(CodeConflict, "agent name already in use",
			xerrors.WithMetadata("agent_name", cfg.Name))
	}
	if err := ag.Configure(cfg); err != nil {
		return err
	}
	if oldName != cfg.Name {
		delete(p.byName, oldName)
		p.byName[cfg.Name] = ag.ID()
	}
	return nil
}

func (p *Project) running(ag *agent.Agent) bool {
	if ag.IsRunning() {
		return true
	}
	return p.live != nil && p.live.IsRunning(ag.ID())
}
