package project

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
)

// SyncReport 记录一次定义同步对各智能体的处理结果，均为智能体名称。
type SyncReport struct {
	Added   []string
	Updated []string
	Removed []string
	Skipped []string
}

// Changed 判断同步是否修改了项目。
func (r SyncReport) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// Sync 让项目与给定定义保持一致：新增缺失的智能体，更新配置或代码有变化的智能体，
// 删除不再出现的智能体。运行中的智能体保持原样并记入 Skipped。
// 任一定义不合法时不做任何修改。
func (p *Project) Sync(defs []Definition) (SyncReport, error) {
	wanted := make(map[string]Definition, len(defs))
	for i, def := range defs {
		cfg, err := Normalize(def.Config, def.Code)
		if err != nil {
			return SyncReport{}, fmt.Errorf("agents[%d]: %w", i, err)
		}
		if _, dup := wanted[cfg.Name]; dup {
			return SyncReport{}, fmt.Errorf("agents[%d]: %w", i, xerrors.New(CodeConflict, "agent name already in use",
				xerrors.WithMetadata("agent_name", cfg.Name)))
		}
		def.Config = cfg
		wanted[cfg.Name] = def
	}

	var report SyncReport
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, id := range p.byName {
		if _, keep := wanted[name]; keep {
			continue
		}
		ag := p.agents[id]
		if p.running(ag) {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		delete(p.agents, id)
		delete(p.byName, name)
		report.Removed = append(report.Removed, name)
	}

	for name, def := range wanted {
		id, exists := p.byName[name]
		if !exists {
			ag := agent.New(def.Config, def.Code)
			p.agents[ag.ID()] = ag
			p.byName[name] = ag.ID()
			report.Added = append(report.Added, name)
			continue
		}
		ag := p.agents[id]
		if reflect.DeepEqual(ag.Config(), def.Config) && ag.Code() == def.Code {
			continue
		}
		if p.running(ag) {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		if err := replace(ag, def); err != nil {
			if errors.Is(err, agent.ErrAgentBusy) {
				report.Skipped = append(report.Skipped, name)
				continue
			}
			return report, err
		}
		report.Updated = append(report.Updated, name)
	}

	for _, list := range [][]string{report.Added, report.Updated, report.Removed, report.Skipped} {
		sort.Strings(list)
	}
	return report, nil
}

// replace 先把已结束的运行状态归位为 idle，再替换配置和代码。
func replace(ag *agent.Agent, def Definition) error {
	if err := ag.Reset(); err != nil {
		return err
	}
	if err := ag.Configure(def.Config); err != nil {
		return err
	}
	return ag.SetCode(def.Code)
}
