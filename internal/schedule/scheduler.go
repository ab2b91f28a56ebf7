package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"agent-ide/internal/agent"
	"agent-ide/internal/dispatch"
	"agent-ide/pkg/logger"
)

// Lister 返回当前项目中的全部智能体，通常由 project.Project 实现。
type Lister interface {
	List() []*agent.Agent
}

// Submitter 投递一次运行请求，通常由 dispatch.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, idOrName string) (dispatch.Request, error)
}

// Scheduler 按智能体配置中的 cron 表达式周期性投递运行请求。
// 定义变化后下一次检查即按新的表达式计算。
type Scheduler struct {
	lister    Lister
	submitter Submitter
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	next map[string]entry
}

type entry struct {
	expr string
	at   time.Time
}

// Option 定义调度器的可选配置。
type Option func(*Scheduler)

// WithInterval 设置检查到期任务的间隔。
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New 构造调度器。
func New(lister Lister, submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		lister:    lister,
		submitter: submitter,
		interval:  time.Second,
		now:       time.Now,
		next:      make(map[string]entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("schedule")
	}
	return s
}

// Run 每个间隔检查一次到期的智能体并投递运行请求，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, ag := range s.Due(s.now()) {
				req, err := s.submitter.Submit(ctx, ag.ID())
				if err != nil {
					s.logger.Error("定时运行投递失败",
						slog.String("agent_id", ag.ID()),
						slog.String("agent_name", ag.Name()),
						slog.Any("error", err),
					)
					continue
				}
				s.logger.Info("定时运行已投递",
					slog.String("request_id", req.ID),
					slog.String("agent_name", ag.Name()),
				)
			}
		}
	}
}

// Due 返回在 now 之前到期的智能体，并为它们计算下一次触发时间。
// 第一次见到某个表达式时只计算触发时间，不立即触发。
func (s *Scheduler) Due(now time.Time) []*agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var due []*agent.Agent
	for _, ag := range s.lister.List() {
		expr := ag.Config().Schedule
		if expr == "" {
			continue
		}
		id := ag.ID()
		seen[id] = struct{}{}

		cur, ok := s.next[id]
		if ok && cur.expr == expr && now.Before(cur.at) {
			continue
		}
		if ok && cur.expr == expr {
			due = append(due, ag)
		}
		at, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			s.logger.Error("计算下一次触发时间失败",
				slog.String("agent_name", ag.Name()),
				slog.String("schedule", expr),
				slog.Any("error", err),
			)
			delete(s.next, id)
			continue
		}
		s.next[id] = entry{expr: expr, at: at}
	}
	for id := range s.next {
		if _, ok := seen[id]; !ok {
			delete(s.next, id)
		}
	}
	return due
}

// Next 返回智能体下一次触发时间。
func (s *Scheduler) Next(agentID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.next[agentID]
	return e.at, ok
}
