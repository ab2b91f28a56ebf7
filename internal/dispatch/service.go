package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "agent-ide/internal/errors"
	"agent-ide/pkg/logger"
)

// Service 负责把运行请求投递到队列。
type Service struct {
	resolver Resolver
	producer Producer
}

// NewService 构造投递服务。
func NewService(resolver Resolver, producer Producer) *Service {
	return &Service{resolver: resolver, producer: producer}
}

// Submit 解析智能体并投递一条运行请求，智能体不存在时直接返回错误。
func (s *Service) Submit(ctx context.Context, idOrName string) (Request, error) {
	idOrName = strings.TrimSpace(idOrName)
	if idOrName == "" {
		return Request{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}
	if s.resolver == nil || s.producer == nil {
		return Request{}, xerrors.New(xerrors.CodeInitializationFailure, "投递服务未初始化")
	}
	ag, err := s.resolver.Get(idOrName)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		ID:          uuid.NewString(),
		AgentID:     ag.ID(),
		AgentName:   ag.Name(),
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, req); err != nil {
		logger.L().Error("运行请求入队失败", slog.Any("error", err), slog.String("agent_id", ag.ID()))
		if _, ok := xerrors.From(err); ok {
			return Request{}, err
		}
		return Request{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布运行请求失败")
	}
	logger.Audit().Info("运行请求入队成功",
		slog.String("request_id", req.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("agent_name", req.AgentName),
	)
	return req, nil
}

// Close 释放队列资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
