package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Request 是一次运行请求，队列中传递的就是它的编码。
type Request struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Handler 处理从队列取出的运行请求。
type Handler func(ctx context.Context, req Request) error

// Producer 负责向队列投递运行请求。
type Producer interface {
	Publish(ctx context.Context, req Request) error
	Close() error
}

// Consumer 负责从队列中消费运行请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// decodeRequest 兼容只包含智能体 ID 的纯文本消息。
func decodeRequest(raw []byte) (Request, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Request{}, fmt.Errorf("空的运行请求")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Request{AgentID: trimmed}, nil
	}
	var req Request
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		return Request{}, fmt.Errorf("解析运行请求失败: %w", err)
	}
	if req.AgentID == "" {
		return Request{}, fmt.Errorf("运行请求缺少 agent_id")
	}
	return req, nil
}
