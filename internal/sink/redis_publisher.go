package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/execution"
)

// RedisPublisherConfig 描述结果发布的 Redis 参数。
type RedisPublisherConfig struct {
	Address   string
	Password  string
	DB        int
	Channel   string
	KeyPrefix string
	TTL       time.Duration
}

// RedisPublisher 将运行结果发布到频道，并按智能体名称保存最近一次结果。
// 智能体 ID 随进程重启而变化，名称才能跨进程定位结果。
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	keyPrefix string
	ttl       time.Duration
}

// NewRedisPublisher 创建发布器并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "连接 Redis 失败")
	}
	return NewRedisPublisherWithClient(client, cfg), nil
}

// NewRedisPublisherWithClient 复用已有客户端。
func NewRedisPublisherWithClient(client *redis.Client, cfg RedisPublisherConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "agentide:results"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentide:result:"
	}
	return &RedisPublisher{client: client, channel: channel, keyPrefix: prefix, ttl: cfg.TTL}
}

// Publish 在一个 pipeline 中写入最近结果并发布事件。
func (p *RedisPublisher) Publish(ctx context.Context, ev RunEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "编码运行结果失败")
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.resultKey(ev.AgentName), payload, p.ttl)
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "发布运行结果到 Redis 失败")
	}
	return nil
}

// LastResult 读取指定名称的智能体最近一次发布的结果。
func (p *RedisPublisher) LastResult(ctx context.Context, agentName string) (RunEvent, bool, error) {
	raw, err := p.client.Get(ctx, p.resultKey(agentName)).Bytes()
	if err == redis.Nil {
		return RunEvent{}, false, nil
	}
	if err != nil {
		return RunEvent{}, false, xerrors.Wrap(xerrors.CodePublishFailure, err, "读取最近运行结果失败")
	}
	var ev RunEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return RunEvent{}, false, xerrors.Wrap(xerrors.CodePublishFailure, err, "解析最近运行结果失败")
	}
	return ev, true, nil
}

func (p *RedisPublisher) resultKey(agentName string) string {
	return p.keyPrefix + agentName
}

// Observer 返回发布到 Redis 的完成回调。
func (p *RedisPublisher) Observer() execution.Observer {
	return observerFor("redis", p.Publish)
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
