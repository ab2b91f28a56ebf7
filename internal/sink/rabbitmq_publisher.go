package sink

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/execution"
)

// RabbitMQPublisherConfig 描述结果发布的 RabbitMQ 参数。
type RabbitMQPublisherConfig struct {
	URL      string
	Exchange string
	Queue    string
	Durable  bool
}

// RabbitMQPublisher 将运行结果发布到 topic 交换机，路由键为 runs.<status>。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewRabbitMQPublisher 声明交换机，配置了 Queue 时同时声明并绑定队列。
func NewRabbitMQPublisher(cfg RabbitMQPublisherConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentide.results"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "声明 RabbitMQ 交换机失败")
	}
	if cfg.Queue != "" {
		if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "声明 RabbitMQ 队列失败")
		}
		if err := ch.QueueBind(cfg.Queue, "runs.#", exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "绑定 RabbitMQ 队列失败")
		}
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// RoutingKey 返回事件的路由键。
func RoutingKey(ev RunEvent) string {
	return "runs." + string(ev.Status)
}

// Publish 发布一条运行结果。amqp.Channel 不支持并发发布，这里串行化。
func (p *RabbitMQPublisher) Publish(ctx context.Context, ev RunEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "编码运行结果失败")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 发布器未初始化")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.FinishedAt,
		Type:         "agent.run.finished",
		Headers:      amqp.Table{"agent_id": ev.AgentID, "agent_name": ev.AgentName},
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "发布运行结果到 RabbitMQ 失败")
	}
	return nil
}

// Observer 返回发布到 RabbitMQ 的完成回调。
func (p *RabbitMQPublisher) Observer() execution.Observer {
	return observerFor("rabbitmq", p.Publish)
}

// Close 关闭 channel 与连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	p.mu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
