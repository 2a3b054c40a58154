package mailbox

import (
	"context"
	"errors"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "PairAgent-Chain/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 邮箱的连接参数。
type RabbitMQConfig struct {
	URL        string
	Prefix     string
	Durable    bool
	AutoDelete bool
	Capacity   int
}

// RabbitMQConnection 持有共享的 AMQP 连接。
type RabbitMQConnection struct {
	conn *amqp.Connection
	cfg  RabbitMQConfig
}

// DialRabbitMQ 建立 AMQP 连接。
func DialRabbitMQ(cfg RabbitMQConfig) (*RabbitMQConnection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "连接 RabbitMQ 失败")
	}
	return &RabbitMQConnection{conn: conn, cfg: cfg}, nil
}

// Factory 返回在该连接上声明队列的邮箱工厂。
func (c *RabbitMQConnection) Factory() Factory {
	return func(name string) (Mailbox, error) {
		return c.Open(name)
	}
}

// Open 为指定名称声明队列并返回邮箱。
func (c *RabbitMQConnection) Open(name string) (*RabbitMQMailbox, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "创建 RabbitMQ channel 失败")
	}
	queue := amqpQueueName(c.cfg.Prefix, name)
	var args amqp.Table
	if c.cfg.Capacity > 0 {
		args = amqp.Table{"x-max-length": int32(c.cfg.Capacity), "x-overflow": "reject-publish"}
	}
	if _, err := ch.QueueDeclare(queue, c.cfg.Durable, c.cfg.AutoDelete, false, false, args); err != nil {
		_ = ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "声明 RabbitMQ 队列失败")
	}
	if c.cfg.Capacity > 0 {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "开启 RabbitMQ 发布确认失败")
		}
	}
	return &RabbitMQMailbox{ch: ch, name: name, queue: queue, confirm: c.cfg.Capacity > 0}, nil
}

// Close 关闭连接。
func (c *RabbitMQConnection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func amqpQueueName(prefix, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pairagent.mailbox"
	}
	return prefix + "." + name
}

// RabbitMQMailbox 使用一个队列保存消息，出队使用 basic.get 自动确认。
type RabbitMQMailbox struct {
	mu      sync.Mutex
	ch      *amqp.Channel
	name    string
	queue   string
	confirm bool
}

// Name 返回邮箱名称。
func (q *RabbitMQMailbox) Name() string { return q.name }

// Enqueue 发布消息到队列。
func (q *RabbitMQMailbox) Enqueue(ctx context.Context, msg Message) error {
	payload, err := encode(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "消息无法编码")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Body:         payload,
	}
	if !q.confirm {
		if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, publishing); err != nil {
			return q.wrap(err, "RabbitMQ 发布消息失败")
		}
		return nil
	}
	confirmation, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, publishing)
	if err != nil {
		return q.wrap(err, "RabbitMQ 发布消息失败")
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return q.wrap(err, "等待 RabbitMQ 确认失败")
	}
	if !acked {
		return ErrMailboxFull
	}
	return nil
}

// Dequeue 以 basic.get 取出一条消息。
func (q *RabbitMQMailbox) Dequeue(_ context.Context) (Message, bool, error) {
	q.mu.Lock()
	delivery, ok, err := q.ch.Get(q.queue, true)
	q.mu.Unlock()
	if err != nil {
		return Message{}, false, q.wrap(err, "RabbitMQ 取消息失败")
	}
	if !ok {
		return Message{}, false, nil
	}
	msg, err := decode(delivery.Body)
	if err != nil {
		return Message{}, false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "丢弃无法解析的消息")
	}
	return msg, true, nil
}

// Len 通过被动声明读取队列深度。
func (q *RabbitMQMailbox) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, err := q.ch.QueueDeclarePassive(q.queue, false, false, false, false, nil)
	if err != nil {
		return 0, q.wrap(err, "查询 RabbitMQ 队列失败")
	}
	return state.Messages, nil
}

// Close 关闭 channel，连接由 RabbitMQConnection 管理。
func (q *RabbitMQMailbox) Close() error {
	if q == nil || q.ch == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Close()
}

func (q *RabbitMQMailbox) wrap(err error, message string) error {
	if errors.Is(err, amqp.ErrClosed) {
		return ErrMailboxClosed
	}
	return xerrors.Wrap(xerrors.CodeMailboxFailure, err, message)
}
