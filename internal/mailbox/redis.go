package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "PairAgent-Chain/internal/errors"
)

// RedisConfig 描述 Redis 邮箱的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Capacity int
}

// RedisMailbox 使用 Redis list 保存消息：LPUSH 入队，RPOP 出队。
type RedisMailbox struct {
	client   *redis.Client
	name     string
	key      string
	capacity int
}

// NewRedisClient 连接 Redis 并执行一次 PING。
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

// RedisFactory 返回基于共享连接的邮箱工厂；连接由调用方关闭。
func RedisFactory(client *redis.Client, cfg RedisConfig) Factory {
	return func(name string) (Mailbox, error) {
		return NewRedisMailbox(client, name, cfg), nil
	}
}

// NewRedisMailbox 在现有连接上创建邮箱。
func NewRedisMailbox(client *redis.Client, name string, cfg RedisConfig) *RedisMailbox {
	return &RedisMailbox{
		client:   client,
		name:     name,
		key:      redisKey(cfg.Prefix, name),
		capacity: cfg.Capacity,
	}
}

func redisKey(prefix, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pairagent:mailbox"
	}
	return fmt.Sprintf("%s:%s", prefix, name)
}

// Name 返回邮箱名称。
func (q *RedisMailbox) Name() string { return q.name }

// cappedPush 在一次脚本调用内完成长度检查与 LPUSH；Redis 串行执行脚本，
// 并发生产者不会越过容量。返回 -1 表示已满，否则为新长度。
var cappedPush = redis.NewScript(`
local limit = tonumber(ARGV[2])
if limit > 0 and redis.call('LLEN', KEYS[1]) >= limit then
  return -1
end
return redis.call('LPUSH', KEYS[1], ARGV[1])
`)

// Enqueue 将消息写入 Redis list 头部。
func (q *RedisMailbox) Enqueue(ctx context.Context, msg Message) error {
	payload, err := encode(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "消息无法编码")
	}
	if q.capacity <= 0 {
		err = q.client.LPush(ctx, q.key, payload).Err()
	} else {
		err = pushWithin(ctx, q.client, q.key, payload, q.capacity)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMailboxFull):
		return err
	case errors.Is(err, redis.ErrClosed):
		return ErrMailboxClosed
	default:
		return xerrors.Wrap(xerrors.CodeMailboxFailure, err, "Redis 入队失败")
	}
}

func pushWithin(ctx context.Context, rdb redis.Scripter, key string, payload []byte, capacity int) error {
	size, err := cappedPush.Run(ctx, rdb, []string{key}, payload, capacity).Int64()
	if err != nil {
		return err
	}
	if size < 0 {
		return ErrMailboxFull
	}
	return nil
}

// Dequeue 从 list 尾部取出最早入队的消息，RPOP 在服务端是原子的。
func (q *RedisMailbox) Dequeue(ctx context.Context) (Message, bool, error) {
	payload, err := q.client.RPop(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Message{}, false, nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return Message{}, false, ErrMailboxClosed
		}
		return Message{}, false, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "Redis 出队失败")
	}
	msg, err := decode(payload)
	if err != nil {
		// 无法解析的消息已被移除，不再重投。
		return Message{}, false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "丢弃无法解析的消息")
	}
	return msg, true, nil
}

// Len 返回 list 长度。
func (q *RedisMailbox) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "读取 Redis 邮箱长度失败")
	}
	return int(n), nil
}

// Close 是空操作，共享连接由创建它的一方关闭。
func (q *RedisMailbox) Close() error { return nil }
