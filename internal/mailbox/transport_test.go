package mailbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripFillsDefaults(t *testing.T) {
	require := require.New(t)

	payload, err := encode(Message{Type: "random_message", Content: "crypto moon"})
	require.NoError(err)

	msg, err := decode(payload)
	require.NoError(err)
	require.NotEmpty(msg.ID)
	require.False(msg.SentAt.IsZero())
	require.Equal("crypto moon", msg.Content)

	_, err = decode([]byte("{not json"))
	require.Error(err)
}

func TestTransportNames(t *testing.T) {
	require.Equal(t, "pairagent:mailbox:a->b", redisKey("", "a->b"))
	require.Equal(t, "custom:a->b", redisKey("custom", "a->b"))
	require.Equal(t, "pairagent.mailbox.a->b", amqpQueueName(" ", "a->b"))
}

func TestRedisMailboxLive(t *testing.T) {
	addr := os.Getenv("PAIRAGENT_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAIRAGENT_REDIS_ADDR not set")
	}
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, RedisConfig{Address: addr})
	require.NoError(err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := RedisConfig{Prefix: "pairagent:test:" + NewMessage("", "").ID, Capacity: 2}
	box := NewRedisMailbox(client, "a->b", cfg)
	t.Cleanup(func() { client.Del(context.Background(), box.key) })

	require.NoError(box.Enqueue(ctx, NewMessage("random_message", "first")))
	require.NoError(box.Enqueue(ctx, NewMessage("random_message", "second")))
	require.ErrorIs(box.Enqueue(ctx, NewMessage("random_message", "third")), ErrMailboxFull)

	msg, ok, err := box.Dequeue(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal("first", msg.Content)
}

// listScripter runs the capped push against an in-process list, one call at
// a time like the Redis server does.
type listScripter struct {
	redis.Scripter
	mu    sync.Mutex
	items [][]byte
	calls atomic.Int32
}

func (f *listScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *listScripter) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *listScripter) run(keys []string, args []interface{}) *redis.Cmd {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(keys) != 1 || len(args) != 2 {
		return redis.NewCmdResult(nil, errors.New("unexpected script arguments"))
	}
	limit := args[1].(int)
	if limit > 0 && len(f.items) >= limit {
		return redis.NewCmdResult(int64(-1), nil)
	}
	f.items = append([][]byte{args[0].([]byte)}, f.items...)
	return redis.NewCmdResult(int64(len(f.items)), nil)
}

func TestCappedPushNeverExceedsCapacity(t *testing.T) {
	rdb := &listScripter{}
	ctx := context.Background()

	const producers, capacity = 20, 5
	var accepted, full atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pushWithin(ctx, rdb, "pairagent:mailbox:a->b", []byte("{}"), capacity)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrMailboxFull):
				full.Add(1)
			default:
				t.Errorf("push: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, capacity, accepted.Load())
	require.EqualValues(t, producers-capacity, full.Load())
	require.Len(t, rdb.items, capacity)
	require.EqualValues(t, producers, rdb.calls.Load(), "check and push happen in one round trip")
}

func TestRedisMailboxCapacityUnderConcurrencyLive(t *testing.T) {
	addr := os.Getenv("PAIRAGENT_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAIRAGENT_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, RedisConfig{Address: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	box := NewRedisMailbox(client, "cap", RedisConfig{Prefix: "pairagent:test:" + NewMessage("", "").ID, Capacity: 3})
	t.Cleanup(func() { client.Del(context.Background(), box.key) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = box.Enqueue(ctx, NewMessage("random_message", "x"))
		}()
	}
	wg.Wait()

	n, err := box.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestRabbitMQMailboxLive(t *testing.T) {
	url := os.Getenv("PAIRAGENT_AMQP_URL")
	if url == "" {
		t.Skip("PAIRAGENT_AMQP_URL not set")
	}
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialRabbitMQ(RabbitMQConfig{URL: url, AutoDelete: true, Prefix: "pairagent.test"})
	require.NoError(err)
	t.Cleanup(func() { _ = conn.Close() })

	box, err := conn.Open(NewMessage("", "").ID)
	require.NoError(err)
	t.Cleanup(func() { _ = box.Close() })

	require.NoError(box.Enqueue(ctx, NewMessage("random_message", "hello sky")))
	require.Eventually(func() bool {
		msg, ok, err := box.Dequeue(ctx)
		return err == nil && ok && msg.Content == "hello sky"
	}, 3*time.Second, 50*time.Millisecond)
}
