package outbox

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport appends each message to a Redis stream named after its
// topic. The entry id returned by XADD is the acknowledgment.
type RedisTransport struct {
	client *redis.Client
	maxLen int64
}

// NewRedisTransport connects to addr. maxLen caps each stream approximately;
// zero leaves streams unbounded.
func NewRedisTransport(addr, password string, db int, maxLen int64) *RedisTransport {
	return &RedisTransport{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		maxLen: maxLen,
	}
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(client *redis.Client, maxLen int64) *RedisTransport {
	return &RedisTransport{client: client, maxLen: maxLen}
}

func (t *RedisTransport) Publish(ctx context.Context, msg Message) error {
	args := &redis.XAddArgs{
		Stream: msg.Topic,
		Values: map[string]interface{}{
			"event_id":   msg.EventID,
			"global_seq": msg.GlobalSeq,
			"hash":       msg.Hash,
			"body":       string(msg.Body),
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", msg.Topic, err)
	}
	if id == "" {
		return fmt.Errorf("xadd %s: empty entry id", msg.Topic)
	}
	return nil
}

// Ping checks connectivity.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
