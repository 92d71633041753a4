package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// blockTimeout bounds each BLPOP so cancellation is observed promptly.
const blockTimeout = time.Second

// RedisSource pops inbound requests from a Redis list.
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource reads requests pushed to the list key.
func NewRedisSource(client *redis.Client, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

// Run pops messages until ctx is cancelled and sends each decoded message to
// out. Undecodable entries are logged and skipped. Run returns nil on
// cancellation and the Redis error otherwise.
func (s *RedisSource) Run(ctx context.Context, out chan<- Message) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.client.BLPop(ctx, blockTimeout, s.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("queue: blpop %s: %w", s.key, err)
		}

		// res is [key, value].
		msg, err := DecodeMessage([]byte(res[1]))
		if err != nil {
			slog.Warn("queue: skipping malformed request", "list", s.key, "err", err)
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// Push appends m to the list. Used by producers and tests.
func (s *RedisSource) Push(ctx context.Context, m Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key, data).Err()
}

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher returns a Publisher for channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: encode event %s: %w", ev.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("queue: publish %s: %w", p.channel, err)
	}
	return nil
}
