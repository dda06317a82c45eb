package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops raw records from a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c, err := NewConsumerWithClient(client, cfg.Key, cfg.BlockTimeout)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// NewConsumerWithClient wraps an existing client.
func NewConsumerWithClient(client *redis.Client, key string, blockTimeout time.Duration) (*Consumer, error) {
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if blockTimeout == 0 {
		blockTimeout = 5 * time.Second
	}
	return &Consumer{
		client:       client,
		key:          key,
		blockTimeout: blockTimeout,
	}, nil
}

// Pop pops one message from the list. It returns nil, nil when the block timeout
// expires with nothing queued.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Push appends messages to the list, used for replays and local testing.
func (c *Consumer) Push(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	return c.client.RPush(ctx, c.key, values...).Err()
}

// Len returns the number of queued messages.
func (c *Consumer) Len(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, c.key).Result()
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
