package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the submission queue consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops event submissions that the web application pushes onto
// a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a consumer for a list-based submission queue.
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

// NewConsumerWithClient reuses an existing client.
func NewConsumerWithClient(client *redis.Client, key string, blockTimeout time.Duration) (*Consumer, error) {
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	return &Consumer{client: client, key: key, blockTimeout: blockTimeout}, nil
}

// Pop pops one submission, or returns nil when the block timeout passes
// with an empty queue.
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

// Backlog reports how many submissions are waiting.
func (c *Consumer) Backlog(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, c.key).Result()
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
