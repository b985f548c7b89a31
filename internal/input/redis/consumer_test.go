package redis

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerRequiresKey(t *testing.T) {
	_, err := NewConsumer(Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestPopSurfacesConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c, err := NewConsumerWithClient(client, "sentinel:submissions", 0)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 5*time.Second, c.blockTimeout)
	_, err = c.Pop(context.Background())
	assert.Error(t, err)
}
