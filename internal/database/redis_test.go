package database

import (
	"context"
	"testing"
	"time"

	"notify-service/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisConnection(t *testing.T) {
	t.Run("Connects", func(t *testing.T) {
		mr := miniredis.RunT(t)

		client, err := NewRedisConnection(config.RedisConfig{
			URI:         "redis://" + mr.Addr() + "/0",
			DialTimeout: time.Second,
			PoolSize:    2,
		}, nil)
		require.NoError(t, err)
		defer client.Close()

		assert.NoError(t, client.Ping(context.Background()))
		assert.NotNil(t, client.GetClient())
	})

	t.Run("InvalidURL", func(t *testing.T) {
		_, err := NewRedisConnection(config.RedisConfig{URI: "not-a-url"}, nil)
		assert.Error(t, err)
	})

	t.Run("Unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisConnection(config.RedisConfig{
			URI:         "redis://" + addr,
			DialTimeout: 200 * time.Millisecond,
		}, nil)
		assert.Error(t, err)
	})
}
