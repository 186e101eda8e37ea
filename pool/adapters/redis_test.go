package adapters

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisProvider_Options(t *testing.T) {
	provider := NewRedisProvider(&RedisConfig{Password: "default", DialTimeout: time.Second})

	opts, err := provider.redisOptions("cache:6379", map[string]string{
		"db":           "3",
		"username":     "app",
		"read_timeout": "250ms",
	})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "app", opts.Username)
	assert.Equal(t, "default", opts.Password)
	assert.Equal(t, time.Second, opts.DialTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ReadTimeout)
	assert.Equal(t, 1, opts.PoolSize)

	_, err = provider.redisOptions("cache:6379", map[string]string{"db": "one"})
	assert.Error(t, err)

	_, err = provider.redisOptions("cache:6379", map[string]string{"dial_timeout": "x"})
	assert.Error(t, err)
}

func TestRedisProvider_OpenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := NewRedisProvider(nil).Open(ctx, addr, nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
}

func TestRedisFatalRules(t *testing.T) {
	rules := RedisFatalRules()
	matches := func(err error) bool {
		for _, r := range rules {
			if r.Match(err) {
				return true
			}
		}
		return false
	}
	assert.True(t, matches(redis.ErrClosed))
	assert.True(t, matches(errors.New("read tcp 10.0.0.1:6379: connection reset by peer")))
	assert.False(t, matches(redis.Nil))
}
