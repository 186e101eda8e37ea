package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapterPool(t *testing.T, alias string, provider pool.Provider, opts ...pool.Option) *pool.ConnectionPool {
	t.Helper()
	r := pool.NewRegistry(pool.WithHousekeepingInterval(time.Hour))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.ShutdownAll(ctx)
	})
	opts = append([]pool.Option{pool.WithShutdownGrace(time.Second)}, opts...)
	p, err := r.Register(alias, provider, opts...)
	require.NoError(t, err)
	return p
}

func TestBuiltin(t *testing.T) {
	builtin := Builtin()
	assert.Equal(t, []string{"grpc", "http", "redis", "sql", "tcp"}, Drivers())
	for name, a := range builtin {
		assert.NotNil(t, a.Provider, name)
		assert.NotEmpty(t, a.FatalRules, name)
	}
}
