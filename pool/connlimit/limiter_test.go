package connlimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)
	defer l.Close()

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "burst should be exhausted")
	assert.Greater(t, l.Delay(), time.Duration(0))
}

func TestTokenBucketLimiterMinimumBurst(t *testing.T) {
	l := NewTokenBucketLimiter(1, 0)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestWindowLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewWindowLimiter(time.Second, 2)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow())
	require.True(t, l.Allow())
	assert.False(t, l.Allow())

	assert.Equal(t, time.Second, l.Delay())
	assert.Equal(t, time.Second, DelayOf(l))

	// 窗口滑过后恢复
	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, time.Duration(0), l.Delay())
	assert.True(t, l.Allow())

	require.NoError(t, l.Close())
}
