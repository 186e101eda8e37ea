// Package connlimit 限制物理连接的建立速率
package connlimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimitExceeded 当建连尝试超过速率限制时返回
var ErrLimitExceeded = errors.New("connection build rate limit exceeded")

// Limiter 决定是否允许一次新的建连尝试，调用方不会等待
type Limiter interface {
	// Allow 检查并消耗一次建连许可
	Allow() bool

	// Close 清理资源
	Close() error
}

// Delayer 由能估计下一次许可何时可用的限流器实现
type Delayer interface {
	Delay() time.Duration
}

// DelayOf 返回 l 估计的等待时间，l 未实现 Delayer 时返回 0
func DelayOf(l Limiter) time.Duration {
	if d, ok := l.(Delayer); ok {
		return d.Delay()
	}
	return 0
}

// TokenBucketLimiter 使用令牌桶算法限制建连速率
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter 创建令牌桶限流器
// - perSecond: 每秒补充的建连许可数
// - burst: 允许的最大突发建连数，小于 1 时按 1 处理
func NewTokenBucketLimiter(perSecond float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow 立即检查是否允许建连
func (l *TokenBucketLimiter) Allow() bool {
	return l.limiter.Allow()
}

// Delay 返回下一次许可可用前需要等待的时间，不消耗许可
func (l *TokenBucketLimiter) Delay() time.Duration {
	now := time.Now()
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Close 实现 Limiter 接口
func (l *TokenBucketLimiter) Close() error {
	return nil
}

// WindowLimiter 使用滑动窗口算法限制建连次数
type WindowLimiter struct {
	mu          sync.Mutex
	windowSize  time.Duration
	maxRequests int
	requests    []time.Time
	now         func() time.Time
}

// NewWindowLimiter 创建滑动窗口限流器，windowSize 内最多允许 maxRequests 次建连
func NewWindowLimiter(windowSize time.Duration, maxRequests int) *WindowLimiter {
	return &WindowLimiter{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		requests:    make([]time.Time, 0, maxRequests),
		now:         time.Now,
	}
}

// prune 丢弃窗口外的记录
func (l *WindowLimiter) prune(now time.Time) {
	windowStart := now.Add(-l.windowSize)
	i := 0
	for ; i < len(l.requests); i++ {
		if l.requests[i].After(windowStart) {
			break
		}
	}
	if i > 0 {
		l.requests = l.requests[i:]
	}
}

// Allow 立即检查是否允许建连
func (l *WindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.requests) >= l.maxRequests {
		return false
	}
	l.requests = append(l.requests, now)
	return true
}

// Delay 返回窗口内最早的一次建连滑出窗口前需要等待的时间
func (l *WindowLimiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.requests) < l.maxRequests || len(l.requests) == 0 {
		return 0
	}
	return l.requests[0].Add(l.windowSize).Sub(now)
}

// Close 实现 Limiter 接口
func (l *WindowLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = nil
	return nil
}
