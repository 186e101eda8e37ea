package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Housekeeper 是所有连接池共享的后台维护协程。
// 有连接池需要补充时依次执行各连接池的 Prototyper；空闲时阻塞，直到被唤醒或定时器触发。
type Housekeeper struct {
	pools    func() []*ConnectionPool
	interval time.Duration
	logger   *zap.Logger

	wake         chan struct{}
	keepSweeping atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	sweeps   atomic.Int64
}

func newHousekeeper(pools func() []*ConnectionPool, interval time.Duration, logger *zap.Logger) *Housekeeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Housekeeper{
		pools:    pools,
		interval: interval,
		logger:   logger.Named("housekeeper"),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (h *Housekeeper) start() {
	go h.run()
}

// Trigger 请求一次补充并唤醒后台协程，不会阻塞
func (h *Housekeeper) Trigger() {
	h.keepSweeping.Store(true)
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Sweeps 返回已执行的补充轮数
func (h *Housekeeper) Sweeps() int64 {
	return h.sweeps.Load()
}

// Stop 停止后台协程并等待其退出
func (h *Housekeeper) Stop(ctx context.Context) error {
	h.stopOnce.Do(h.cancel)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Housekeeper) run() {
	defer close(h.done)

	var tick <-chan time.Time
	if h.interval > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		for h.keepSweeping.Swap(false) {
			if h.ctx.Err() != nil {
				return
			}
			h.sweepAll()
		}

		select {
		case <-h.ctx.Done():
			return
		case <-h.wake:
		case now := <-tick:
			h.housekeep(now)
		}
	}
}

// sweepAll 对每个需要补充的连接池执行一次补充，单个连接池出错不影响其它连接池
func (h *Housekeeper) sweepAll() {
	h.sweeps.Add(1)
	for _, p := range h.pools() {
		if h.ctx.Err() != nil {
			return
		}
		built, err := p.sweepIfNeeded(h.ctx)
		if err != nil {
			h.logger.Error("sweep failed", zap.String("alias", p.alias), zap.Error(err))
			continue
		}
		if built {
			s := p.Snapshot()
			h.logger.Debug("sweep built connections",
				zap.String("alias", p.alias),
				zap.Int("total", s.Total),
				zap.Int("available", s.Available))
		}
	}
}

// housekeep 在定时器触发时下线超龄的空闲连接，并标记需要补充的连接池
func (h *Housekeeper) housekeep(now time.Time) {
	for _, p := range h.pools() {
		if !p.IsUp() {
			continue
		}
		if n := p.expireAged(now); n > 0 {
			h.logger.Debug("expired aged connections", zap.String("alias", p.alias), zap.Int("count", n))
		}
		if p.needsSweep() {
			p.prototyper.triggerSweep()
		}
		if p.prototyper.SweepNeeded() {
			h.keepSweeping.Store(true)
		}
	}
}
