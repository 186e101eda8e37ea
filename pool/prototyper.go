package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fyerfyer/connkeeper/pool/connlimit"
	"go.uber.org/zap"
)

// Prototyper 为一个连接池建立新连接，使连接池达到最少连接数和空闲目标
type Prototyper struct {
	pool *ConnectionPool

	sweepNeeded atomic.Bool
	cancelled   atomic.Bool

	// ctx 在 cancel 时取消，用于中断正在进行的建连
	ctx        context.Context
	cancelFunc context.CancelFunc
}

func newPrototyper(p *ConnectionPool) *Prototyper {
	ctx, cancel := context.WithCancel(context.Background())
	pt := &Prototyper{
		pool:       p,
		ctx:        ctx,
		cancelFunc: cancel,
	}
	pt.sweepNeeded.Store(true)
	return pt
}

func (pt *Prototyper) triggerSweep() {
	pt.sweepNeeded.Store(true)
}

// SweepNeeded 返回连接池是否等待补充连接
func (pt *Prototyper) SweepNeeded() bool {
	return pt.sweepNeeded.Load()
}

// cancel 终止正在进行的补充，在两次建连之间检查
func (pt *Prototyper) cancel() {
	pt.cancelled.Store(true)
	pt.cancelFunc()
}

// sweep 不断建立空闲连接，直到满足最少连接数和空闲目标、达到上限或出错。
// 出错时记录日志并停止，由下一次维护重试。返回是否建立了连接。
func (pt *Prototyper) sweep(ctx context.Context) (bool, error) {
	p := pt.pool
	built := false
	for !pt.cancelled.Load() && p.up.Load() {
		if err := ctx.Err(); err != nil {
			return built, err
		}

		p.mu.RLock()
		total := p.count
		minimum, maximum, spare := p.def.MinimumSize, p.def.MaximumSize, p.def.SpareTarget
		p.mu.RUnlock()
		available, _, _ := p.counters.load()

		var reason string
		switch {
		case total >= maximum:
			return built, nil
		case total < minimum:
			reason = fmt.Sprintf("to achieve minimum of %d", minimum)
		case available < spare:
			reason = fmt.Sprintf("to keep %d available", spare)
		default:
			return built, nil
		}

		if _, err := pt.buildConnection(ctx, StatusAvailable, reason); err != nil {
			if errors.Is(err, ErrCapacityExceeded) {
				return built, nil
			}
			p.logger.Error("prototyping failed", zap.String("reason", reason), zap.Error(err))
			return built, err
		}
		built = true
	}
	return built, nil
}

// buildConnection 建立一个初始状态为 status 的连接。
// 容量检查、节流检查和预留在同一把锁内完成，物理建连在锁外进行，失败时撤销预留。
func (pt *Prototyper) buildConnection(ctx context.Context, status Status, reason string) (*Wrapper, error) {
	p := pt.pool

	p.mu.Lock()
	if !p.up.Load() || pt.cancelled.Load() {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPoolDown, p.alias)
	}
	if p.count >= p.def.MaximumSize {
		count, maximum := p.count, p.def.MaximumSize
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: connection count is %d, maximum is %d", ErrCapacityExceeded, count, maximum)
	}
	if building := int(p.beingBuilt.Load()); building >= p.def.SimultaneousBuildThrottle {
		throttle := p.def.SimultaneousBuildThrottle
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: already building %d connections, throttle is %d", ErrBuildThrottled, building, throttle)
	}
	if p.limiter != nil && !p.limiter.Allow() {
		delay := connlimit.DelayOf(p.limiter)
		p.mu.Unlock()
		if delay > 0 {
			return nil, fmt.Errorf("%w: %w, retry in %v", ErrBuildThrottled, connlimit.ErrLimitExceeded, delay)
		}
		return nil, fmt.Errorf("%w: %w", ErrBuildThrottled, connlimit.ErrLimitExceeded)
	}
	p.count++
	p.beingBuilt.Add(1)
	p.nextID++
	id := p.nextID
	target, params := p.def.Target, p.def.Params
	p.mu.Unlock()

	conn, err := pt.open(ctx, target, params)
	if err != nil {
		p.mu.Lock()
		p.count--
		p.beingBuilt.Add(-1)
		p.mu.Unlock()
		p.buildFailures.Add(1)
		return nil, &BuildError{Alias: p.alias, Err: err}
	}

	// 观察者在连接加入成员集合之前收到通知，此时它还不能被其他调用方借出
	w := newWrapper(id, p, conn, status)
	p.observers.Notify("birth", func(o ConnectionObserver) error {
		return o.OnBirth(w)
	})

	p.mu.Lock()
	p.members = append(p.members, w)
	p.counters.add(status)
	p.beingBuilt.Add(-1)
	p.mu.Unlock()

	p.logger.Debug("connection created",
		zap.Int64("conn", id),
		zap.String("reason", reason),
		zap.String("status", status.String()))
	return w, nil
}

// open 调用 Provider，并在连接池取消时中断建连
func (pt *Prototyper) open(ctx context.Context, target string, params map[string]string) (conn Connection, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(pt.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			conn, err = nil, fmt.Errorf("provider panicked: %v", r)
		}
	}()

	conn, err = pt.pool.provider.Open(ctx, target, params)
	if err == nil && conn == nil {
		err = errors.New("provider returned no connection")
	}
	return conn, err
}
