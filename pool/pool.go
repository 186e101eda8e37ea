package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyerfyer/connkeeper/pool/connlimit"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// shutdownPollInterval 是关闭时检查借出连接是否归还的间隔
const shutdownPollInterval = 50 * time.Millisecond

// ConnectionPool 管理一个别名下的全部连接
type ConnectionPool struct {
	alias      string
	instanceID string
	provider   Provider
	logger     *zap.Logger
	createdAt  time.Time

	// upLock 保护上线/下线状态：借出和维护持有读锁，关闭持有写锁
	upLock sync.RWMutex
	up     atomic.Bool

	// mu 保护成员集合、连接总数和编号
	mu      sync.RWMutex
	def     Definition
	limiter connlimit.Limiter
	members []*Wrapper
	count   int
	nextID  int64

	beingBuilt atomic.Int32
	counters   counters
	cursor     atomic.Uint64

	served        atomic.Int64
	refused       atomic.Int64
	buildFailures atomic.Int64
	fatalErrors   atomic.Int64
	expiredCount  atomic.Int64

	prototyper *Prototyper
	observers  *Listeners[ConnectionObserver]

	// wake 唤醒后台维护，onShutdown 在关闭完成后回调注册表
	wake       func()
	onShutdown func(*ConnectionPool)
	shutdownMu sync.Mutex
}

// newConnectionPool 根据已校验的定义创建连接池，连接池创建后即处于上线状态
func newConnectionPool(def Definition, provider Provider) *ConnectionPool {
	if def.Logger == nil {
		def.Logger = zap.NewNop()
	}
	p := &ConnectionPool{
		alias:      def.Alias,
		instanceID: uuid.NewString(),
		provider:   provider,
		createdAt:  time.Now(),
		def:        def,
		limiter:    newBuildLimiter(def),
	}
	p.logger = def.Logger.Named("pool").With(
		zap.String("alias", def.Alias),
		zap.String("instance", p.instanceID))
	p.observers = NewListeners[ConnectionObserver](p.logger)
	for _, o := range def.ConnectionObservers {
		p.observers.Add(o)
	}
	p.prototyper = newPrototyper(p)
	p.up.Store(true)
	return p
}

func newBuildLimiter(def Definition) connlimit.Limiter {
	switch {
	case def.BuildWindow > 0:
		return connlimit.NewWindowLimiter(def.BuildWindow, def.BuildWindowMax)
	case def.BuildRate > 0:
		return connlimit.NewTokenBucketLimiter(def.BuildRate, def.BuildBurst)
	}
	return nil
}

// Alias 返回连接池别名
func (p *ConnectionPool) Alias() string {
	return p.alias
}

// InstanceID 返回本次注册生成的实例编号
func (p *ConnectionPool) InstanceID() string {
	return p.instanceID
}

// IsUp 返回连接池是否仍在服务
func (p *ConnectionPool) IsUp() bool {
	return p.up.Load()
}

// Definition 返回当前生效的定义
func (p *ConnectionPool) Definition() Definition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def.Clone()
}

// AddConnectionObserver 添加连接生命周期观察者
func (p *ConnectionPool) AddConnectionObserver(o ConnectionObserver) {
	p.observers.Add(o)
}

// RemoveConnectionObserver 移除连接生命周期观察者
func (p *ConnectionPool) RemoveConnectionObserver(o ConnectionObserver) bool {
	return p.observers.Remove(o)
}

// Acquire 借出一个连接。
// 有空闲连接时直接借出；否则在未达到上限时同步建立一个新连接；不会等待其它连接归还。
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.upLock.RLock()
	if !p.up.Load() {
		p.upLock.RUnlock()
		p.refused.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrPoolDown, p.alias)
	}
	w, err := p.acquireLocked(ctx)
	p.upLock.RUnlock()

	if err != nil {
		p.refused.Add(1)
		return nil, err
	}
	p.served.Add(1)
	if p.needsSweep() {
		p.triggerSweep()
	}
	return &PooledConn{w: w}, nil
}

// acquireLocked 要求调用方持有 upLock 读锁
func (p *ConnectionPool) acquireLocked(ctx context.Context) (*Wrapper, error) {
	for {
		w := p.claim()
		if w == nil {
			return p.prototyper.buildConnection(ctx, StatusActive, "on demand")
		}
		if reason := p.borrowVerdict(w); reason != "" {
			p.expire(w, reason)
			continue
		}
		return w, nil
	}
}

// claim 从轮转位置开始查找空闲连接，并原子地将其置为借出状态
func (p *ConnectionPool) claim() *Wrapper {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.members)
	if n == 0 {
		return nil
	}
	start := int(p.cursor.Add(1) % uint64(n))
	for i := 0; i < n; i++ {
		w := p.members[(start+i)%n]
		if w.transition(StatusAvailable, StatusActive) {
			w.touch()
			return w
		}
	}
	return nil
}

func (p *ConnectionPool) borrowVerdict(w *Wrapper) string {
	p.mu.RLock()
	lifetime, test := p.def.MaximumConnectionLifetime, p.def.TestOnBorrow
	p.mu.RUnlock()

	if w.expired(lifetime, time.Now()) {
		return "maximum connection lifetime exceeded"
	}
	if test {
		if v, ok := w.conn.(Validator); ok && !v.IsAlive() {
			return "failed test before use"
		}
	}
	return ""
}

// Release 归还借出的连接。每个句柄只有第一次归还生效，
// 连接已下线或句柄已归还时不做任何事。
func (p *ConnectionPool) Release(pc *PooledConn) error {
	if pc == nil || pc.w == nil || pc.w.pool != p {
		return ErrForeignConnection
	}
	if !pc.released.CompareAndSwap(false, true) {
		return nil
	}
	return p.release(pc.w)
}

// release 归还一个由未归还句柄持有的连接
func (p *ConnectionPool) release(w *Wrapper) error {
	err := w.closeHandles()
	if w.Status() != StatusActive {
		return err
	}

	if reason := p.releaseVerdict(w); reason != "" {
		p.expire(w, reason)
		return err
	}
	if !w.transition(StatusActive, StatusAvailable) {
		return err
	}
	w.touch()

	// 与关闭并发时，关闭可能已经清理过空闲连接
	if !p.up.Load() {
		p.expireIdle(w, "pool shut down")
	}
	return err
}

func (p *ConnectionPool) releaseVerdict(w *Wrapper) string {
	if !p.up.Load() {
		return "pool shut down"
	}
	if w.expireOnRelease.Load() {
		return "pool redefined"
	}
	p.mu.RLock()
	lifetime, test := p.def.MaximumConnectionLifetime, p.def.TestOnReturn
	p.mu.RUnlock()

	if w.expired(lifetime, time.Now()) {
		return "maximum connection lifetime exceeded"
	}
	if test {
		if v, ok := w.conn.(Validator); ok && !v.IsAlive() {
			return "failed test after use"
		}
	}
	if r, ok := w.conn.(Resetter); ok {
		if err := r.ResetState(); err != nil {
			p.logger.Warn("reset failed", zap.Int64("conn", w.id), zap.Error(err))
			return "reset failed"
		}
	}
	return ""
}

// checkFatal 对致命错误立即下线连接，非致命错误原样返回
func (p *ConnectionPool) checkFatal(w *Wrapper, err error) error {
	p.mu.RLock()
	rules := p.def.FatalRules
	wrap := p.def.FatalErrorWrapper
	p.mu.RUnlock()

	rule, ok := classify(rules, err)
	if !ok {
		return err
	}
	p.fatalErrors.Add(1)
	p.logger.Warn("fatal connection error",
		zap.Int64("conn", w.id),
		zap.String("rule", rule.Name),
		zap.Error(err))
	p.expire(w, "fatal error: "+rule.Name)

	fe := &FatalError{Alias: p.alias, ConnID: w.id, Rule: rule.Name, Err: err}
	if wrap != nil {
		if wrapped := wrap(fe); wrapped != nil {
			return wrapped
		}
	}
	return fe
}

// expire 将空闲或借出的连接下线
func (p *ConnectionPool) expire(w *Wrapper, reason string) bool {
	for {
		from := w.Status()
		if from != StatusAvailable && from != StatusActive {
			return false
		}
		if w.transition(from, StatusOffline) {
			p.retire(w, from, reason)
			return true
		}
	}
}

// expireIdle 只在连接空闲时将其下线，不打断借出中的连接
func (p *ConnectionPool) expireIdle(w *Wrapper, reason string) bool {
	if !w.transition(StatusAvailable, StatusOffline) {
		return false
	}
	p.retire(w, StatusAvailable, reason)
	return true
}

// retire 在状态已置为 OFFLINE 后关闭物理连接并把它移出成员集合
func (p *ConnectionPool) retire(w *Wrapper, from Status, reason string) {
	err := multierr.Append(w.closeHandles(), w.conn.Close())

	p.mu.Lock()
	for i, m := range p.members {
		if m == w {
			p.members = append(p.members[:i:i], p.members[i+1:]...)
			break
		}
	}
	p.count--
	p.counters.remove(StatusOffline)
	p.mu.Unlock()

	p.expiredCount.Add(1)
	if err != nil {
		p.logger.Warn("error closing connection", zap.Int64("conn", w.id), zap.Error(err))
	}
	p.logger.Debug("connection removed",
		zap.Int64("conn", w.id),
		zap.String("was", from.String()),
		zap.String("reason", reason))
	p.observers.Notify("death", func(o ConnectionObserver) error {
		return o.OnDeath(w, reason)
	})

	if p.up.Load() && p.needsSweep() {
		p.triggerSweep()
	}
}

// expireIdleWhere 下线所有满足条件的空闲连接
func (p *ConnectionPool) expireIdleWhere(reason string, match func(*Wrapper) bool) int {
	p.mu.RLock()
	candidates := make([]*Wrapper, 0, len(p.members))
	for _, w := range p.members {
		if w.Status() == StatusAvailable && match(w) {
			candidates = append(candidates, w)
		}
	}
	p.mu.RUnlock()

	n := 0
	for _, w := range candidates {
		if p.expireIdle(w, reason) {
			n++
		}
	}
	return n
}

// expireAll 强制下线所有连接
func (p *ConnectionPool) expireAll(reason string) int {
	p.mu.RLock()
	all := append([]*Wrapper(nil), p.members...)
	p.mu.RUnlock()

	n := 0
	for _, w := range all {
		if p.expire(w, reason) {
			n++
		}
	}
	return n
}

// expireAged 下线超过最长生命周期的空闲连接
func (p *ConnectionPool) expireAged(now time.Time) int {
	p.mu.RLock()
	lifetime := p.def.MaximumConnectionLifetime
	p.mu.RUnlock()
	if lifetime <= 0 {
		return 0
	}
	return p.expireIdleWhere("maximum connection lifetime exceeded", func(w *Wrapper) bool {
		return w.expired(lifetime, now)
	})
}

// Redefine 在现有定义上应用选项并原子地替换定义
func (p *ConnectionPool) Redefine(opts ...Option) error {
	def := p.Definition()
	for _, opt := range opts {
		opt(&def)
	}
	def.Alias = p.alias
	if err := def.Validate(); err != nil {
		return err
	}
	return p.redefine(def)
}

// redefine 替换定义。超出新上限的空闲连接立即下线，借出中的连接在归还时下线。
func (p *ConnectionPool) redefine(def Definition) error {
	if !p.up.Load() {
		return fmt.Errorf("%w: %s", ErrPoolDown, p.alias)
	}

	p.mu.Lock()
	old := p.limiter
	p.def = def
	p.limiter = newBuildLimiter(def)

	excess := p.count - def.MaximumSize
	var victims []*Wrapper
	for _, w := range p.members {
		if excess <= 0 {
			break
		}
		if w.Status() == StatusAvailable {
			victims = append(victims, w)
			excess--
		}
	}
	for _, w := range p.members {
		if excess <= 0 {
			break
		}
		if w.Status() == StatusActive && !w.expireOnRelease.Load() {
			w.expireOnRelease.Store(true)
			excess--
		}
	}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	for _, w := range victims {
		if !p.expireIdle(w, "pool redefined") {
			w.expireOnRelease.Store(true)
		}
	}

	p.logger.Info("pool redefined",
		zap.Int("minimum", def.MinimumSize),
		zap.Int("maximum", def.MaximumSize),
		zap.Int("spare", def.SpareTarget),
		zap.Int("throttle", def.SimultaneousBuildThrottle))
	p.triggerSweep()
	return nil
}

// Shutdown 下线连接池：拒绝新的借出，关闭空闲连接，等待借出连接归还后关闭剩余连接。
// 等待时间受 ctx 和 ShutdownGrace 限制，超时后强制关闭。
func (p *ConnectionPool) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.prototyper.cancel()
	p.upLock.Lock()
	if !p.up.Load() {
		p.upLock.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolDown, p.alias)
	}
	p.up.Store(false)
	p.upLock.Unlock()

	p.logger.Info("shutting down pool")
	p.expireIdleWhere("pool shut down", func(*Wrapper) bool { return true })

	grace := p.Definition().ShutdownGrace
	var graceC <-chan time.Time
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		graceC = timer.C
	}
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	var err error
wait:
	for {
		if _, active, _ := p.counters.load(); active == 0 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-graceC:
			break wait
		case <-ticker.C:
		}
	}

	if n := p.expireAll("pool shut down"); n > 0 {
		p.logger.Warn("forcibly closed connections", zap.Int("count", n))
	}

	p.mu.Lock()
	if p.limiter != nil {
		err = multierr.Append(err, p.limiter.Close())
		p.limiter = nil
	}
	p.mu.Unlock()

	if p.onShutdown != nil {
		p.onShutdown(p)
	}
	p.logger.Info("pool shut down")
	return err
}

func (p *ConnectionPool) needsSweep() bool {
	p.mu.RLock()
	total := p.count
	minimum, spare := p.def.MinimumSize, p.def.SpareTarget
	p.mu.RUnlock()

	available, _, _ := p.counters.load()
	return total < minimum || available < spare
}

// triggerSweep 标记需要补充连接并唤醒后台维护
func (p *ConnectionPool) triggerSweep() {
	p.prototyper.triggerSweep()
	if p.wake != nil {
		p.wake()
	}
}

// sweepIfNeeded 由后台维护调用，持有 upLock 读锁执行一次补充
func (p *ConnectionPool) sweepIfNeeded(ctx context.Context) (bool, error) {
	p.upLock.RLock()
	defer p.upLock.RUnlock()

	if !p.up.Load() || !p.prototyper.sweepNeeded.Swap(false) {
		return false, nil
	}
	built, err := p.prototyper.sweep(ctx)
	if err != nil {
		p.prototyper.sweepNeeded.Store(true)
	}
	return built, err
}

// Snapshot 返回当前统计信息
func (p *ConnectionPool) Snapshot() Snapshot {
	p.mu.RLock()
	total := p.count
	def := p.def
	p.mu.RUnlock()

	available, active, offline := p.counters.load()
	return Snapshot{
		Alias:         p.alias,
		InstanceID:    p.instanceID,
		Up:            p.up.Load(),
		Total:         total,
		Active:        active,
		Available:     available,
		Offline:       offline,
		BeingBuilt:    int(p.beingBuilt.Load()),
		MinimumSize:   def.MinimumSize,
		MaximumSize:   def.MaximumSize,
		SpareTarget:   def.SpareTarget,
		Served:        p.served.Load(),
		Refused:       p.refused.Load(),
		BuildFailures: p.buildFailures.Load(),
		FatalErrors:   p.fatalErrors.Load(),
		Expired:       p.expiredCount.Load(),
		CreatedAt:     p.createdAt,
		TakenAt:       time.Now(),
	}
}

// Connections 返回当前成员的副本
func (p *ConnectionPool) Connections() []*Wrapper {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Wrapper(nil), p.members...)
}
