package pool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// Wrapper 包装一个物理连接，持有它在池中的生命周期状态。
// Wrapper 由连接池持有并在多次借出之间复用；调用方拿到的是每次借出独立的 PooledConn。
type Wrapper struct {
	id        int64
	pool      *ConnectionPool
	conn      Connection
	createdAt time.Time

	// stateMu 使状态迁移与连接池计数的更新成为一步
	stateMu         sync.Mutex
	status          atomic.Int32
	lastUsed        atomic.Int64
	expireOnRelease atomic.Bool

	mu      sync.Mutex
	handles map[io.Closer]struct{}
}

func newWrapper(id int64, p *ConnectionPool, conn Connection, status Status) *Wrapper {
	now := time.Now()
	w := &Wrapper{
		id:        id,
		pool:      p,
		conn:      conn,
		createdAt: now,
	}
	w.status.Store(int32(status))
	w.lastUsed.Store(now.UnixNano())
	return w
}

// ID 返回连接在池内的编号
func (w *Wrapper) ID() int64 {
	return w.id
}

// Alias 返回所属连接池的别名
func (w *Wrapper) Alias() string {
	return w.pool.alias
}

// Status 返回连接当前状态
func (w *Wrapper) Status() Status {
	return Status(w.status.Load())
}

// CreatedAt 返回连接建立时间
func (w *Wrapper) CreatedAt() time.Time {
	return w.createdAt
}

// LastUsed 返回连接最近一次借出或归还的时间
func (w *Wrapper) LastUsed() time.Time {
	return time.Unix(0, w.lastUsed.Load())
}

// Raw 返回底层连接对象
func (w *Wrapper) Raw() interface{} {
	return w.conn.Raw()
}

// OpenHandles 返回仍在登记中的派生句柄数量
func (w *Wrapper) OpenHandles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handles)
}

// track 在 held 为真时登记 h，否则返回 false
func (w *Wrapper) track(h io.Closer, held func() bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !held() {
		return false
	}
	if w.handles == nil {
		w.handles = make(map[io.Closer]struct{})
	}
	w.handles[h] = struct{}{}
	return true
}

func (w *Wrapper) untrack(h io.Closer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.handles[h]; !ok {
		return false
	}
	delete(w.handles, h)
	return true
}

// closeHandles 关闭并清空所有派生句柄
func (w *Wrapper) closeHandles() error {
	w.mu.Lock()
	handles := w.handles
	w.handles = nil
	w.mu.Unlock()

	var err error
	for h := range handles {
		err = multierr.Append(err, h.Close())
	}
	return err
}

// transition 在状态为 from 时迁移到 to，并同步更新连接池计数
func (w *Wrapper) transition(from, to Status) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if Status(w.status.Load()) != from {
		return false
	}
	w.status.Store(int32(to))
	w.pool.counters.move(from, to)
	return true
}

func (w *Wrapper) touch() {
	w.lastUsed.Store(time.Now().UnixNano())
}

func (w *Wrapper) expired(lifetime time.Duration, now time.Time) bool {
	return lifetime > 0 && now.Sub(w.createdAt) >= lifetime
}

// PooledConn 是一次借出的连接句柄。
// Close 将连接归还给连接池而不是关闭物理连接，只有第一次 Close 生效；
// 归还之后这个句柄不再能影响连接，即使同一个 Wrapper 已被其他调用方借出。
// 通过 Do 或 Check 的错误会按致命错误规则检查。
type PooledConn struct {
	w        *Wrapper
	released atomic.Bool
}

// ID 返回连接在池内的编号
func (pc *PooledConn) ID() int64 {
	return pc.w.id
}

// Alias 返回所属连接池的别名
func (pc *PooledConn) Alias() string {
	return pc.w.pool.alias
}

// Wrapper 返回被借出的连接
func (pc *PooledConn) Wrapper() *Wrapper {
	return pc.w
}

// Released 返回该句柄是否已经归还
func (pc *PooledConn) Released() bool {
	return pc.released.Load()
}

// Status 返回连接当前状态。句柄归还后总是返回 StatusAvailable 或 StatusOffline。
func (pc *PooledConn) Status() Status {
	s := pc.w.Status()
	if s == StatusActive && pc.released.Load() {
		return StatusAvailable
	}
	return s
}

// CreatedAt 返回连接建立时间
func (pc *PooledConn) CreatedAt() time.Time {
	return pc.w.createdAt
}

// LastUsed 返回连接最近一次借出或归还的时间
func (pc *PooledConn) LastUsed() time.Time {
	return pc.w.LastUsed()
}

// Raw 返回底层连接对象
func (pc *PooledConn) Raw() interface{} {
	return pc.w.conn.Raw()
}

// Conn 返回物理连接
func (pc *PooledConn) Conn() Connection {
	return pc.w.conn
}

// Close 将连接归还给连接池，重复调用无副作用
func (pc *PooledConn) Close() error {
	return pc.w.pool.Release(pc)
}

// Do 在借出的连接上执行 fn。
// fn 返回的错误若命中致命规则，连接立即下线并返回 FatalError；其它错误原样返回。
func (pc *PooledConn) Do(ctx context.Context, fn func(ctx context.Context, conn Connection) error) error {
	if pc.Status() != StatusActive {
		return ErrConnectionNotActive
	}
	return pc.Check(fn(ctx, pc.w.conn))
}

// Check 按致命错误规则检查在该连接上观察到的错误。
// 已归还的句柄不再判定，错误原样返回。
func (pc *PooledConn) Check(err error) error {
	if err == nil || pc.released.Load() {
		return err
	}
	return pc.w.pool.checkFatal(pc.w, err)
}

// Track 登记一个由该连接派生的句柄，归还或下线时会被关闭。
// 句柄已归还或连接已下线时 h 会被立即关闭。
func (pc *PooledConn) Track(h io.Closer) {
	if !pc.w.track(h, pc.held) {
		_ = h.Close()
	}
}

// Untrack 取消登记派生句柄，返回它是否仍在登记中
func (pc *PooledConn) Untrack(h io.Closer) bool {
	if pc.released.Load() {
		return false
	}
	return pc.w.untrack(h)
}

// OpenHandles 返回仍在登记中的派生句柄数量，句柄归还后为 0
func (pc *PooledConn) OpenHandles() int {
	if pc.released.Load() {
		return 0
	}
	return pc.w.OpenHandles()
}

// held 报告句柄是否仍持有一个借出中的连接
func (pc *PooledConn) held() bool {
	return !pc.released.Load() && pc.w.Status() == StatusActive
}
