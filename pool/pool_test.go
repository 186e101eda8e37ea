package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 基本的借出和归还
func TestConnectionPool_BasicOperations(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithTarget("db:5432"), WithParams(map[string]string{"user": "app"}))
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pc.ID())
	assert.Equal(t, 1, pc.Raw())
	assert.Equal(t, StatusActive, pc.Status())
	assert.Equal(t, "test", pc.Alias())
	assert.Equal(t, "db:5432", provider.target)
	assert.Equal(t, "app", provider.params["user"])

	s := p.Snapshot()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 0, s.Available)

	require.NoError(t, pc.Close())
	assert.Equal(t, StatusAvailable, pc.Status())
	s = p.Snapshot()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, int64(1), s.Served)
}

// 归还后再次借出得到同一个连接，编号和创建时间不变
func TestConnectionPool_RoundTrip(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	id, created := first.ID(), first.CreatedAt()
	require.NoError(t, p.Release(first))

	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first.Wrapper(), second.Wrapper())
	assert.NotSame(t, first, second)
	assert.Equal(t, id, second.ID())
	assert.Equal(t, created, second.CreatedAt())
	assert.Equal(t, int32(1), provider.opens.Load())
	assert.Equal(t, 1, provider.conn(1).resets)
}

func TestConnectionPool_DoubleReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, &mockProvider{})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(pc))
	before := p.Snapshot()

	require.NoError(t, p.Release(pc))
	require.NoError(t, pc.Close())
	after := p.Snapshot()

	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, before.Available, after.Available)
	assert.Equal(t, before.Active, after.Active)
	assert.Equal(t, StatusAvailable, pc.Status())
}

// 旧句柄在连接被再次借出后重复归还，不影响当前的借出方
func TestConnectionPool_StaleReleaseAfterReborrow(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithMaximumSize(1), WithFatalRules(MessageRule("connection reset")))
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, a.Wrapper(), b.Wrapper())
	stmt := &mockHandle{}
	b.Track(stmt)

	require.NoError(t, a.Close())
	require.NoError(t, p.Release(a))
	assert.Equal(t, StatusActive, b.Status())
	assert.Equal(t, StatusAvailable, a.Status())
	assert.Zero(t, stmt.closed.Load())
	assert.Equal(t, 1, b.OpenHandles())
	assert.Equal(t, 1, p.Snapshot().Active)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// 旧句柄不能再下线连接或登记句柄
	cause := errors.New("connection reset")
	assert.Same(t, cause, a.Check(cause))
	assert.Equal(t, StatusActive, b.Status())
	late := &mockHandle{}
	a.Track(late)
	assert.Equal(t, int32(1), late.closed.Load())
	assert.Zero(t, a.OpenHandles())
	assert.False(t, a.Untrack(stmt))

	require.NoError(t, b.Close())
	assert.Equal(t, int32(1), stmt.closed.Load())
	assert.Equal(t, 1, p.Snapshot().Available)
}

func TestConnectionPool_CapacityExceeded(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithMaximumSize(2))
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.False(t, Retryable(err))
	assert.Equal(t, int64(1), p.Snapshot().Refused)

	require.NoError(t, a.Close())
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), c.ID())
	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
}

// 并发借出归还时连接数不超过上限，且同一连接不会同时借给两个调用方
func TestConnectionPool_ConcurrentCountersConsistent(t *testing.T) {
	const maximum = 5
	p := newTestPool(t, &mockProvider{}, WithMaximumSize(maximum), WithSimultaneousBuildThrottle(maximum))

	var (
		wg        sync.WaitGroup
		heldMu    sync.Mutex
		held      = make(map[int64]bool)
		violation atomic.Int32
		stop      = make(chan struct{})
	)

	// 观察者协程不断检查计数不变式
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := p.Snapshot()
			if s.Active+s.Available+s.Offline > maximum || s.Total > maximum {
				violation.Add(1)
			}
		}
	}()

	clients, iterations := 50, 20
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				pc, err := p.Acquire(context.Background())
				if err != nil {
					if !errors.Is(err, ErrCapacityExceeded) && !errors.Is(err, ErrBuildThrottled) {
						violation.Add(1)
					}
					continue
				}

				heldMu.Lock()
				if held[pc.ID()] {
					violation.Add(1)
				}
				held[pc.ID()] = true
				heldMu.Unlock()

				time.Sleep(time.Millisecond)

				heldMu.Lock()
				delete(held, pc.ID())
				heldMu.Unlock()
				if err := pc.Close(); err != nil {
					violation.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-watcherDone

	assert.Zero(t, violation.Load())
	s := p.Snapshot()
	t.Logf("Snapshot: Total=%d, Available=%d, Served=%d, Refused=%d", s.Total, s.Available, s.Served, s.Refused)
	assert.Equal(t, 0, s.Active)
	assert.LessOrEqual(t, s.Total, maximum)
	assert.Equal(t, s.Total, s.Available)
	assert.Equal(t, int64(clients*iterations), s.Served+s.Refused)
}

// 命中致命规则的错误使连接下线，连接数减一，原始错误传给调用方
func TestConnectionPool_FatalError(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithFatalRules(MessageRule("connection reset")))
	ctx := context.Background()

	keep, err := p.Acquire(ctx)
	require.NoError(t, err)
	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, p.Snapshot().Total)

	cause := errors.New("connection reset")
	err = pc.Do(ctx, func(ctx context.Context, conn Connection) error {
		return cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalConnection)
	assert.ErrorIs(t, err, cause)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, pc.ID(), fatal.ConnID)
	assert.Equal(t, "message:connection reset", fatal.Rule)

	assert.Equal(t, StatusOffline, pc.Status())
	s := p.Snapshot()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 0, s.Offline)
	assert.Equal(t, int64(1), s.FatalErrors)
	assert.True(t, provider.conn(int(pc.ID())).isClosed())

	// 之后的归还不做任何事
	require.NoError(t, pc.Close())
	assert.Equal(t, 1, p.Snapshot().Total)

	err = pc.Do(ctx, func(context.Context, Connection) error { return nil })
	assert.ErrorIs(t, err, ErrConnectionNotActive)
	require.NoError(t, keep.Close())
}

func TestConnectionPool_NonFatalErrorPassesThrough(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithFatalRules(MessageRule("connection reset")))
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)

	cause := errors.New("duplicate key")
	err = pc.Do(ctx, func(context.Context, Connection) error { return cause })
	assert.Same(t, cause, err)
	assert.Equal(t, StatusActive, pc.Status())
	assert.NoError(t, pc.Check(nil))
	require.NoError(t, pc.Close())
	assert.Equal(t, StatusAvailable, pc.Status())
}

type wrappedFatal struct {
	cause *FatalError
}

func (e *wrappedFatal) Error() string { return "wrapped: " + e.cause.Error() }
func (e *wrappedFatal) Unwrap() error { return e.cause }

func TestConnectionPool_FatalErrorWrapper(t *testing.T) {
	p := newTestPool(t, &mockProvider{},
		WithFatalRules(MessageRule("broken pipe")),
		WithFatalErrorWrapper(func(fe *FatalError) error { return &wrappedFatal{cause: fe} }))

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	err = pc.Check(errors.New("write: broken pipe"))
	var wrapped *wrappedFatal
	require.ErrorAs(t, err, &wrapped)
	assert.ErrorIs(t, err, ErrFatalConnection)
	assert.Equal(t, StatusOffline, pc.Status())
	assert.Equal(t, 0, p.Snapshot().Total)
}

type mockHandle struct {
	closed atomic.Int32
	err    error
}

func (h *mockHandle) Close() error {
	h.closed.Add(1)
	return h.err
}

func TestConnectionPool_TrackedHandles(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithFatalRules(MessageRule("gone")))
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)

	stmt1, stmt2, finished := &mockHandle{}, &mockHandle{err: errors.New("close failed")}, &mockHandle{}
	pc.Track(stmt1)
	pc.Track(stmt2)
	pc.Track(finished)
	assert.True(t, pc.Untrack(finished))
	assert.False(t, pc.Untrack(finished))
	assert.Equal(t, 2, pc.OpenHandles())

	err = pc.Close()
	require.Error(t, err)
	assert.Equal(t, int32(1), stmt1.closed.Load())
	assert.Equal(t, int32(1), stmt2.closed.Load())
	assert.Zero(t, finished.closed.Load())
	assert.Equal(t, 0, pc.OpenHandles())
	assert.Equal(t, StatusAvailable, pc.Status(), "handle close errors do not discard the connection")

	// 下线时同样关闭派生句柄
	pc, err = p.Acquire(ctx)
	require.NoError(t, err)
	var h io.Closer = &mockHandle{}
	pc.Track(h)
	_ = pc.Check(errors.New("server gone"))
	assert.Equal(t, int32(1), h.(*mockHandle).closed.Load())
}

func TestConnectionPool_MaxLifetime(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithMaximumConnectionLifetime(50*time.Millisecond))
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	// 超过生命周期的借出连接在归还时下线
	require.NoError(t, pc.Close())
	assert.Equal(t, StatusOffline, pc.Status())
	assert.True(t, provider.conn(1).isClosed())

	pc, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pc.ID())
	require.NoError(t, pc.Close())

	// 超过生命周期的空闲连接在借出时被跳过
	time.Sleep(80 * time.Millisecond)
	pc, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pc.ID())
	assert.True(t, provider.conn(2).isClosed())
	require.NoError(t, pc.Close())
}

func TestConnectionPool_TestOnBorrow(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithTestOnBorrow(true))
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pc.Close())
	provider.conn(1).setAlive(false)

	pc, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pc.ID())
	assert.True(t, provider.conn(1).isClosed())
	assert.Equal(t, 1, p.Snapshot().Total)
}

func TestConnectionPool_TestOnReturn(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithTestOnReturn(true))

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	provider.conn(1).setAlive(false)

	require.NoError(t, pc.Close())
	assert.Equal(t, StatusOffline, pc.Status())
	assert.Equal(t, 0, p.Snapshot().Total)
}

func TestConnectionPool_ResetFailureDiscards(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	provider.conn(1).resetErr = errors.New("rollback failed")

	require.NoError(t, pc.Close())
	assert.Equal(t, StatusOffline, pc.Status())
	assert.Equal(t, int64(1), p.Snapshot().Expired)
}

func TestConnectionPool_BuildFailure(t *testing.T) {
	provider := &mockProvider{}
	provider.setOpenErr(errors.New("connection refused"))
	p := newTestPool(t, provider)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "connection refused")

	s := p.Snapshot()
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 0, s.BeingBuilt)
	assert.Equal(t, int64(1), s.BuildFailures)

	provider.setOpenErr(nil)
	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pc.ID(), "ids are never reused")
}

func TestConnectionPool_ProviderPanic(t *testing.T) {
	p := newTestPool(t, ProviderFunc(func(context.Context, string, map[string]string) (Connection, error) {
		panic("driver bug")
	}))

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Contains(t, err.Error(), "driver bug")
	assert.Equal(t, 0, p.Snapshot().Total)
}

func TestConnectionPool_AcquireCanceledContext(t *testing.T) {
	p := newTestPool(t, &mockProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectionPool_ForeignRelease(t *testing.T) {
	a := newTestPool(t, &mockProvider{})
	b := newTestPool(t, &mockProvider{})

	pc, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, b.Release(pc), ErrForeignConnection)
	assert.ErrorIs(t, b.Release(nil), ErrForeignConnection)
	assert.Equal(t, StatusActive, pc.Status())
}

// 缩小上限时空闲连接立即下线，借出中的连接在归还时下线
func TestConnectionPool_RedefineShrink(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithMaximumSize(4))
	ctx := context.Background()

	conns := make([]*PooledConn, 4)
	for i := range conns {
		pc, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns[i] = pc
	}
	require.NoError(t, conns[0].Close())
	require.NoError(t, conns[1].Close())

	require.NoError(t, p.Redefine(WithMaximumSize(1)))
	assert.Equal(t, 1, p.Definition().MaximumSize)
	assert.Equal(t, "test", p.Definition().Alias)

	s := p.Snapshot()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 0, s.Available)
	assert.Equal(t, StatusActive, conns[2].Status())
	assert.Equal(t, StatusActive, conns[3].Status())

	require.NoError(t, conns[2].Close())
	require.NoError(t, conns[3].Close())
	assert.Equal(t, StatusOffline, conns[2].Status())
	assert.Equal(t, StatusAvailable, conns[3].Status())

	s = p.Snapshot()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Available)
}

func TestConnectionPool_RedefineInvalid(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithMaximumSize(4))

	err := p.Redefine(WithMinimumSize(10))
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Equal(t, 4, p.Definition().MaximumSize)
}

func TestConnectionPool_GracefulShutdown(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithShutdownGrace(5*time.Second))
	ctx := context.Background()

	var hookCalls atomic.Int32
	p.onShutdown = func(*ConnectionPool) { hookCalls.Add(1) }

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, idle.Close())

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()

	require.Eventually(t, func() bool { return !p.IsUp() }, time.Second, 5*time.Millisecond)
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolDown)
	assert.False(t, Retryable(err))

	require.Eventually(t, func() bool { return idle.Status() == StatusOffline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusActive, held.Status())

	require.NoError(t, held.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish after the last connection was released")
	}

	assert.Equal(t, StatusOffline, held.Status())
	assert.True(t, provider.conn(1).isClosed())
	assert.True(t, provider.conn(2).isClosed())
	assert.Equal(t, 0, p.Snapshot().Total)
	assert.Equal(t, int32(1), hookCalls.Load())

	assert.ErrorIs(t, p.Shutdown(ctx), ErrPoolDown)
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestConnectionPool_ShutdownGraceForcesClose(t *testing.T) {
	provider := &mockProvider{}
	p := newTestPool(t, provider, WithShutdownGrace(100*time.Millisecond))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, StatusOffline, held.Status())
	assert.True(t, provider.conn(1).isClosed())
	require.NoError(t, held.Close())
	assert.Equal(t, 0, p.Snapshot().Total)
}

func TestConnectionPool_ShutdownContextTimeout(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithShutdownGrace(0))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusOffline, held.Status())
}

func TestConnectionPool_ConnectionObservers(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	good := &recordingObserver{name: "good", log: &log, mu: &mu}
	bad := &recordingObserver{name: "bad", log: &log, mu: &mu, fail: true}

	p := newTestPool(t, &mockProvider{},
		WithConnectionObserver(bad),
		WithConnectionObserver(good),
		WithFatalRules(MessageRule("reset")))

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_ = pc.Check(errors.New("connection reset"))

	assert.Equal(t, []string{
		"bad:birth",
		"good:birth",
		"bad:death:fatal error: message:reset",
		"good:death:fatal error: message:reset",
	}, log)

	assert.True(t, p.RemoveConnectionObserver(bad))
	assert.False(t, p.RemoveConnectionObserver(bad))
}

type funcObserver struct {
	birth func(*Wrapper) error
	death func(*Wrapper, string) error
}

func (o *funcObserver) OnBirth(w *Wrapper) error {
	if o.birth == nil {
		return nil
	}
	return o.birth(w)
}

func (o *funcObserver) OnDeath(w *Wrapper, reason string) error {
	if o.death == nil {
		return nil
	}
	return o.death(w, reason)
}

// 观察者收到建立通知时连接还未加入连接池
func TestConnectionPool_BirthBeforeJoin(t *testing.T) {
	var p *ConnectionPool
	var members, available []int
	obs := &funcObserver{birth: func(w *Wrapper) error {
		members = append(members, len(p.Connections()))
		available = append(available, p.Snapshot().Available)
		return nil
	}}
	p = newTestPool(t, &mockProvider{}, WithConnectionObserver(obs))

	_, err := p.prototyper.buildConnection(context.Background(), StatusAvailable, "test")
	require.NoError(t, err)
	_, err = p.prototyper.buildConnection(context.Background(), StatusAvailable, "test")
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, members)
	assert.Equal(t, []int{0, 1}, available)
	assert.Len(t, p.Connections(), 2)
}

// 观察者在回调中归还连接、增删观察者不会死锁
func TestConnectionPool_ObserverReentry(t *testing.T) {
	p := newTestPool(t, &mockProvider{}, WithFatalRules(MessageRule("reset")))
	ctx := context.Background()

	other, err := p.Acquire(ctx)
	require.NoError(t, err)

	late := &funcObserver{}
	var deaths atomic.Int32
	obs := &funcObserver{death: func(w *Wrapper, reason string) error {
		deaths.Add(1)
		p.AddConnectionObserver(late)
		return other.Close()
	}}
	p.AddConnectionObserver(obs)

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pc.Check(errors.New("connection reset"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer callback deadlocked")
	}

	assert.Equal(t, int32(1), deaths.Load())
	assert.Equal(t, StatusAvailable, other.Status())
	assert.True(t, p.RemoveConnectionObserver(late))
}
