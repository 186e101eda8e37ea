package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockConnection 实现 Connection、Validator 和 Resetter 接口，用于测试
type mockConnection struct {
	id       int
	mu       sync.RWMutex
	closed   bool
	alive    bool
	resetErr error
	closeErr error
	resets   int
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection already closed")
	}
	m.closed = true
	return m.closeErr
}

func (m *mockConnection) Raw() interface{} {
	return m.id
}

func (m *mockConnection) IsAlive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alive && !m.closed
}

func (m *mockConnection) ResetState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return m.resetErr
}

func (m *mockConnection) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *mockConnection) setAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

// mockProvider 实现 Provider 接口，用于测试
type mockProvider struct {
	counter atomic.Int32
	opens   atomic.Int32

	mu      sync.Mutex
	openErr error
	conns   map[int]*mockConnection
	params  map[string]string
	target  string

	// entered 在进入 Open 时收到通知，gate 非空时 Open 阻塞直到 gate 关闭
	entered chan struct{}
	gate    chan struct{}
}

func (f *mockProvider) Open(ctx context.Context, target string, params map[string]string) (Connection, error) {
	f.opens.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
	f.params = params
	if f.openErr != nil {
		return nil, f.openErr
	}

	id := int(f.counter.Add(1))
	conn := &mockConnection{id: id, alive: true}
	if f.conns == nil {
		f.conns = make(map[int]*mockConnection)
	}
	f.conns[id] = conn
	return conn, nil
}

func (f *mockProvider) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *mockProvider) conn(id int) *mockConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

// recordingObserver 记录收到的通知，用于测试
type recordingObserver struct {
	name string
	log  *[]string
	mu   *sync.Mutex
	fail bool
	boom bool
}

func (o *recordingObserver) record(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.log = append(*o.log, o.name+":"+event)
}

func (o *recordingObserver) OnRegistration(alias string, _ Definition) error {
	o.record("register:" + alias)
	return o.result()
}

func (o *recordingObserver) OnShutdown(alias string) error {
	o.record("shutdown:" + alias)
	return o.result()
}

func (o *recordingObserver) OnBirth(conn *Wrapper) error {
	o.record("birth")
	return o.result()
}

func (o *recordingObserver) OnDeath(conn *Wrapper, reason string) error {
	o.record("death:" + reason)
	return o.result()
}

func (o *recordingObserver) result() error {
	if o.boom {
		panic("observer exploded")
	}
	if o.fail {
		return errors.New("observer failed")
	}
	return nil
}

// newTestPool 创建一个不挂在注册表上的连接池，不会有后台补充
func newTestPool(t *testing.T, provider Provider, opts ...Option) *ConnectionPool {
	t.Helper()
	def := DefaultDefinition("test")
	for _, opt := range opts {
		opt(&def)
	}
	require.NoError(t, def.Validate())
	p := newConnectionPool(def, provider)
	t.Cleanup(func() {
		if p.IsUp() {
			p.Shutdown(context.Background())
		}
	})
	return p
}
