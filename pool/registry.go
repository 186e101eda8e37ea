package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry 管理所有别名到连接池的映射，并持有共享的后台维护协程
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*ConnectionPool
	closed bool

	observers   *Listeners[PoolObserver]
	housekeeper *Housekeeper
	logger      *zap.Logger
	base        *zap.Logger
}

// NewRegistry 创建注册表并启动后台维护
func NewRegistry(opts ...RegistryOption) *Registry {
	o := defaultRegistryOptions()
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{
		pools:  make(map[string]*ConnectionPool),
		logger: o.logger.Named("registry"),
		base:   o.logger,
	}
	r.observers = NewListeners[PoolObserver](r.logger)
	r.housekeeper = newHousekeeper(r.Pools, o.housekeepingInterval, o.logger)
	r.housekeeper.start()
	return r
}

// Register 用默认定义加上选项创建一个连接池
func (r *Registry) Register(alias string, provider Provider, opts ...Option) (*ConnectionPool, error) {
	def := DefaultDefinition(alias)
	def.Logger = r.base
	for _, opt := range opts {
		opt(&def)
	}
	def.Alias = alias
	return r.RegisterDefinition(def, provider)
}

// RegisterDefinition 用完整的定义创建一个连接池
func (r *Registry) RegisterDefinition(def Definition, provider Provider) (*ConnectionPool, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidDefinition)
	}
	if def.Logger == nil {
		def.Logger = r.base
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	def = def.Clone()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, exists := r.pools[def.Alias]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, def.Alias)
	}
	p := newConnectionPool(def, provider)
	p.wake = r.housekeeper.Trigger
	p.onShutdown = r.remove
	r.pools[def.Alias] = p
	r.mu.Unlock()

	r.logger.Info("pool registered",
		zap.String("alias", def.Alias),
		zap.String("instance", p.instanceID),
		zap.Int("minimum", def.MinimumSize),
		zap.Int("maximum", def.MaximumSize))
	effective := def.Clone()
	r.observers.Notify("registration", func(o PoolObserver) error {
		return o.OnRegistration(def.Alias, effective)
	})
	p.triggerSweep()
	return p, nil
}

// Lookup 返回别名对应的连接池
func (r *Registry) Lookup(alias string) (*ConnectionPool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, alias)
	}
	return p, nil
}

// Acquire 从别名对应的连接池借出连接
func (r *Registry) Acquire(ctx context.Context, alias string) (*PooledConn, error) {
	p, err := r.Lookup(alias)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Redefine 在别名对应连接池的当前定义上应用选项
func (r *Registry) Redefine(alias string, opts ...Option) error {
	p, err := r.Lookup(alias)
	if err != nil {
		return err
	}
	return p.Redefine(opts...)
}

// Shutdown 关闭别名对应的连接池
func (r *Registry) Shutdown(ctx context.Context, alias string) error {
	p, err := r.Lookup(alias)
	if err != nil {
		return err
	}
	return p.Shutdown(ctx)
}

// ShutdownAll 停止后台维护并并发关闭所有连接池，之后注册表不再接受注册
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	err := r.housekeeper.Stop(ctx)

	var (
		wg   sync.WaitGroup
		errM sync.Mutex
	)
	for _, p := range r.Pools() {
		wg.Add(1)
		go func(p *ConnectionPool) {
			defer wg.Done()
			if e := p.Shutdown(ctx); e != nil && !errors.Is(e, ErrPoolDown) {
				errM.Lock()
				err = multierr.Append(err, fmt.Errorf("shutdown %s: %w", p.alias, e))
				errM.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return err
}

// remove 在连接池关闭后把它移出注册表并通知观察者
func (r *Registry) remove(p *ConnectionPool) {
	r.mu.Lock()
	if current, ok := r.pools[p.alias]; ok && current == p {
		delete(r.pools, p.alias)
	}
	r.mu.Unlock()

	r.observers.Notify("shutdown", func(o PoolObserver) error {
		return o.OnShutdown(p.alias)
	})
}

// Pools 返回按别名排序的连接池列表
func (r *Registry) Pools() []*ConnectionPool {
	r.mu.RLock()
	pools := make([]*ConnectionPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].alias < pools[j].alias })
	return pools
}

// Aliases 返回按字母排序的别名
func (r *Registry) Aliases() []string {
	pools := r.Pools()
	aliases := make([]string, len(pools))
	for i, p := range pools {
		aliases[i] = p.alias
	}
	return aliases
}

// Snapshots 返回所有连接池的统计信息
func (r *Registry) Snapshots() []Snapshot {
	pools := r.Pools()
	snaps := make([]Snapshot, len(pools))
	for i, p := range pools {
		snaps[i] = p.Snapshot()
	}
	return snaps
}

// AddObserver 添加连接池生命周期观察者
func (r *Registry) AddObserver(o PoolObserver) {
	r.observers.Add(o)
}

// RemoveObserver 移除连接池生命周期观察者
func (r *Registry) RemoveObserver(o PoolObserver) bool {
	return r.observers.Remove(o)
}

// Housekeeper 返回共享的后台维护协程
func (r *Registry) Housekeeper() *Housekeeper {
	return r.housekeeper
}
