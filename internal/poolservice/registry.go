package poolservice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyerfyer/connkeeper/internal/config"
	"github.com/fyerfyer/connkeeper/pool"
	"github.com/fyerfyer/connkeeper/pool/adapters"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RegistryService 基于 pool.Registry 实现 Service
type RegistryService struct {
	registry *pool.Registry
	adapters map[string]adapters.Adapter
	logger   *zap.Logger

	// 借出编号到借出记录的映射
	leases map[string]lease
	// 保护映射的互斥锁
	mu sync.Mutex
}

// lease 包含借出的连接及其元数据
type lease struct {
	pc    *pool.PooledConn
	since time.Time
}

// NewRegistryService 创建一个连接池服务，available 为可用的驱动
func NewRegistryService(r *pool.Registry, available map[string]adapters.Adapter, logger *zap.Logger) *RegistryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryService{
		registry: r,
		adapters: available,
		logger:   logger.Named("service"),
		leases:   make(map[string]lease),
	}
}

// Registry 返回底层的连接池注册表
func (s *RegistryService) Registry() *pool.Registry {
	return s.registry
}

// Register 使用指定驱动注册一个连接池，驱动自带的致命错误规则排在 opts 之前
func (s *RegistryService) Register(alias, driver string, opts ...pool.Option) error {
	adapter, ok := s.adapters[driver]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownDriver, driver)
	}
	all := append([]pool.Option{pool.WithFatalRules(adapter.FatalRules...)}, opts...)
	_, err := s.registry.Register(alias, adapter.Provider, all...)
	return err
}

// LoadConfig 注册配置中的所有连接池
func (s *RegistryService) LoadConfig(cfg *config.Config) ([]string, error) {
	pools, err := config.Apply(s.registry, cfg, s.adapters)
	aliases := make([]string, 0, len(pools))
	for _, p := range pools {
		aliases = append(aliases, p.Alias())
	}
	return aliases, err
}

// Acquire 从连接池借出一个连接并记录
func (s *RegistryService) Acquire(ctx context.Context, alias string) (LeaseInfo, error) {
	pc, err := s.registry.Acquire(ctx, alias)
	if err != nil {
		return LeaseInfo{}, err
	}

	l := lease{pc: pc, since: time.Now()}
	id := leaseID(pc)

	s.mu.Lock()
	s.leases[id] = l
	s.mu.Unlock()

	s.logger.Debug("connection leased", zap.String("lease", id))
	return l.info(id), nil
}

// Release 归还借出的连接
func (s *RegistryService) Release(leaseID string) error {
	s.mu.Lock()
	l, ok := s.leases[leaseID]
	delete(s.leases, leaseID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseNotFound, leaseID)
	}
	return l.pc.Close()
}

// Lease 返回借出编号对应的连接句柄
func (s *RegistryService) Lease(leaseID string) (*pool.PooledConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[leaseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseNotFound, leaseID)
	}
	return l.pc, nil
}

// Leases 列出所有未归还的连接，已被连接池下线的借出记录会被清理
func (s *RegistryService) Leases() []LeaseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]LeaseInfo, 0, len(s.leases))
	for id, l := range s.leases {
		if l.pc.Released() || l.pc.Status() != pool.StatusActive {
			delete(s.leases, id)
			continue
		}
		result = append(result, l.info(id))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Alias != result[j].Alias {
			return result[i].Alias < result[j].Alias
		}
		return result[i].ConnID < result[j].ConnID
	})
	return result
}

// Redefine 修改连接池定义
func (s *RegistryService) Redefine(alias string, opts ...pool.Option) error {
	return s.registry.Redefine(alias, opts...)
}

// Stats 获取连接池统计信息
func (s *RegistryService) Stats(alias string) (pool.Snapshot, error) {
	p, err := s.registry.Lookup(alias)
	if err != nil {
		return pool.Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// List 列出所有连接池的统计信息
func (s *RegistryService) List() []pool.Snapshot {
	return s.registry.Snapshots()
}

// Shutdown 关闭连接池并丢弃该连接池的借出记录
func (s *RegistryService) Shutdown(ctx context.Context, alias string) error {
	err := s.registry.Shutdown(ctx, alias)
	s.dropLeases(alias)
	return err
}

// Close 归还所有连接并关闭所有连接池
func (s *RegistryService) Close(ctx context.Context) error {
	s.mu.Lock()
	leases := s.leases
	s.leases = make(map[string]lease)
	s.mu.Unlock()

	var err error
	for _, l := range leases {
		err = multierr.Append(err, l.pc.Close())
	}
	return multierr.Append(err, s.registry.ShutdownAll(ctx))
}

func (s *RegistryService) dropLeases(alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.leases {
		if l.pc.Alias() == alias {
			delete(s.leases, id)
		}
	}
}

func (l lease) info(id string) LeaseInfo {
	return LeaseInfo{
		ID:      id,
		Alias:   l.pc.Alias(),
		ConnID:  l.pc.ID(),
		Status:  l.pc.Status(),
		Since:   l.since,
		Handles: l.pc.OpenHandles(),
	}
}

func leaseID(pc *pool.PooledConn) string {
	return fmt.Sprintf("%s/%d", pc.Alias(), pc.ID())
}
