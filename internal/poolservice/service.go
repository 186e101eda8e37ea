package poolservice

import (
	"context"
	"errors"
	"time"

	"github.com/fyerfyer/connkeeper/internal/config"
	"github.com/fyerfyer/connkeeper/pool"
)

var (
	// ErrLeaseNotFound 表示请求的借出记录不存在
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrUnknownDriver 表示驱动未注册
	ErrUnknownDriver = config.ErrUnknownDriver
)

// LeaseInfo 描述一个通过服务借出、尚未归还的连接
type LeaseInfo struct {
	// 借出编号，形如 alias/connID
	ID     string
	Alias  string
	ConnID int64
	Status pool.Status
	// 借出时间
	Since time.Time
	// 派生句柄数量
	Handles int
}

// Service 定义连接池服务接口
type Service interface {
	// Register 使用指定驱动注册一个连接池
	Register(alias, driver string, opts ...pool.Option) error

	// LoadConfig 注册配置中的所有连接池，返回已注册的别名
	LoadConfig(cfg *config.Config) ([]string, error)

	// Acquire 从连接池借出一个连接并记录
	Acquire(ctx context.Context, alias string) (LeaseInfo, error)

	// Release 归还借出的连接
	Release(leaseID string) error

	// Leases 列出所有未归还的连接
	Leases() []LeaseInfo

	// Redefine 修改连接池定义
	Redefine(alias string, opts ...pool.Option) error

	// Stats 获取连接池统计信息
	Stats(alias string) (pool.Snapshot, error)

	// List 列出所有连接池的统计信息
	List() []pool.Snapshot

	// Shutdown 关闭连接池
	Shutdown(ctx context.Context, alias string) error

	// Close 归还所有连接并关闭所有连接池
	Close(ctx context.Context) error
}
