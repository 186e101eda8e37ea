package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// GRPCConnection 实现 Connection 接口，包装 gRPC 客户端连接
type GRPCConnection struct {
	conn      *grpc.ClientConn
	target    string
	mutex     sync.RWMutex
	closed    bool
	healthCfg *GRPCHealthConfig
}

// GRPCHealthConfig 定义 gRPC 连接健康检查配置
type GRPCHealthConfig struct {
	// 允许的连接状态 (默认只允许 READY 和 IDLE)
	AllowedStates map[connectivity.State]bool
	// 自定义健康检查函数
	HealthCheck func(*grpc.ClientConn) bool
}

// Close 实现 Connection 接口的关闭方法
func (c *GRPCConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Raw 返回底层的 *grpc.ClientConn
func (c *GRPCConnection) Raw() interface{} {
	return c.conn
}

// IsAlive 检查 gRPC 连接是否仍然可用
func (c *GRPCConnection) IsAlive() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return false
	}
	if c.healthCfg != nil && c.healthCfg.HealthCheck != nil {
		return c.healthCfg.HealthCheck(c.conn)
	}

	state := c.conn.GetState()
	if c.healthCfg != nil && c.healthCfg.AllowedStates != nil {
		return c.healthCfg.AllowedStates[state]
	}
	return state == connectivity.Ready || state == connectivity.Idle
}

// ResetState 在连接处于失败状态时重置重连退避
func (c *GRPCConnection) ResetState() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return fmt.Errorf("grpc connection to %s is closed", c.target)
	}
	if c.conn.GetState() == connectivity.TransientFailure {
		c.conn.ResetConnectBackoff()
	}
	return nil
}

// GRPCClientConfig 定义 gRPC 客户端连接的配置
type GRPCClientConfig struct {
	// 凭证选项，为空时使用明文连接
	TransportCredentials credentials.TransportCredentials

	// 拦截器
	UnaryInterceptors  []grpc.UnaryClientInterceptor
	StreamInterceptors []grpc.StreamClientInterceptor

	// Block 为 true 时建连会等待连接进入 READY 状态
	Block     bool
	UserAgent string

	// 保活选项
	KeepaliveTime                time.Duration
	KeepaliveTimeout             time.Duration
	KeepalivePermitWithoutStream bool

	DefaultServiceConfig string

	HealthConfig *GRPCHealthConfig

	// 自定义 Dial 选项
	DialOptions []grpc.DialOption
}

// DefaultGRPCClientConfig 返回默认的 gRPC 客户端配置
func DefaultGRPCClientConfig() *GRPCClientConfig {
	return &GRPCClientConfig{
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		HealthConfig: &GRPCHealthConfig{
			AllowedStates: map[connectivity.State]bool{
				connectivity.Ready: true,
				connectivity.Idle:  true,
			},
		},
	}
}

// GRPCProvider 打开 gRPC 客户端连接
type GRPCProvider struct {
	config *GRPCClientConfig
}

// NewGRPCProvider 创建 gRPC Provider
func NewGRPCProvider(config *GRPCClientConfig) *GRPCProvider {
	if config == nil {
		config = DefaultGRPCClientConfig()
	}
	return &GRPCProvider{config: config}
}

func (f *GRPCProvider) dialOptions(params map[string]string) []grpc.DialOption {
	dialOpts := make([]grpc.DialOption, 0, 8)

	if f.config.TransportCredentials != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(f.config.TransportCredentials))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	for _, interceptor := range f.config.UnaryInterceptors {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(interceptor))
	}
	for _, interceptor := range f.config.StreamInterceptors {
		dialOpts = append(dialOpts, grpc.WithStreamInterceptor(interceptor))
	}

	userAgent := f.config.UserAgent
	if v, ok := params["user_agent"]; ok {
		userAgent = v
	}
	if userAgent != "" {
		dialOpts = append(dialOpts, grpc.WithUserAgent(userAgent))
	}

	if f.config.KeepaliveTime > 0 || f.config.KeepaliveTimeout > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                f.config.KeepaliveTime,
			Timeout:             f.config.KeepaliveTimeout,
			PermitWithoutStream: f.config.KeepalivePermitWithoutStream,
		}))
	}
	if f.config.DefaultServiceConfig != "" {
		dialOpts = append(dialOpts, grpc.WithDefaultServiceConfig(f.config.DefaultServiceConfig))
	}
	return append(dialOpts, f.config.DialOptions...)
}

// Open 实现 pool.Provider 接口。参数 block=true 时等待连接就绪。
func (f *GRPCProvider) Open(ctx context.Context, target string, params map[string]string) (pool.Connection, error) {
	grpcConn, err := grpc.NewClient(target, f.dialOptions(params)...)
	if err != nil {
		return nil, err
	}

	if f.config.Block || params["block"] == "true" {
		if err := waitReady(ctx, grpcConn); err != nil {
			grpcConn.Close()
			return nil, err
		}
	}

	return &GRPCConnection{
		conn:      grpcConn,
		target:    target,
		healthCfg: f.config.HealthConfig,
	}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("grpc connection to %s shut down", conn.Target())
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// GRPCCode 从错误中提取 gRPC 状态码
func GRPCCode(err error) (int, bool) {
	s, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	return int(s.Code()), true
}

// GRPCFatalRules 返回表示 gRPC 连接不可用的错误规则
func GRPCFatalRules() []pool.FatalRule {
	return []pool.FatalRule{
		pool.CodeRuleFunc(GRPCCode, int(codes.Unavailable)),
	}
}

// GRPCClientPool 是 gRPC 连接池的助手
type GRPCClientPool struct {
	pool *pool.ConnectionPool
}

// NewGRPCClientPool 创建一个新的 gRPC 客户端连接池助手
func NewGRPCClientPool(p *pool.ConnectionPool) *GRPCClientPool {
	return &GRPCClientPool{pool: p}
}

// WithConnection 使用连接池中的连接执行操作，返回的错误经过致命错误检查
func (p *GRPCClientPool) WithConnection(ctx context.Context, fn func(*grpc.ClientConn) error) error {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	grpcConn, ok := pc.Raw().(*grpc.ClientConn)
	if !ok {
		return fmt.Errorf("pool %s does not hold grpc connections", pc.Alias())
	}
	return pc.Check(fn(grpcConn))
}

// WithClient 使用动态创建的客户端执行操作
func (p *GRPCClientPool) WithClient(ctx context.Context, clientFactory func(*grpc.ClientConn) interface{}, fn func(client interface{}) error) error {
	return p.WithConnection(ctx, func(conn *grpc.ClientConn) error {
		return fn(clientFactory(conn))
	})
}
