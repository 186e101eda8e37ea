package adapters

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
	"github.com/go-redis/redis/v8"
)

// RedisConnection 实现 Connection 接口，每个连接持有一个只含单条物理连接的 Redis 客户端
type RedisConnection struct {
	client     *redis.Client
	mutex      sync.RWMutex
	closed     bool
	healthFunc func(*redis.Client) bool
}

// Close 关闭客户端及其物理连接
func (c *RedisConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// Raw 返回底层的 *redis.Client
func (c *RedisConnection) Raw() interface{} {
	return c.client
}

// IsAlive 检查 Redis 连接是否仍然可用
func (c *RedisConnection) IsAlive() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return false
	}

	// 如果有自定义健康检查函数，使用它
	if c.healthFunc != nil {
		return c.healthFunc(c.client)
	}

	// 默认健康检查：使用 PING 命令
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	result, err := c.client.Ping(ctx).Result()
	return err == nil && result == "PONG"
}

// RedisConfig 定义 Redis 连接的默认配置，目标地址和参数在建连时覆盖
type RedisConfig struct {
	Username string
	Password string
	DB       int

	// 超时设置
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// 自定义健康检查函数
	HealthCheck func(*redis.Client) bool
}

// DefaultRedisConfig 返回默认的 Redis 配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisProvider 打开 Redis 连接
type RedisProvider struct {
	config *RedisConfig
}

// NewRedisProvider 创建 Redis Provider
func NewRedisProvider(config *RedisConfig) *RedisProvider {
	if config == nil {
		config = DefaultRedisConfig()
	}
	return &RedisProvider{config: config}
}

// redisOptions 由目标地址和参数生成客户端配置。
// 识别的参数: username, password, db, dial_timeout, read_timeout, write_timeout。
func (f *RedisProvider) redisOptions(target string, params map[string]string) (*redis.Options, error) {
	opts := &redis.Options{
		Addr:         target,
		Username:     f.config.Username,
		Password:     f.config.Password,
		DB:           f.config.DB,
		DialTimeout:  f.config.DialTimeout,
		ReadTimeout:  f.config.ReadTimeout,
		WriteTimeout: f.config.WriteTimeout,
		// 每个池化连接只对应一条物理连接
		PoolSize:     1,
		MinIdleConns: 0,
		MaxRetries:   -1,
	}
	if v, ok := params["username"]; ok {
		opts.Username = v
	}
	if v, ok := params["password"]; ok {
		opts.Password = v
	}
	if v, ok := params["db"]; ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q: %w", v, err)
		}
		opts.DB = db
	}
	for key, dst := range map[string]*time.Duration{
		"dial_timeout":  &opts.DialTimeout,
		"read_timeout":  &opts.ReadTimeout,
		"write_timeout": &opts.WriteTimeout,
	} {
		if v, ok := params[key]; ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid redis %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}
	return opts, nil
}

// Open 实现 pool.Provider 接口，创建客户端并用 PING 验证连接
func (f *RedisProvider) Open(ctx context.Context, target string, params map[string]string) (pool.Connection, error) {
	opts, err := f.redisOptions(target, params)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	// 立即验证连接
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisConnection{
		client:     client,
		healthFunc: f.config.HealthCheck,
	}, nil
}

// RedisFatalRules 返回表示 Redis 连接已失效的错误规则
func RedisFatalRules() []pool.FatalRule {
	return []pool.FatalRule{
		pool.SentinelRule(redis.ErrClosed),
		pool.MessageRule("connection reset"),
		pool.MessageRule("broken pipe"),
		pool.MessageRule("use of closed network connection"),
	}
}

// RedisPoolHelper Redis 连接池助手
type RedisPoolHelper struct {
	pool *pool.ConnectionPool
}

// NewRedisPoolHelper 创建一个新的 Redis 连接池助手
func NewRedisPoolHelper(p *pool.ConnectionPool) *RedisPoolHelper {
	return &RedisPoolHelper{pool: p}
}

// Execute 借出连接执行 fn 并自动归还，致命错误会使连接下线
func (h *RedisPoolHelper) Execute(ctx context.Context, fn func(*redis.Client) (interface{}, error)) (interface{}, error) {
	pc, err := h.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	client, ok := pc.Raw().(*redis.Client)
	if !ok {
		return nil, fmt.Errorf("pool %s does not hold redis connections", pc.Alias())
	}

	result, err := fn(client)
	if err != nil && err != redis.Nil {
		return nil, pc.Check(err)
	}
	return result, err
}

// ExecuteCmd 执行 Redis 命令，返回 Redis 命令结果
func (h *RedisPoolHelper) ExecuteCmd(ctx context.Context, cmd func(*redis.Client) *redis.Cmd) (*redis.Cmd, error) {
	var resultCmd *redis.Cmd

	_, err := h.Execute(ctx, func(client *redis.Client) (interface{}, error) {
		resultCmd = cmd(client)
		return resultCmd, resultCmd.Err()
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return resultCmd, nil
}
