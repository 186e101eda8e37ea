package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
)

// TCPConnection 实现 Connection 接口，包装一条原始 TCP 连接
type TCPConnection struct {
	conn   net.Conn
	mutex  sync.Mutex
	closed bool
}

// Close 关闭 TCP 连接
func (c *TCPConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Raw 返回底层的 net.Conn
func (c *TCPConnection) Raw() interface{} {
	return c.conn
}

// IsAlive 用一次极短的读探测对端是否已关闭连接
func (c *TCPConnection) IsAlive() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return false
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer c.conn.SetReadDeadline(time.Time{})

	var one [1]byte
	_, err := c.conn.Read(one[:])
	// 超时说明连接空闲且仍然打开；读到数据说明协议状态已被破坏
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// TCPConfig 定义 TCP 连接配置
type TCPConfig struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// DefaultTCPConfig 返回默认的 TCP 配置
func DefaultTCPConfig() *TCPConfig {
	return &TCPConfig{
		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,
	}
}

// TCPProvider 打开 TCP 连接
type TCPProvider struct {
	config *TCPConfig
}

// NewTCPProvider 创建 TCP Provider
func NewTCPProvider(config *TCPConfig) *TCPProvider {
	if config == nil {
		config = DefaultTCPConfig()
	}
	return &TCPProvider{config: config}
}

// Open 实现 pool.Provider 接口，target 为 host:port。
// 识别的参数: network (默认 tcp)。
func (f *TCPProvider) Open(ctx context.Context, target string, params map[string]string) (pool.Connection, error) {
	network := "tcp"
	if v, ok := params["network"]; ok {
		network = v
	}
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	dialer := &net.Dialer{
		Timeout:   f.config.DialTimeout,
		KeepAlive: f.config.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	return &TCPConnection{conn: conn}, nil
}

// TCPFatalRules 返回表示 TCP 连接已断开的错误规则
func TCPFatalRules() []pool.FatalRule {
	return []pool.FatalRule{
		pool.SentinelRule(io.EOF),
		pool.SentinelRule(net.ErrClosed),
		pool.MessageRule("connection reset"),
		pool.MessageRule("broken pipe"),
	}
}
