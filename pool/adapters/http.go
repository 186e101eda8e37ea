package adapters

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
)

// HTTPConnection 实现 Connection 接口，包装一个拥有独立 Transport 的 http.Client
type HTTPConnection struct {
	client    *http.Client
	transport *http.Transport
	baseURL   string
	mutex     sync.RWMutex
	closed    bool
}

// HTTPClientConfig 定义 HTTP 客户端连接的配置
type HTTPClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DisableKeepAlives     bool
	DisableCompression    bool
	TLSConfig             *tls.Config
}

// DefaultHTTPClientConfig 返回默认的 HTTP 客户端配置
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:               30 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// Close 实现 Connection 接口的关闭方法
func (c *HTTPConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}

	// 关闭 Transport 中的空闲连接
	c.transport.CloseIdleConnections()
	c.closed = true
	return nil
}

// Raw 返回底层的 http.Client
func (c *HTTPConnection) Raw() interface{} {
	return c.client
}

// BaseURL 返回连接的目标地址
func (c *HTTPConnection) BaseURL() string {
	return c.baseURL
}

// IsAlive 检查连接是否仍然可用
func (c *HTTPConnection) IsAlive() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return !c.closed
}

// HTTPProvider 为每个池化连接创建独立的 HTTP 客户端
type HTTPProvider struct {
	config *HTTPClientConfig
}

// NewHTTPProvider 创建 HTTP Provider
func NewHTTPProvider(config *HTTPClientConfig) *HTTPProvider {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return &HTTPProvider{config: config}
}

// Open 实现 pool.Provider 接口，target 是服务的基础地址。
// 识别的参数: timeout。
func (f *HTTPProvider) Open(ctx context.Context, target string, params map[string]string) (pool.Connection, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nil, fmt.Errorf("http target %q must start with http:// or https://", target)
	}
	timeout := f.config.Timeout
	if v, ok := params["timeout"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid http timeout %q: %w", v, err)
		}
		timeout = d
	}

	// 创建自定义的 Transport
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   f.config.DialTimeout,
			KeepAlive: f.config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       f.config.MaxConnsPerHost,
		IdleConnTimeout:       f.config.IdleConnTimeout,
		TLSHandshakeTimeout:   f.config.TLSHandshakeTimeout,
		ExpectContinueTimeout: f.config.ExpectContinueTimeout,
		ResponseHeaderTimeout: f.config.ResponseHeaderTimeout,
		DisableKeepAlives:     f.config.DisableKeepAlives,
		DisableCompression:    f.config.DisableCompression,
		TLSClientConfig:       f.config.TLSConfig,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &HTTPConnection{
		client:    client,
		transport: transport,
		baseURL:   strings.TrimSuffix(target, "/"),
	}, nil
}

// HTTPFatalRules 返回表示 HTTP 服务端不可达的错误规则
func HTTPFatalRules() []pool.FatalRule {
	return []pool.FatalRule{
		pool.MessageRule("connection refused"),
		pool.MessageRule("connection reset"),
		pool.MessageRule("no such host"),
	}
}

// PooledHTTPClient 是使用连接池的 HTTP 客户端
type PooledHTTPClient struct {
	pool *pool.ConnectionPool
}

// NewPooledHTTPClient 创建一个使用连接池的 HTTP 客户端
func NewPooledHTTPClient(p *pool.ConnectionPool) *PooledHTTPClient {
	return &PooledHTTPClient{pool: p}
}

// Do 借出连接发送请求。相对路径会拼接到连接的基础地址上。
// 响应体被登记为连接的派生句柄，调用方关闭响应体后连接才会归还。
func (c *PooledHTTPClient) Do(req *http.Request) (*http.Response, error) {
	pc, err := c.pool.Acquire(req.Context())
	if err != nil {
		return nil, err
	}

	hc, ok := pc.Conn().(*HTTPConnection)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("pool %s does not hold http connections", pc.Alias())
	}
	if req.URL.Host == "" {
		u, err := req.URL.Parse(hc.baseURL + "/" + strings.TrimPrefix(req.URL.Path, "/"))
		if err != nil {
			pc.Close()
			return nil, err
		}
		u.RawQuery = req.URL.RawQuery
		req.URL = u
		req.Host = u.Host
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		err = pc.Check(err)
		pc.Close()
		return nil, err
	}

	body := &releasingBody{ReadCloser: resp.Body, pc: pc}
	pc.Track(body)
	resp.Body = body
	return resp, nil
}

// Get 执行 GET 请求
func (c *PooledHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post 执行 POST 请求
func (c *PooledHTTPClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// releasingBody 关闭时把连接归还给连接池
type releasingBody struct {
	io.ReadCloser
	pc   *pool.PooledConn
	once sync.Once
}

func (b *releasingBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.ReadCloser.Close()
		if b.pc.Untrack(b) {
			b.pc.Close()
		}
	})
	return err
}
