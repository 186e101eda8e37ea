package pool

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// maxPoolSize 是单个连接池允许的最大连接数，受计数器位宽限制
const maxPoolSize = counterMask

// Definition 定义一个连接池的配置
type Definition struct {
	// Alias 是连接池的唯一名称
	Alias string

	// Target 是传给 Provider 的目标地址
	Target string

	// Params 原样传给 Provider
	Params map[string]string

	// MinimumSize 是池中保持的最少连接数（不论是否借出）
	MinimumSize int

	// MaximumSize 是池中连接总数的上限，包括正在建立的连接
	MaximumSize int

	// SpareTarget 是希望保持的空闲连接数
	SpareTarget int

	// SimultaneousBuildThrottle 是同时建立连接的上限
	SimultaneousBuildThrottle int

	// MaximumConnectionLifetime 是连接从建立到下线的最长时间，为 0 表示不限制
	MaximumConnectionLifetime time.Duration

	// FatalRules 用于识别致命错误
	FatalRules []FatalRule

	// FatalErrorWrapper 非空时，致命错误经它包装后再返回给调用方
	FatalErrorWrapper func(*FatalError) error

	// TestOnBorrow 指定是否在借出连接前检查连接可用性
	TestOnBorrow bool

	// TestOnReturn 指定是否在归还连接时检查连接可用性
	TestOnReturn bool

	// ShutdownGrace 是关闭时等待借出连接归还的最长时间
	ShutdownGrace time.Duration

	// BuildRate 是每秒允许的建连次数，为 0 表示不限制
	BuildRate float64

	// BuildBurst 是建连速率限制的突发值
	BuildBurst int

	// BuildWindow 和 BuildWindowMax 限制任一 BuildWindow 时间窗口内最多建立
	// BuildWindowMax 个连接，与 BuildRate 不能同时设置
	BuildWindow    time.Duration
	BuildWindowMax int

	// ConnectionObservers 在连接建立和下线时收到通知
	ConnectionObservers []ConnectionObserver

	// Logger 是连接池使用的日志记录器
	Logger *zap.Logger
}

// DefaultDefinition 返回默认的连接池定义
func DefaultDefinition(alias string) Definition {
	return Definition{
		Alias:                     alias,
		MinimumSize:               0,
		MaximumSize:               15,
		SpareTarget:               0,
		SimultaneousBuildThrottle: 10,
		MaximumConnectionLifetime: 4 * time.Hour,
		ShutdownGrace:             10 * time.Second,
		Logger:                    zap.NewNop(),
	}
}

// Clone 返回一份不与原定义共享 map 和 slice 的副本
func (d Definition) Clone() Definition {
	c := d
	if d.Params != nil {
		c.Params = make(map[string]string, len(d.Params))
		for k, v := range d.Params {
			c.Params[k] = v
		}
	}
	c.FatalRules = append([]FatalRule(nil), d.FatalRules...)
	c.ConnectionObservers = append([]ConnectionObserver(nil), d.ConnectionObservers...)
	return c
}

// Validate 检查定义是否合法
func (d Definition) Validate() error {
	switch {
	case d.Alias == "":
		return fmt.Errorf("%w: alias is empty", ErrInvalidDefinition)
	case d.MaximumSize < 1 || d.MaximumSize > maxPoolSize:
		return fmt.Errorf("%w: maximum size %d out of range [1, %d]", ErrInvalidDefinition, d.MaximumSize, maxPoolSize)
	case d.MinimumSize < 0 || d.MinimumSize > d.MaximumSize:
		return fmt.Errorf("%w: minimum size %d out of range [0, %d]", ErrInvalidDefinition, d.MinimumSize, d.MaximumSize)
	case d.SpareTarget < 0:
		return fmt.Errorf("%w: negative spare target", ErrInvalidDefinition)
	case d.SimultaneousBuildThrottle < 1:
		return fmt.Errorf("%w: simultaneous build throttle must be at least 1", ErrInvalidDefinition)
	case d.MaximumConnectionLifetime < 0:
		return fmt.Errorf("%w: negative maximum connection lifetime", ErrInvalidDefinition)
	case d.ShutdownGrace < 0:
		return fmt.Errorf("%w: negative shutdown grace", ErrInvalidDefinition)
	case d.BuildRate < 0:
		return fmt.Errorf("%w: negative build rate", ErrInvalidDefinition)
	case d.BuildWindow < 0:
		return fmt.Errorf("%w: negative build window", ErrInvalidDefinition)
	case d.BuildWindow > 0 && d.BuildWindowMax < 1:
		return fmt.Errorf("%w: build window needs a maximum of at least 1", ErrInvalidDefinition)
	case d.BuildWindow > 0 && d.BuildRate > 0:
		return fmt.Errorf("%w: build rate and build window are mutually exclusive", ErrInvalidDefinition)
	}
	for i, r := range d.FatalRules {
		if r.Match == nil {
			return fmt.Errorf("%w: fatal rule %d has no matcher", ErrInvalidDefinition, i)
		}
	}
	return nil
}

// Option 是用于配置连接池定义的函数类型
type Option func(*Definition)

// WithTarget 设置目标地址
func WithTarget(target string) Option {
	return func(d *Definition) {
		d.Target = target
	}
}

// WithParams 设置透传参数，与已有参数合并
func WithParams(params map[string]string) Option {
	return func(d *Definition) {
		if d.Params == nil {
			d.Params = make(map[string]string, len(params))
		}
		for k, v := range params {
			d.Params[k] = v
		}
	}
}

// WithMinimumSize 设置最少连接数
func WithMinimumSize(size int) Option {
	return func(d *Definition) {
		d.MinimumSize = size
	}
}

// WithMaximumSize 设置最大连接数
func WithMaximumSize(size int) Option {
	return func(d *Definition) {
		d.MaximumSize = size
	}
}

// WithSpareTarget 设置空闲连接目标数
func WithSpareTarget(n int) Option {
	return func(d *Definition) {
		d.SpareTarget = n
	}
}

// WithSimultaneousBuildThrottle 设置同时建连上限
func WithSimultaneousBuildThrottle(n int) Option {
	return func(d *Definition) {
		d.SimultaneousBuildThrottle = n
	}
}

// WithMaximumConnectionLifetime 设置连接最长生命周期
func WithMaximumConnectionLifetime(lifetime time.Duration) Option {
	return func(d *Definition) {
		d.MaximumConnectionLifetime = lifetime
	}
}

// WithFatalRules 追加致命错误规则
func WithFatalRules(rules ...FatalRule) Option {
	return func(d *Definition) {
		d.FatalRules = append(d.FatalRules, rules...)
	}
}

// WithFatalErrorWrapper 设置致命错误的包装函数
func WithFatalErrorWrapper(wrap func(*FatalError) error) Option {
	return func(d *Definition) {
		d.FatalErrorWrapper = wrap
	}
}

// WithTestOnBorrow 设置是否在借出时测试连接
func WithTestOnBorrow(test bool) Option {
	return func(d *Definition) {
		d.TestOnBorrow = test
	}
}

// WithTestOnReturn 设置是否在归还时测试连接
func WithTestOnReturn(test bool) Option {
	return func(d *Definition) {
		d.TestOnReturn = test
	}
}

// WithShutdownGrace 设置关闭等待时间
func WithShutdownGrace(grace time.Duration) Option {
	return func(d *Definition) {
		d.ShutdownGrace = grace
	}
}

// WithBuildRateLimit 限制每秒建连次数
func WithBuildRateLimit(perSecond float64, burst int) Option {
	return func(d *Definition) {
		d.BuildRate = perSecond
		d.BuildBurst = burst
	}
}

// WithBuildWindow 限制每个 window 内最多建立 limit 个连接，window 为 0 表示不限制
func WithBuildWindow(window time.Duration, limit int) Option {
	return func(d *Definition) {
		d.BuildWindow = window
		d.BuildWindowMax = limit
	}
}

// WithConnectionObserver 添加连接生命周期观察者
func WithConnectionObserver(o ConnectionObserver) Option {
	return func(d *Definition) {
		d.ConnectionObservers = append(d.ConnectionObservers, o)
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(d *Definition) {
		if logger != nil {
			d.Logger = logger
		}
	}
}

// registryOptions 是注册表的配置
type registryOptions struct {
	housekeepingInterval time.Duration
	logger               *zap.Logger
}

func defaultRegistryOptions() *registryOptions {
	return &registryOptions{
		housekeepingInterval: 30 * time.Second,
		logger:               zap.NewNop(),
	}
}

// RegistryOption 是用于配置注册表的函数类型
type RegistryOption func(*registryOptions)

// WithHousekeepingInterval 设置后台维护的周期，为 0 表示只在被唤醒时运行
func WithHousekeepingInterval(interval time.Duration) RegistryOption {
	return func(o *registryOptions) {
		o.housekeepingInterval = interval
	}
}

// WithRegistryLogger 设置注册表及其后台维护使用的日志记录器
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(o *registryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
