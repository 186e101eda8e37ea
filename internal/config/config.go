// Package config 从 TOML 文件加载连接池定义。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
	"github.com/fyerfyer/connkeeper/pool/adapters"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrUnknownDriver 表示配置引用了未注册的驱动
var ErrUnknownDriver = errors.New("unknown driver")

// Duration 以 Go 时长字符串 (如 "30s"、"4h") 表示的时间长度
type Duration time.Duration

// UnmarshalText 实现 encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText 实现 encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std 返回 time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 是配置文件的根结构
type Config struct {
	Registry RegistryConfig `toml:"registry"`
	Pools    []PoolConfig   `toml:"pool"`
}

// RegistryConfig 对应 [registry] 表
type RegistryConfig struct {
	// HousekeepingInterval 未设置时使用默认间隔，为 0 表示只在被唤醒时维护
	HousekeepingInterval *Duration `toml:"housekeeping_interval,omitempty"`
}

// PoolConfig 对应一个 [[pool]] 表。未设置的字段使用 pool.DefaultDefinition 的默认值。
type PoolConfig struct {
	Alias  string            `toml:"alias"`
	Driver string            `toml:"driver"`
	Target string            `toml:"target"`
	Params map[string]string `toml:"params,omitempty"`

	MinimumSize               int       `toml:"minimum_size"`
	MaximumSize               int       `toml:"maximum_size"`
	SpareTarget               int       `toml:"spare_target"`
	SimultaneousBuildThrottle int       `toml:"simultaneous_build_throttle"`
	MaximumConnectionLifetime *Duration `toml:"maximum_connection_lifetime,omitempty"`
	ShutdownGrace             *Duration `toml:"shutdown_grace,omitempty"`

	TestOnBorrow bool `toml:"test_on_borrow"`
	TestOnReturn bool `toml:"test_on_return"`

	BuildRate  float64 `toml:"build_rate"`
	BuildBurst int     `toml:"build_burst"`

	BuildWindow    Duration `toml:"build_window"`
	BuildWindowMax int      `toml:"build_window_max"`

	// DriverFatalRules 为 false 时不使用驱动自带的致命错误规则
	DriverFatalRules *bool             `toml:"driver_fatal_rules,omitempty"`
	Fatal            []FatalRuleConfig `toml:"fatal,omitempty"`
}

// FatalRuleConfig 对应 [[pool.fatal]]，message 和 codes 至少设置一个
type FatalRuleConfig struct {
	Name    string `toml:"name,omitempty"`
	Message string `toml:"message,omitempty"`
	Codes   []int  `toml:"codes,omitempty"`
}

// Load 读取并校验配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse 解析并校验 TOML 配置，不允许出现未知字段
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode 把配置编码为 TOML
func Encode(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// Validate 检查所有连接池配置，返回合并后的全部错误
func (c *Config) Validate() error {
	var err error
	if hk := c.Registry.HousekeepingInterval; hk != nil && *hk < 0 {
		err = multierr.Append(err, errors.New("registry: housekeeping_interval must not be negative"))
	}

	seen := make(map[string]struct{}, len(c.Pools))
	for i := range c.Pools {
		pc := &c.Pools[i]
		if _, dup := seen[pc.Alias]; dup && pc.Alias != "" {
			err = multierr.Append(err, fmt.Errorf("pool %q: %w", pc.Alias, pool.ErrPoolExists))
			continue
		}
		seen[pc.Alias] = struct{}{}

		if pc.Driver == "" {
			err = multierr.Append(err, fmt.Errorf("pool %q: driver is required", pc.Alias))
		}
		for j, fr := range pc.Fatal {
			if fr.Message == "" && len(fr.Codes) == 0 {
				err = multierr.Append(err, fmt.Errorf("pool %q: fatal rule %d needs message or codes", pc.Alias, j))
			}
		}
		def := pool.DefaultDefinition(pc.Alias)
		for _, opt := range pc.Options(nil) {
			opt(&def)
		}
		if vErr := def.Validate(); vErr != nil {
			err = multierr.Append(err, fmt.Errorf("pool %q: %w", pc.Alias, vErr))
		}
	}
	return err
}

// RegistryOptions 返回创建 Registry 所需的选项
func (c *Config) RegistryOptions(logger *zap.Logger) []pool.RegistryOption {
	opts := []pool.RegistryOption{pool.WithRegistryLogger(logger)}
	if hk := c.Registry.HousekeepingInterval; hk != nil {
		opts = append(opts, pool.WithHousekeepingInterval(hk.Std()))
	}
	return opts
}

// Options 把配置转换为 pool.Option。adapter 为空时不加入驱动自带的规则。
func (pc *PoolConfig) Options(adapter *adapters.Adapter) []pool.Option {
	opts := []pool.Option{
		pool.WithTarget(pc.Target),
		pool.WithMinimumSize(pc.MinimumSize),
		pool.WithSpareTarget(pc.SpareTarget),
		pool.WithTestOnBorrow(pc.TestOnBorrow),
		pool.WithTestOnReturn(pc.TestOnReturn),
	}
	if len(pc.Params) > 0 {
		opts = append(opts, pool.WithParams(pc.Params))
	}
	if pc.MaximumSize != 0 {
		opts = append(opts, pool.WithMaximumSize(pc.MaximumSize))
	}
	if pc.SimultaneousBuildThrottle != 0 {
		opts = append(opts, pool.WithSimultaneousBuildThrottle(pc.SimultaneousBuildThrottle))
	}
	if pc.MaximumConnectionLifetime != nil {
		opts = append(opts, pool.WithMaximumConnectionLifetime(pc.MaximumConnectionLifetime.Std()))
	}
	if pc.ShutdownGrace != nil {
		opts = append(opts, pool.WithShutdownGrace(pc.ShutdownGrace.Std()))
	}
	if pc.BuildRate != 0 {
		opts = append(opts, pool.WithBuildRateLimit(pc.BuildRate, pc.BuildBurst))
	}
	if pc.BuildWindow != 0 || pc.BuildWindowMax != 0 {
		opts = append(opts, pool.WithBuildWindow(pc.BuildWindow.Std(), pc.BuildWindowMax))
	}

	var codeOf pool.CodeFunc = pool.DefaultCode
	if adapter != nil {
		if adapter.CodeOf != nil {
			codeOf = adapter.CodeOf
		}
		if pc.DriverFatalRules == nil || *pc.DriverFatalRules {
			opts = append(opts, pool.WithFatalRules(adapter.FatalRules...))
		}
	}
	if rules := pc.fatalRules(codeOf); len(rules) > 0 {
		opts = append(opts, pool.WithFatalRules(rules...))
	}
	return opts
}

func (pc *PoolConfig) fatalRules(codeOf pool.CodeFunc) []pool.FatalRule {
	rules := make([]pool.FatalRule, 0, len(pc.Fatal))
	for _, fr := range pc.Fatal {
		if fr.Message != "" {
			rules = append(rules, named(pool.MessageRule(fr.Message), fr.Name))
		}
		if len(fr.Codes) > 0 {
			rules = append(rules, named(pool.CodeRuleFunc(codeOf, fr.Codes...), fr.Name))
		}
	}
	return rules
}

func named(rule pool.FatalRule, name string) pool.FatalRule {
	if name != "" {
		rule.Name = name
	}
	return rule
}

// Apply 按配置在 Registry 中注册所有连接池。
// 出错时已注册的连接池保持注册状态，由调用方决定是否关闭。
func Apply(r *pool.Registry, cfg *Config, available map[string]adapters.Adapter) ([]*pool.ConnectionPool, error) {
	pools := make([]*pool.ConnectionPool, 0, len(cfg.Pools))
	for i := range cfg.Pools {
		pc := &cfg.Pools[i]
		adapter, ok := available[pc.Driver]
		if !ok {
			return pools, fmt.Errorf("pool %q: %w %q", pc.Alias, ErrUnknownDriver, pc.Driver)
		}
		p, err := r.Register(pc.Alias, adapter.Provider, pc.Options(&adapter)...)
		if err != nil {
			return pools, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}
