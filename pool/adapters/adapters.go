// Package adapters 为常见后端提供 pool.Provider 实现及其致命错误规则。
package adapters

import (
	"sort"

	"github.com/fyerfyer/connkeeper/pool"
)

// Adapter 组合一种后端的 Provider 和它的默认致命错误规则
type Adapter struct {
	Provider   pool.Provider
	FatalRules []pool.FatalRule
	// CodeOf 从该后端的错误中提取数字错误码，为空时使用 pool.DefaultCode
	CodeOf pool.CodeFunc
}

// Builtin 返回以驱动名为键的内置适配器
func Builtin() map[string]Adapter {
	return map[string]Adapter{
		"redis": {Provider: NewRedisProvider(nil), FatalRules: RedisFatalRules()},
		"grpc":  {Provider: NewGRPCProvider(nil), FatalRules: GRPCFatalRules(), CodeOf: GRPCCode},
		"sql":   {Provider: NewSQLProvider(nil), FatalRules: SQLFatalRules()},
		"http":  {Provider: NewHTTPProvider(nil), FatalRules: HTTPFatalRules()},
		"tcp":   {Provider: NewTCPProvider(nil), FatalRules: TCPFatalRules()},
	}
}

// Drivers 返回排序后的内置驱动名
func Drivers() []string {
	names := make([]string, 0, 5)
	for name := range Builtin() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
