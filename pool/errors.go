package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded 表示连接池已达到最大连接数且没有可用连接
	ErrCapacityExceeded = errors.New("pool capacity exceeded")

	// ErrBuildThrottled 表示同时建立的连接过多
	ErrBuildThrottled = errors.New("connection build throttled")

	// ErrBuildFailed 表示物理连接建立失败
	ErrBuildFailed = errors.New("connection build failed")

	// ErrFatalConnection 表示操作暴露出连接已不可用
	ErrFatalConnection = errors.New("fatal connection error")

	// ErrPoolNotFound 表示别名对应的连接池不存在
	ErrPoolNotFound = errors.New("pool not found")

	// ErrPoolDown 表示连接池正在关闭或已关闭
	ErrPoolDown = errors.New("pool is down")

	// ErrPoolExists 表示别名已被注册
	ErrPoolExists = errors.New("pool already exists")

	// ErrRegistryClosed 表示注册表已关闭
	ErrRegistryClosed = errors.New("registry is closed")

	// ErrInvalidDefinition 表示连接池定义不合法
	ErrInvalidDefinition = errors.New("invalid pool definition")

	// ErrForeignConnection 表示连接不属于该连接池
	ErrForeignConnection = errors.New("connection does not belong to this pool")

	// ErrConnectionNotActive 表示连接未处于借出状态
	ErrConnectionNotActive = errors.New("connection is not active")
)

// FatalError 表示一次操作错误被判定为致命，对应连接已被下线
type FatalError struct {
	Alias  string
	ConnID int64
	Rule   string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pool %s: connection #%d is unusable (%s): %v", e.Alias, e.ConnID, e.Rule, e.Err)
}

// Unwrap 返回原始错误
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrFatalConnection) 成立
func (e *FatalError) Is(target error) bool {
	return target == ErrFatalConnection
}

// BuildError 表示 Provider 未能打开物理连接
type BuildError struct {
	Alias string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("pool %s: %v: %v", e.Alias, ErrBuildFailed, e.Err)
}

// Unwrap 返回 Provider 的错误
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrBuildFailed) 成立
func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailed
}

// Retryable 判断获取连接失败后稍后重试是否有意义
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPoolDown),
		errors.Is(err, ErrPoolNotFound),
		errors.Is(err, ErrRegistryClosed),
		errors.Is(err, ErrCapacityExceeded):
		return false
	case errors.Is(err, ErrBuildThrottled), errors.Is(err, ErrBuildFailed):
		return true
	}
	return false
}
