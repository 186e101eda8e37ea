package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listeners 是线程安全的观察者列表。
// 观察者按加入顺序收到通知，允许重复加入。
// 列表以不可变快照保存：Add/Remove 在写锁内生成新快照并整体替换，Notify 只读取一次快照，
// 因此增删操作要么完全先于、要么完全晚于一次通知。
// 分发时不持有任何锁，观察者可以在回调中增删观察者或再次触发通知，改动从下一次通知开始生效。
type Listeners[T comparable] struct {
	mu        sync.Mutex
	observers atomic.Pointer[[]T]
	logger    *zap.Logger
}

// NewListeners 创建一个观察者列表，通知失败时写入 logger
func NewListeners[T comparable](logger *zap.Logger) *Listeners[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listeners[T]{logger: logger}
}

func (l *Listeners[T]) snapshot() []T {
	if p := l.observers.Load(); p != nil {
		return *p
	}
	return nil
}

// Add 在列表末尾加入观察者
func (l *Listeners[T]) Add(o T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snapshot()
	next := make([]T, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, o)
	l.observers.Store(&next)
}

// Remove 移除最早加入的一个相同观察者，返回它是否存在
func (l *Listeners[T]) Remove(o T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snapshot()
	for i, existing := range cur {
		if existing == o {
			next := make([]T, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			l.observers.Store(&next)
			return true
		}
	}
	return false
}

// Len 返回观察者数量
func (l *Listeners[T]) Len() int {
	return len(l.snapshot())
}

// Notify 依次对每个观察者调用 fn，返回失败的观察者数量。
// 单个观察者返回错误或 panic 只会被记录，不影响其余观察者。
func (l *Listeners[T]) Notify(event string, fn func(T) error) int {
	failed := 0
	for i, o := range l.snapshot() {
		if err := dispatch(o, fn); err != nil {
			failed++
			l.logger.Error("observer failed",
				zap.String("event", event),
				zap.Int("observer", i),
				zap.Error(err))
		}
	}
	return failed
}

func dispatch[T any](o T, fn func(T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	return fn(o)
}
