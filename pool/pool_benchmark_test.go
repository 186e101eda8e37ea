package pool

import (
	"context"
	"testing"
	"time"
)

// 性能基准测试
func BenchmarkConnectionPool(b *testing.B) {
	def := DefaultDefinition("bench")
	def.MaximumSize = 100
	def.MinimumSize = 50
	p := newConnectionPool(def, &mockProvider{})

	ctx := context.Background()
	if _, err := p.prototyper.sweep(ctx); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := p.Acquire(ctx)
			if err != nil {
				continue
			}
			// 模拟使用连接
			time.Sleep(time.Microsecond)
			pc.Close()
		}
	})
	b.StopTimer()

	p.Shutdown(ctx)
}

func BenchmarkListenersNotify(b *testing.B) {
	l := NewListeners[int](nil)
	for i := 0; i < 8; i++ {
		l.Add(i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Notify("bench", func(int) error { return nil })
		}
	})
}
