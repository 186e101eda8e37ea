package pool

import (
	"sync/atomic"
	"time"
)

// 三个状态计数打包在一个 64 位字中，状态迁移是一次原子加法，读取到的快照总是一致的。
const (
	counterBits    = 20
	counterMask    = 1<<counterBits - 1
	availableShift = 0
	activeShift    = counterBits
	offlineShift   = 2 * counterBits
)

type counters struct {
	v atomic.Uint64
}

func unit(s Status) uint64 {
	switch s {
	case StatusAvailable:
		return 1 << availableShift
	case StatusActive:
		return 1 << activeShift
	case StatusOffline:
		return 1 << offlineShift
	}
	return 0
}

func (c *counters) add(s Status) {
	c.v.Add(unit(s))
}

func (c *counters) remove(s Status) {
	c.v.Add(-unit(s))
}

// move 把一个连接从 from 计数转到 to 计数
func (c *counters) move(from, to Status) {
	c.v.Add(unit(to) - unit(from))
}

func (c *counters) load() (available, active, offline int) {
	v := c.v.Load()
	return int(v >> availableShift & counterMask),
		int(v >> activeShift & counterMask),
		int(v >> offlineShift & counterMask)
}

// Snapshot 是连接池在某一时刻的统计信息
type Snapshot struct {
	Alias      string
	InstanceID string
	Up         bool

	// Total 包括正在建立的连接
	Total      int
	Active     int
	Available  int
	Offline    int
	BeingBuilt int

	MinimumSize int
	MaximumSize int
	SpareTarget int

	// Served 是成功借出的次数
	Served int64
	// Refused 是借出失败的次数
	Refused int64

	BuildFailures int64
	FatalErrors   int64
	Expired       int64

	CreatedAt time.Time
	TakenAt   time.Time
}
