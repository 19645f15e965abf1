package coordinator

import (
	"sync/atomic"
	"time"
)

// clock hands out strictly increasing millisecond timestamps.
type clock struct {
	last atomic.Int64
}

func (c *clock) next() int64 {
	for {
		now := time.Now().UnixMilli()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
