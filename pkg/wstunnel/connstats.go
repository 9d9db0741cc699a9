package wstunnel

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keeps track of currently open and total connection counts for
// an entity, plus cumulative transferred bytes for its session logs.
type ConnStats struct {
	count int32
	open  int32
	sent  int64
	rcvd  int64
}

// New adds one to the total connection count and returns the new total,
// usable as a connection id in logs.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count and accounts
// the finished connection's transfer totals.
func (c *ConnStats) Close(sent, rcvd int64) {
	atomic.AddInt32(&c.open, -1)
	atomic.AddInt64(&c.sent, sent)
	atomic.AddInt64(&c.rcvd, rcvd)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d, %s sent, %s rcvd]",
		atomic.LoadInt32(&c.open),
		atomic.LoadInt32(&c.count),
		sizestr.ToString(atomic.LoadInt64(&c.sent)),
		sizestr.ToString(atomic.LoadInt64(&c.rcvd)))
}
