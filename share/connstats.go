package wgshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total counts for an entity
// (connections on a gateway, channels on a connection)
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the total count and returns the new total, which callers use as an id
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the currently open count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the currently open count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// NumOpen returns the currently open count
func (c *ConnStats) NumOpen() int32 {
	return atomic.LoadInt32(&c.open)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
