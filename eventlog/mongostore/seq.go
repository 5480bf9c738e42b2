package mongostore

import "sync/atomic"

// atomicCounter hands out a monotonically increasing sequence number that
// Query sorts on instead of timestamp, since two entries appended in the
// same millisecond must still sort in append order.
type atomicCounter struct{ v int64 }

func (c *atomicCounter) next() int64 {
	return atomic.AddInt64(&c.v, 1)
}
