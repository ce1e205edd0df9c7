// Package metrics provides the process-wide counters the record store and
// the batch operations report through.
package metrics

import "sync/atomic"

// Counter holds a monotonically adjustable int64, safe for concurrent use.
type Counter struct {
	count int64
}

// NewCounter constructs a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by the given amount.
func (c *Counter) Inc(n int64) {
	atomic.AddInt64(&c.count, n)
}

// Count returns the counter's current value.
func (c *Counter) Count() int64 {
	return atomic.LoadInt64(&c.count)
}
