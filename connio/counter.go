package connio

import "sync/atomic"

// Counter observes successful transfers on a Handle. It is injected with
// WithCounter; handles without one skip the accounting.
type Counter interface {
	AddReceived(n int)
	AddSent(n int)
}

// ByteCounter is a Counter that keeps cumulative totals. It may be shared by
// several handles.
type ByteCounter struct {
	received atomic.Uint64
	sent     atomic.Uint64
}

// AddReceived implements Counter.
func (c *ByteCounter) AddReceived(n int) {
	c.received.Add(uint64(n))
}

// AddSent implements Counter.
func (c *ByteCounter) AddSent(n int) {
	c.sent.Add(uint64(n))
}

// Received returns the total bytes received.
func (c *ByteCounter) Received() uint64 {
	return c.received.Load()
}

// Sent returns the total bytes sent.
func (c *ByteCounter) Sent() uint64 {
	return c.sent.Load()
}
