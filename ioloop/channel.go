//go:build linux

package ioloop

import "sync"

// Channel is an owning handle on one fd within a Loop: at most one
// readable callback and one writable callback, each one-shot and cleared
// after invocation.
type Channel struct {
	loop *Loop
	fd   int

	mu      sync.Mutex
	onRead  func(Events)
	onWrite func(Events)
	closed  bool
}

// FD returns the underlying file descriptor.
func (c *Channel) FD() int { return c.fd }

// SetReadable installs the one-shot readable callback, replacing any
// previously set one.
func (c *Channel) SetReadable(cb func(Events)) {
	c.mu.Lock()
	c.onRead = cb
	c.mu.Unlock()
}

// SetWritable installs the one-shot writable callback, replacing any
// previously set one.
func (c *Channel) SetWritable(cb func(Events)) {
	c.mu.Lock()
	c.onWrite = cb
	c.mu.Unlock()
}

// Modify updates the epoll interest set for this channel's fd.
func (c *Channel) Modify(events Events) error {
	return c.loop.modify(c.fd, events)
}

// Close deregisters the channel from its loop. Idempotent: a second Close
// is a no-op, matching "deregistration from the loop is idempotent".
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.loop.deregister(c.fd)
}

func (c *Channel) fireReadable(ev Events) {
	c.mu.Lock()
	cb := c.onRead
	c.onRead = nil
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (c *Channel) fireWritable(ev Events) {
	c.mu.Lock()
	cb := c.onWrite
	c.onWrite = nil
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
