package poller

import (
	"context"
	"sync"
	"sync/atomic"
)

// Canceller owns the context of the single in-flight request.
type Canceller struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	seq      uint64
	inFlight atomic.Bool
}

// Begin derives the request context. done must be called when the request
// finishes; it is a no-op if Abort already ran.
func (c *Canceller) Begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.seq++
	seq := c.seq
	c.cancel = cancel
	c.inFlight.Store(true)
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.seq == seq {
			c.cancel = nil
			c.inFlight.Store(false)
		}
		c.mu.Unlock()
		cancel()
	}
}

// Abort cancels the in-flight request, if any. Safe to call repeatedly.
func (c *Canceller) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	c.inFlight.Store(false)
	return true
}

func (c *Canceller) InFlight() bool { return c.inFlight.Load() }
