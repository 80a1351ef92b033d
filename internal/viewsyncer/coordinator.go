package viewsyncer

import (
	"context"
	"sync"
	"time"
)

// Coordinator batches items and hands them to a flush function at most once
// per interval. The caller that finds the interval elapsed takes the baton
// and flushes everything queued so far; items added meanwhile wait for the
// next holder. Only one flush runs at a time.
type Coordinator[T any] struct {
	interval time.Duration
	flush    func(ctx context.Context, items []T) error
	now      func() time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []T
	holding   bool
	lastFlush time.Time
}

func NewCoordinator[T any](interval time.Duration, flush func(ctx context.Context, items []T) error) *Coordinator[T] {
	c := &Coordinator[T]{
		interval: interval,
		flush:    flush,
		now:      time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Add queues items for the next flush.
func (c *Coordinator[T]) Add(items ...T) {
	c.mu.Lock()
	c.pending = append(c.pending, items...)
	c.mu.Unlock()
}

// Pending returns the number of queued items.
func (c *Coordinator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FlushIfDue flushes when the interval has elapsed and nobody holds the
// baton. It reports whether this call flushed.
func (c *Coordinator[T]) FlushIfDue(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.holding || len(c.pending) == 0 || c.now().Sub(c.lastFlush) < c.interval {
		c.mu.Unlock()
		return false, nil
	}
	items := c.take()
	c.mu.Unlock()
	return true, c.run(ctx, items)
}

// Flush waits for the baton and flushes whatever is queued.
func (c *Coordinator[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	for c.holding {
		c.cond.Wait()
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	items := c.take()
	c.mu.Unlock()
	return c.run(ctx, items)
}

// take must be called with mu held.
func (c *Coordinator[T]) take() []T {
	c.holding = true
	items := c.pending
	c.pending = nil
	return items
}

func (c *Coordinator[T]) run(ctx context.Context, items []T) (err error) {
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			// requeue ahead of anything added during the flush
			c.pending = append(items, c.pending...)
		} else {
			c.lastFlush = c.now()
		}
		c.holding = false
		c.cond.Broadcast()
	}()
	return c.flush(ctx, items)
}
