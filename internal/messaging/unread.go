package messaging

import "sync"

// UnreadCounter is the single owned total-unread badge for a viewer session.
// It only moves by delta; Reset is reserved for a full reload.
type UnreadCounter struct {
	mu       sync.Mutex
	value    int
	watchers []func(int)
}

// NewUnreadCounter returns a zeroed counter.
func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{}
}

// Value returns the current total.
func (c *UnreadCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Increment adds one.
func (c *UnreadCounter) Increment() {
	c.set(func(v int) int { return v + 1 })
}

// Decrement subtracts one, never going below zero.
func (c *UnreadCounter) Decrement() {
	c.set(func(v int) int {
		if v <= 0 {
			return 0
		}
		return v - 1
	})
}

// Reset replaces the total after a full reload.
func (c *UnreadCounter) Reset(value int) {
	if value < 0 {
		value = 0
	}
	c.set(func(int) int { return value })
}

// Watch registers fn to be called with every new value.
func (c *UnreadCounter) Watch(fn func(int)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *UnreadCounter) set(next func(int) int) {
	c.mu.Lock()
	previous := c.value
	c.value = next(previous)
	value := c.value
	watchers := append([]func(int){}, c.watchers...)
	c.mu.Unlock()

	if value == previous {
		return
	}
	for _, watcher := range watchers {
		watcher(value)
	}
}
