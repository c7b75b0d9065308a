package leakwatch

import "sync"

// ErrorCell is the shared, dismissible error surface of a dashboard. It holds at most
// one error: the latest Set wins and nothing is queued. Components that report or
// display errors are handed the same *ErrorCell.
type ErrorCell struct {
	// notifyMu keeps subscriber calls in the same order as the writes.
	notifyMu sync.Mutex
	mu       sync.Mutex
	err      error
	nextID   int
	subs     map[int]func(error)
}

func NewErrorCell() *ErrorCell {
	return &ErrorCell{subs: make(map[int]func(error))}
}

// Set replaces the current error. Setting nil is equivalent to Dismiss.
func (c *ErrorCell) Set(err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.err = err
	subs := c.subscribers()
	c.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}

func (c *ErrorCell) Get() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dismiss clears the error until the next Set.
func (c *ErrorCell) Dismiss() {
	c.Set(nil)
}

// Subscribe registers fn to be called with the new value after every change.
// Calls are serialised, so the last value a subscriber saw is the current one.
// fn must not call Set or Dismiss. The returned func removes the subscription.
func (c *ErrorCell) Subscribe(fn func(error)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[int]func(error))
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *ErrorCell) subscribers() []func(error) {
	subs := make([]func(error), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return subs
}
