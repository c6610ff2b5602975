package z

import (
	"sync"
)

type (
	// Closer holds the two things we need to close a goroutine and wait for it to finish: a chan to tell the goroutine
	// to shut down, and a WaitGroup with which to wait for it to finish shutting down.
	Closer struct {
		closed  chan struct{}
		once    sync.Once
		waiting sync.WaitGroup
	}
)

// NewCloser constructs a new Closer, with an initial count on the WaitGroup.
func NewCloser(initial int) *Closer {
	closer := &Closer{
		closed: make(chan struct{}),
	}
	closer.waiting.Add(initial)

	return closer
}

// Signal signals the HasBeenClosed signal. Calling it more than once is a no-op.
func (c *Closer) Signal() {
	c.once.Do(func() {
		close(c.closed)
	})
}

// HasBeenClosed gets signaled when Signal() is called.
func (c *Closer) HasBeenClosed() <-chan struct{} {
	return c.closed
}

// Done calls Done() on the WaitGroup.
func (c *Closer) Done() {
	c.waiting.Done()
}

// Wait waits on the WaitGroup. (It waits for NewCloser's initial value and Done calls to balance out.)
func (c *Closer) Wait() {
	c.waiting.Wait()
}

// SignalAndWait calls Signal(), then Wait().
func (c *Closer) SignalAndWait() {
	c.Signal()
	c.Wait()
}
