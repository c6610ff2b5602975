package chocola

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/elliotcourant/chocola/z"
	"github.com/pkg/errors"
)

const (
	futurePending int32 = iota
	futureRunning
	futureCancelled
)

type (
	// TxFunc is the body of a transaction or of a unit of work forked from one. tx is nil for units forked outside a
	// transaction.
	TxFunc func(tx *Tx) (interface{}, error)

	// Executor runs tasks concurrently. It is used for forked units of work, spawned effects and asynchronous
	// watches. Go must not run the task on the calling goroutine.
	Executor interface {
		Go(task func()) error
	}

	// throttledExecutor runs every task on its own goroutine and keeps track of them, so the engine can wait for
	// them when it is closed.
	throttledExecutor struct {
		throttle *z.Throttle
	}

	// unitCell holds the unit of work bound to a context. A fresh cell is installed every time work crosses over to
	// another goroutine, so a context never carries another goroutine's unit.
	unitCell struct {
		current atomic.Pointer[unit]
	}

	cellKey struct{}

	// unit is one unit of work: the root of an attempt, or a unit forked from it.
	unit struct {
		txn *transaction
		ws  *workingSet
		fn  TxFunc

		// tx is the handle given to fn, set when the unit is bound.
		tx *Tx

		// future is nil for the root unit.
		future *Future
	}

	// Future is the handle of a unit of work started by Fork.
	Future struct {
		// unit is nil for tasks forked outside of a transaction.
		unit *unit

		state  int32
		done   chan struct{}
		result interface{}
		err    error
	}
)

func newThrottledExecutor(max int) *throttledExecutor {
	return &throttledExecutor{
		throttle: z.NewThrottle(max),
	}
}

func (e *throttledExecutor) Go(task func()) error {
	return e.throttle.Go(func() error {
		task()
		return nil
	})
}

// running returns the number of tasks that have not finished yet.
func (e *throttledExecutor) running() int {
	return e.throttle.Running()
}

func (e *throttledExecutor) finish() error {
	return e.throttle.Finish()
}

// withCell returns a context with an empty unit cell.
func withCell(ctx context.Context) context.Context {
	return context.WithValue(ctx, cellKey{}, &unitCell{})
}

// boundUnit returns the unit bound to the context, if there is one.
func boundUnit(ctx context.Context) *unit {
	cell, ok := ctx.Value(cellKey{}).(*unitCell)
	if !ok {
		return nil
	}

	return cell.current.Load()
}

// run binds the unit to the context's cell and runs its function.
func (u *unit) run(ctx context.Context) (interface{}, error) {
	if !u.ws.live() {
		return nil, ErrStopped
	}

	cell, ok := ctx.Value(cellKey{}).(*unitCell)
	if !ok {
		ctx = withCell(ctx)
		cell = ctx.Value(cellKey{}).(*unitCell)
	}

	if !cell.current.CompareAndSwap(nil, u) {
		return nil, illegalState("a unit of work is already bound to this context")
	}
	defer cell.current.Store(nil)

	u.tx = &Tx{unit: u, ctx: ctx}
	return u.fn(u.tx)
}

// runAndJoin runs the unit and then waits for every unit forked during the attempt, merging each into this unit's
// working set. Units forked while waiting are waited for as well. After a failure the attempt is stopped, but every
// unit is still waited for so none of them is left touching refs.
func (u *unit) runAndJoin(ctx context.Context) (interface{}, error) {
	value, err := u.run(ctx)
	if err != nil {
		u.txn.stop(Retry)
	}

	for i := 0; ; i++ {
		child, ok := u.txn.unitAt(i)
		if !ok {
			break
		}

		<-child.future.done
		if err != nil || child.future.Cancelled() {
			continue
		}

		if child.future.err != nil {
			err = errors.Wrap(child.future.err, "forked unit of work failed")
			u.txn.stop(Retry)
			continue
		}

		if err = u.ws.merge(child.ws); err != nil {
			u.txn.stop(Retry)
		}
	}

	return value, err
}

// fork starts a child unit of work that sees this unit's values as they are now.
func (u *unit) fork(fn TxFunc) (*Future, error) {
	if !u.ws.live() {
		return nil, ErrStopped
	}

	child := &unit{
		txn: u.txn,
		ws:  u.ws.fork(),
		fn:  fn,
	}
	child.future = newFuture(child)

	ctx := withCell(u.tx.ctx)
	u.txn.register(child)
	if err := u.txn.engine.executor.Go(func() {
		child.future.execute(func() (interface{}, error) {
			return child.run(ctx)
		})
	}); err != nil {
		// The unit is registered, so it has to finish for the attempt to be able to end.
		child.future.execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, errors.Wrap(err, "could not start unit of work")
	}

	return child.future, nil
}

func newFuture(u *unit) *Future {
	return &Future{
		unit: u,
		done: make(chan struct{}),
	}
}

// execute runs task unless the future was cancelled first. A panic in task becomes the future's error.
func (f *Future) execute(task func() (interface{}, error)) {
	if !atomic.CompareAndSwapInt32(&f.state, futurePending, futureRunning) {
		return
	}

	var (
		result interface{}
		err    error
	)

	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("unit of work panicked: %v", p)
		}

		f.complete(result, err)
	}()

	result, err = task()
}

func (f *Future) complete(result interface{}, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Join waits for the unit of work to finish and returns its result. If tx is not nil the unit's writes are merged
// into tx's unit of work, which does not have to be the unit that forked it. An error returned by the unit is wrapped,
// errors.Cause returns the original.
func (f *Future) Join(tx *Tx) (interface{}, error) {
	<-f.done
	return f.settle(tx)
}

// JoinTimeout is like Join but gives up with ErrTimeout if the unit of work has not finished within timeout.
func (f *Future) JoinTimeout(tx *Tx, timeout time.Duration) (interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.settle(tx)
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (f *Future) settle(tx *Tx) (interface{}, error) {
	joining := tx != nil && f.unit != nil
	if joining && tx.unit.ws.info != f.unit.ws.info {
		// Before the unit's own error, which is usually ErrStopped for a unit of a stopped attempt.
		return nil, illegalState("cannot join a unit of work from another transaction attempt")
	}

	if f.Cancelled() {
		return nil, ErrCancelled
	}

	if f.err != nil {
		return nil, errors.Wrap(f.err, "unit of work failed")
	}

	if joining {
		if err := tx.unit.ws.merge(f.unit.ws); err != nil {
			return nil, err
		}
	}

	return f.result, nil
}

// Cancel stops the unit of work from running if it has not started yet, and reports whether it did.
func (f *Future) Cancel() bool {
	if !atomic.CompareAndSwapInt32(&f.state, futurePending, futureCancelled) {
		return false
	}

	f.complete(nil, ErrCancelled)
	return true
}

// Cancelled reports whether the unit of work was cancelled before it started.
func (f *Future) Cancelled() bool {
	return atomic.LoadInt32(&f.state) == futureCancelled
}

// Done reports whether the unit of work has finished, so Join will not block.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait returns a channel that is closed once the unit of work has finished.
func (f *Future) Wait() <-chan struct{} {
	return f.done
}
