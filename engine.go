package chocola

import (
	"context"
	"sync"

	"github.com/elliotcourant/chocola/options"
	"github.com/elliotcourant/chocola/z"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

type (
	// Engine runs transactions over the refs it created. Refs of one engine cannot be used in transactions of another.
	Engine struct {
		opts Options

		oracle     *oracle
		executor   Executor
		dispatcher Dispatcher
		metrics    *metrics
		logger     Logger
		eventLog   trace.EventLog

		// throttled is the default executor, nil when Options.Executor was set.
		throttled *throttledExecutor

		// closeLock guards closed. Transactions hold it for reading while they register in inflight.
		closeLock sync.RWMutex
		closed    bool
		inflight  sync.WaitGroup

		// closeOnce is used to make sure that the engine can only be closed once.
		closeOnce sync.Once
	}
)

// Open returns a new Engine configured by opts.
func Open(opts Options) (*Engine, error) {
	if opts.RetryLimit <= 0 {
		return nil, errors.Errorf("invalid RetryLimit %d, must be positive", opts.RetryLimit)
	}

	if opts.LockWait <= 0 {
		return nil, errors.Errorf("invalid LockWait %s, must be positive", opts.LockWait)
	}

	if opts.BargeWait < 0 {
		return nil, errors.Errorf("invalid BargeWait %s, must not be negative", opts.BargeWait)
	}

	if opts.DefaultMinHistory < 0 || opts.DefaultMaxHistory < 0 {
		return nil, errors.Errorf(
			"invalid history bounds [%d, %d], must not be negative",
			opts.DefaultMinHistory,
			opts.DefaultMaxHistory,
		)
	}

	if opts.Executor == nil && opts.MaxForkedUnits <= 0 {
		return nil, errors.Errorf("invalid MaxForkedUnits %d, must be positive", opts.MaxForkedUnits)
	}

	if opts.BloomThreshold > 0 && (opts.BloomFalsePositive <= 0 || opts.BloomFalsePositive >= 1) {
		return nil, errors.Errorf("invalid BloomFalsePositive %f, must be between 0 and 1", opts.BloomFalsePositive)
	}

	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	e := &Engine{
		opts:     opts,
		oracle:   newOracle(opts),
		executor: opts.Executor,
		logger:   opts.Logger,
	}

	var running func() int
	if e.executor == nil {
		e.throttled = newThrottledExecutor(opts.MaxForkedUnits)
		e.executor = e.throttled
		running = e.throttled.running
	}

	m, err := newMetrics(opts.MetricsRegisterer, running)
	if err != nil {
		e.oracle.stop()
		return nil, err
	}
	e.metrics = m
	e.eventLog = z.NewEventLog("chocola.Engine", "Transactions", opts.EventLogging)

	e.dispatcher = opts.Dispatcher
	if e.dispatcher == nil {
		e.dispatcher = &executorDispatcher{
			executor: e.executor,
			logger:   e.logger,
		}
	}

	e.logger.Infof("engine opened, notify mode %s", opts.NotifyMode)
	return e, nil
}

// Close stops accepting transactions, waits for the running ones and for the units, spawned tasks and watches the
// default executor is running, and then stops the engine.
func (e *Engine) Close() (err error) {
	e.closeOnce.Do(func() {
		e.closeLock.Lock()
		e.closed = true
		e.closeLock.Unlock()

		e.inflight.Wait()
		if e.throttled != nil {
			err = e.throttled.finish()
		}

		// Watches handed to a custom executor are still waited for.
		if syncErr := e.waitForDelivery(context.Background()); syncErr != nil && err == nil {
			err = syncErr
		}

		e.oracle.stop()
		e.eventLog.Finish()
		e.logger.Infof("engine closed")
	})

	return err
}

func (e *Engine) enter() error {
	e.closeLock.RLock()
	defer e.closeLock.RUnlock()

	if e.closed {
		return ErrClosed
	}

	e.inflight.Add(1)
	return nil
}

func (e *Engine) leave() {
	e.inflight.Done()
}

// NewRef creates a ref holding initial. An error is returned if the ref's validator rejects initial.
func (e *Engine) NewRef(initial interface{}, opts ...RefOption) (*Ref, error) {
	r := newRef(e, opts)
	if err := r.validate(initial); err != nil {
		return nil, err
	}

	min, max := r.historyBounds()
	capacity := max
	if min > capacity {
		capacity = min
	}
	r.history.bind(initial, 0, capacity+1)

	return r, nil
}

// NewUnboundRef creates a ref without a value. Reading it fails with ErrUnbound until a transaction sets it.
func (e *Engine) NewUnboundRef(opts ...RefOption) *Ref {
	return newRef(e, opts)
}

// Run runs fn in a transaction and returns its result once the transaction committed. fn may be called many times,
// every time a conflict forces the transaction to start over, so it should not have side effects other than through
// refs and the Tx's deferred effects.
//
// If ctx belongs to a running transaction of this engine, see Tx.Context, fn is run as part of that transaction.
func (e *Engine) Run(ctx context.Context, fn TxFunc) (interface{}, error) {
	if u := boundUnit(ctx); u != nil {
		if u.txn.engine != e {
			return nil, illegalState("context belongs to a transaction of another engine")
		}

		return u.tx.Run(fn)
	}

	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	return newTransaction(e).run(ctx, fn)
}

// Fork starts fn concurrently. If ctx belongs to a running transaction the new unit of work is part of it, see
// Tx.Fork. Otherwise fn is called with a nil Tx.
func (e *Engine) Fork(ctx context.Context, fn TxFunc) (*Future, error) {
	if u := boundUnit(ctx); u != nil {
		if u.txn.engine != e {
			return nil, illegalState("context belongs to a transaction of another engine")
		}

		return u.fork(fn)
	}

	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	f := newFuture(nil)
	if err := e.executor.Go(func() {
		f.execute(func() (interface{}, error) {
			return fn(nil)
		})
	}); err != nil {
		return nil, errors.Wrap(err, "could not start task")
	}

	return f, nil
}

// Sync waits until every transaction that committed before Sync was called has delivered its effects and watches.
// It returns ErrClosed once the engine has been closed, Close already waited for everything.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	return e.waitForDelivery(ctx)
}

func (e *Engine) waitForDelivery(ctx context.Context) error {
	return e.oracle.commitMark.WaitForMark(ctx, e.oracle.commitMark.LastIndex())
}

// deliver hands a committed transaction's effects to the dispatcher and calls the watches of the refs it wrote.
func (e *Engine) deliver(commitPoint uint64, effects Effects, notifications []notification) {
	if !effects.empty() {
		e.dispatcher.Dispatch(effects)
	}

	notify := func() {
		for _, n := range notifications {
			n.ref.notifyWatches(n.oldValue, n.newValue)
		}
		e.oracle.doneCommit(commitPoint)
	}

	if len(notifications) == 0 || e.opts.NotifyMode == options.Synchronous {
		notify()
		return
	}

	if err := e.executor.Go(notify); err != nil {
		e.logger.Warningf("could not deliver watches asynchronously: %v", err)
		notify()
	}
}
