package chocola

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Status is the state of one attempt of a transaction.
type Status int32

const (
	// Running is the state of an attempt while its function is being run.
	Running Status = iota
	// Committing is the state of an attempt while it is taking locks and publishing its writes.
	Committing
	// Retry is the state of an attempt that was given up, the transaction will run again.
	Retry
	// Killed is the state of an attempt that was stopped by an older transaction.
	Killed
	// Committed is the state of an attempt whose writes are visible to everyone.
	Committed
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Committing:
		return "committing"
	case Retry:
		return "retry"
	case Killed:
		return "killed"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

type (
	// Info is the shared state of one attempt of a transaction. It is what other transactions look at to decide
	// whether they can take over a ref, and what a unit of work checks to find out if it should keep going.
	Info struct {
		status     int32
		startPoint uint64

		// latch is closed once the attempt stopped running.
		latch chan struct{}
		once  sync.Once
	}

	transaction struct {
		engine *Engine

		// info is the Info of the current attempt, nil between attempts.
		info atomic.Pointer[Info]

		// readPoint is the point the current attempt reads at. It is set before the attempt's units start.
		readPoint uint64

		// startPoint and startTime are taken on the first attempt, and decide which transaction may barge which.
		startPoint uint64
		startTime  time.Time

		// units are all the units of work forked during the current attempt, in the order they were forked.
		unitsLock sync.Mutex
		units     []*unit
	}
)

func newInfo(status Status, startPoint uint64) *Info {
	return &Info{
		status:     int32(status),
		startPoint: startPoint,
		latch:      make(chan struct{}),
	}
}

// Status returns the current status of the attempt.
func (i *Info) Status() Status {
	return Status(atomic.LoadInt32(&i.status))
}

// Running reports whether the attempt is still running or committing.
func (i *Info) Running() bool {
	status := i.Status()
	return status == Running || status == Committing
}

// Committed reports whether the attempt committed.
func (i *Info) Committed() bool {
	return i.Status() == Committed
}

// StartPoint returns the point the transaction started at. It is the same for every attempt of a transaction.
func (i *Info) StartPoint() uint64 {
	return i.startPoint
}

// Wait blocks until the attempt stopped running, or until the context is done.
func (i *Info) Wait(ctx context.Context) error {
	select {
	case <-i.latch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Info) compareAndSwap(old, new Status) bool {
	return atomic.CompareAndSwapInt32(&i.status, int32(old), int32(new))
}

func (i *Info) set(status Status) {
	atomic.StoreInt32(&i.status, int32(status))
}

func (i *Info) release() {
	i.once.Do(func() {
		close(i.latch)
	})
}

func newTransaction(engine *Engine) *transaction {
	return &transaction{
		engine: engine,
	}
}

// run runs fn until an attempt commits, fn fails with an error other than ErrRetry or ErrStopped, or the retry limit
// is reached.
func (t *transaction) run(ctx context.Context, fn TxFunc) (interface{}, error) {
	opts := t.engine.opts

	for attempt := 1; attempt <= opts.RetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t.readPoint = t.engine.oracle.nextPoint()
		if attempt == 1 {
			t.startPoint = t.readPoint
			t.startTime = time.Now()
		}

		info := newInfo(Running, t.startPoint)
		t.info.Store(info)
		t.resetUnits()
		t.engine.metrics.attempts.Inc()

		value, err := t.attempt(ctx, info, fn)
		if err == nil {
			t.engine.metrics.commits.Inc()
			t.engine.metrics.attemptsPerTransaction.Observe(float64(attempt))
			return value, nil
		}

		if !isRetryable(err) {
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				t.engine.metrics.validationFailures.Inc()
				t.engine.logger.Warningf("transaction %d rejected: %v", t.startPoint, err)
			}

			return nil, err
		}

		t.engine.metrics.retries.Inc()
		t.engine.eventLog.Printf("transaction %d attempt %d at %d retrying: %v", t.startPoint, attempt, t.readPoint, err)
		t.engine.logger.Debugf("transaction %d retrying after attempt %d: %v", t.startPoint, attempt, err)
	}

	t.engine.eventLog.Errorf("transaction %d reached the retry limit", t.startPoint)
	t.engine.logger.Warningf("transaction %d gave up after %d attempts", t.startPoint, opts.RetryLimit)
	return nil, errors.Wrapf(ErrRetryLimit, "gave up after %d attempts", opts.RetryLimit)
}

// attempt runs fn once as the root unit of work and commits if it and every forked unit finished cleanly. Whatever
// happens, the attempt is stopped and its working sets are released when attempt returns.
func (t *transaction) attempt(ctx context.Context, info *Info, fn TxFunc) (value interface{}, err error) {
	root := &unit{
		txn: t,
		ws:  newWorkingSet(t, info),
		fn:  fn,
	}

	defer func() {
		if p := recover(); p != nil {
			t.stop(Retry)
			t.awaitUnits()
			t.finish(root.ws)
			panic(p)
		}
	}()

	if value, err = root.runAndJoin(withCell(ctx)); err != nil {
		t.stop(Retry)
		t.finish(root.ws)
		return nil, err
	}

	if err = t.commit(root.ws); err != nil {
		return nil, err
	}

	return value, nil
}

func (t *transaction) currentInfo() *Info {
	return t.info.Load()
}

// stop ends the current attempt with the given status and releases anyone blocked on it. Only the first call for an
// attempt has any effect.
func (t *transaction) stop(status Status) {
	info := t.info.Swap(nil)
	if info == nil {
		return
	}

	info.set(status)
	info.release()
}

// finish releases the working sets of the attempt's units and returns the effects the root collected.
func (t *transaction) finish(root *workingSet) Effects {
	t.unitsLock.Lock()
	units := t.units
	t.unitsLock.Unlock()

	for _, u := range units {
		u.ws.release()
	}

	return root.release()
}

// barge kills the other transaction if this one has been running for longer than BargeWait and started before it.
func (t *transaction) barge(other *Info) bool {
	if time.Since(t.startTime) <= t.engine.opts.BargeWait || t.startPoint >= other.startPoint {
		return false
	}

	if !other.compareAndSwap(Running, Killed) {
		return false
	}

	other.release()
	t.engine.metrics.barges.Inc()
	t.engine.eventLog.Printf("transaction %d barged transaction %d", t.startPoint, other.startPoint)
	t.engine.logger.Debugf("transaction %d killed younger transaction %d", t.startPoint, other.startPoint)
	return true
}

// blockAndBail gives up the current attempt, waits a while for the other transaction to finish and then asks for a
// retry. The read locks of the calling unit are released before waiting, the other transaction may need them.
func (t *transaction) blockAndBail(ws *workingSet, other *Info) error {
	ws.releaseEnsures()
	t.stop(Retry)

	timer := time.NewTimer(t.engine.opts.LockWait)
	defer timer.Stop()

	select {
	case <-other.latch:
	case <-timer.C:
	}

	return ErrRetry
}

// commit makes the root working set's writes visible at a new commit point.
func (t *transaction) commit(ws *workingSet) (err error) {
	info := ws.info
	lockWait := t.engine.opts.LockWait

	var (
		locked        []*Ref
		lockedSet     = map[*Ref]struct{}{}
		notifications []notification
		commitPoint   uint64
	)

	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].writeUnlock()
		}

		if commitPoint == 0 {
			t.stop(Retry)
			t.finish(ws)
			return
		}

		t.stop(Committed)
		effects := t.finish(ws)
		t.engine.deliver(commitPoint, effects, notifications)
	}()

	if !info.compareAndSwap(Running, Committing) {
		return ErrRetry
	}

	commuted := make(map[*Ref]struct{}, len(ws.commutes))
	for ref := range ws.commutes {
		commuted[ref] = struct{}{}
	}

	for _, ref := range sortedRefs(commuted) {
		if _, ok := ws.sets[ref]; ok {
			continue
		}

		wasEnsured := ws.releaseIfEnsured(ref)
		if err := ref.tryWriteLock(lockWait); err != nil {
			return err
		}
		locked = append(locked, ref)
		lockedSet[ref] = struct{}{}

		if wasEnsured && ref.newerThan(t.readPoint) {
			return ErrRetry
		}

		if latest := ref.latestWriter; latest != nil && latest != info && latest.Running() {
			if !t.barge(latest) {
				return ErrRetry
			}
		}

		value := ref.newestValue()
		for _, call := range ws.commutes[ref] {
			if value, err = call.fn(value, call.args...); err != nil {
				return err
			}
		}

		ws.put(ref, value)
		ws.sets[ref] = struct{}{}
	}

	written := sortedRefs(ws.sets)
	for _, ref := range written {
		if _, ok := lockedSet[ref]; ok {
			continue
		}

		ws.releaseIfEnsured(ref)
		if err := ref.tryWriteLock(lockWait); err != nil {
			return err
		}
		locked = append(locked, ref)
		lockedSet[ref] = struct{}{}
	}

	for _, ref := range written {
		if err := ref.validate(ws.get(ref).value); err != nil {
			return err
		}
	}

	commitPoint = t.engine.oracle.nextCommitPoint()
	for _, ref := range written {
		oldValue := ref.newestValue()
		newValue := ws.get(ref).value
		ref.publish(newValue, commitPoint)

		if ref.hasWatches() {
			notifications = append(notifications, notification{
				ref:      ref,
				oldValue: oldValue,
				newValue: newValue,
			})
		}
	}

	info.set(Committed)
	return nil
}

func (t *transaction) register(u *unit) {
	t.unitsLock.Lock()
	defer t.unitsLock.Unlock()
	t.units = append(t.units, u)
}

// unitAt returns the i-th unit forked in the current attempt. The list only grows during an attempt, so it can be
// walked while units are still being forked.
func (t *transaction) unitAt(i int) (*unit, bool) {
	t.unitsLock.Lock()
	defer t.unitsLock.Unlock()

	if i >= len(t.units) {
		return nil, false
	}

	return t.units[i], true
}

func (t *transaction) resetUnits() {
	t.unitsLock.Lock()
	defer t.unitsLock.Unlock()
	t.units = nil
}

// awaitUnits blocks until every unit forked in the current attempt has finished.
func (t *transaction) awaitUnits() {
	for i := 0; ; i++ {
		u, ok := t.unitAt(i)
		if !ok {
			return
		}

		<-u.future.done
	}
}
