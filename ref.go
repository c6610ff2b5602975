package chocola

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgryski/go-farm"
	"golang.org/x/sync/semaphore"
)

// refLockWeight is the weight a writer takes on a ref's semaphore, readers take one.
const refLockWeight = 1 << 30

type (
	// UpdateFunc computes a ref's new value from its current one. It is used by Alter and Commute.
	UpdateFunc func(value interface{}, args ...interface{}) (interface{}, error)

	// Validator is called with every value about to be committed to a ref. A non-nil error rejects the commit.
	Validator func(value interface{}) error

	// ResolveFunc is called when a forked unit of work is joined and both it and the joining unit wrote the same ref.
	// original is the value the forked unit started from.
	ResolveFunc func(original, parent, child interface{}) (interface{}, error)

	// WatchFunc is called after a transaction that wrote the ref committed.
	WatchFunc func(key string, ref *Ref, oldValue, newValue interface{})

	// RefOption configures a ref when it is created.
	RefOption func(r *Ref)

	// Ref is a shared, versioned memory cell. It may only be changed inside a transaction run by the engine that
	// created it, and can be read from anywhere.
	Ref struct {
		id          uint64
		fingerprint uint64
		engine      *Engine

		// lock is used as a read write lock. Writers acquire refLockWeight, readers acquire 1. Unlike sync.RWMutex
		// acquiring can be bounded by a context.
		lock *semaphore.Weighted

		// history and latestWriter are guarded by lock.
		history history

		// latestWriter is the transaction that holds, or last held, the right to commit this ref.
		latestWriter *Info

		// faults is incremented every time a read found no version old enough.
		faults int32

		// configLock guards everything below it.
		configLock sync.RWMutex
		minHistory int
		maxHistory int
		validator  Validator
		resolver   ResolveFunc
		watches    map[string]WatchFunc
	}
)

// WithMinHistory sets the minimum number of old versions kept by the ref.
func WithMinHistory(n int) RefOption {
	return func(r *Ref) {
		r.minHistory = n
	}
}

// WithMaxHistory sets the maximum number of old versions kept by the ref.
func WithMaxHistory(n int) RefOption {
	return func(r *Ref) {
		r.maxHistory = n
	}
}

// WithValidator sets the validator of the ref. A ref created with an initial value fails to be created if the value
// is rejected.
func WithValidator(validator Validator) RefOption {
	return func(r *Ref) {
		r.validator = validator
	}
}

// WithResolver sets the function used to resolve conflicting writes when forked units of work are joined.
func WithResolver(resolver ResolveFunc) RefOption {
	return func(r *Ref) {
		r.resolver = resolver
	}
}

func newRef(engine *Engine, opts []RefOption) *Ref {
	id := engine.oracle.nextRefId()

	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, id)

	r := &Ref{
		id:          id,
		fingerprint: farm.Fingerprint64(idBytes),
		engine:      engine,
		lock:        semaphore.NewWeighted(refLockWeight),
		minHistory:  engine.opts.DefaultMinHistory,
		maxHistory:  engine.opts.DefaultMaxHistory,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ID returns the ref's identity. Refs created later have larger ids.
func (r *Ref) ID() uint64 {
	return r.id
}

func (r *Ref) String() string {
	return fmt.Sprintf("Ref(%d)", r.id)
}

// Deref returns the newest committed value of the ref, ignoring any transaction.
func (r *Ref) Deref() (interface{}, error) {
	r.readLock()
	defer r.readUnlock()

	if !r.history.bound() {
		return nil, ErrUnbound
	}

	return r.history.newest().value, nil
}

// Get returns the ref's value as seen by the transaction. That is the value the transaction gave it, or else the
// newest value committed before the transaction started. With a nil tx it behaves like Deref.
func (r *Ref) Get(tx *Tx) (interface{}, error) {
	if tx == nil {
		return r.Deref()
	}

	ws, err := r.workingSet(tx)
	if err != nil {
		return nil, err
	}

	return ws.doGet(r)
}

// Set gives the ref a new value within the transaction and returns it. The value is committed along with the rest of
// the transaction. A ref that was commuted in the same unit of work cannot be set.
func (r *Ref) Set(tx *Tx, value interface{}) (interface{}, error) {
	ws, err := r.workingSet(tx)
	if err != nil {
		return nil, err
	}

	return ws.doSet(r, value)
}

// Alter sets the ref to the result of fn applied to its current value and args.
func (r *Ref) Alter(tx *Tx, fn UpdateFunc, args ...interface{}) (interface{}, error) {
	ws, err := r.workingSet(tx)
	if err != nil {
		return nil, err
	}

	current, err := ws.doGet(r)
	if err != nil {
		return nil, err
	}

	value, err := fn(current, args...)
	if err != nil {
		return nil, err
	}

	return ws.doSet(r, value)
}

// Ensure protects the ref from being written by other transactions until the transaction commits, without writing
// it.
func (r *Ref) Ensure(tx *Tx) error {
	ws, err := r.workingSet(tx)
	if err != nil {
		return err
	}

	return ws.doEnsure(r)
}

// Commute applies fn to the ref's value in the transaction and returns the result. When the transaction commits, fn
// is applied again to the newest committed value, so fn must give the same result regardless of the order in which
// concurrent commutes are applied.
func (r *Ref) Commute(tx *Tx, fn UpdateFunc, args ...interface{}) (interface{}, error) {
	ws, err := r.workingSet(tx)
	if err != nil {
		return nil, err
	}

	return ws.doCommute(r, fn, args)
}

func (r *Ref) workingSet(tx *Tx) (*workingSet, error) {
	if tx == nil {
		return nil, illegalState("no transaction running")
	}

	if tx.unit.txn.engine != r.engine {
		return nil, illegalState(fmt.Sprintf("%s belongs to another engine", r))
	}

	return tx.unit.ws, nil
}

// MinHistory returns the minimum number of old versions kept by the ref.
func (r *Ref) MinHistory() int {
	r.configLock.RLock()
	defer r.configLock.RUnlock()
	return r.minHistory
}

// SetMinHistory changes the minimum number of old versions kept by the ref, starting with the next commit.
func (r *Ref) SetMinHistory(n int) {
	r.configLock.Lock()
	defer r.configLock.Unlock()
	r.minHistory = n
}

// MaxHistory returns the maximum number of old versions kept by the ref.
func (r *Ref) MaxHistory() int {
	r.configLock.RLock()
	defer r.configLock.RUnlock()
	return r.maxHistory
}

// SetMaxHistory changes the maximum number of old versions kept by the ref, starting with the next commit.
func (r *Ref) SetMaxHistory(n int) {
	r.configLock.Lock()
	defer r.configLock.Unlock()
	r.maxHistory = n
}

// HistoryCount returns the number of old versions currently kept besides the newest one.
func (r *Ref) HistoryCount() int {
	r.readLock()
	defer r.readUnlock()
	return r.history.count()
}

// TrimHistory drops every old version of the ref. Transactions that need one of them will retry.
func (r *Ref) TrimHistory() {
	r.writeLock()
	defer r.writeUnlock()
	r.history.trim()
}

// SetValidator replaces the ref's validator. The current value must pass the new validator, otherwise a
// *ValidationError is returned and the validator is left unchanged. A nil validator removes it.
func (r *Ref) SetValidator(validator Validator) error {
	if validator != nil {
		if current, err := r.Deref(); err == nil {
			if err := validator(current); err != nil {
				return &ValidationError{Ref: r, Value: current, Err: err}
			}
		}
	}

	r.configLock.Lock()
	defer r.configLock.Unlock()
	r.validator = validator
	return nil
}

// SetResolver replaces the function used to resolve conflicting writes between forked units of work.
func (r *Ref) SetResolver(resolver ResolveFunc) {
	r.configLock.Lock()
	defer r.configLock.Unlock()
	r.resolver = resolver
}

// AddWatch registers fn under key. It replaces any watch already registered under the same key.
func (r *Ref) AddWatch(key string, fn WatchFunc) {
	r.configLock.Lock()
	defer r.configLock.Unlock()

	if r.watches == nil {
		r.watches = map[string]WatchFunc{}
	}

	r.watches[key] = fn
}

// RemoveWatch removes the watch registered under key.
func (r *Ref) RemoveWatch(key string) {
	r.configLock.Lock()
	defer r.configLock.Unlock()
	delete(r.watches, key)
}

func (r *Ref) historyBounds() (min, max int) {
	r.configLock.RLock()
	defer r.configLock.RUnlock()
	return r.minHistory, r.maxHistory
}

func (r *Ref) resolveFunc() ResolveFunc {
	r.configLock.RLock()
	defer r.configLock.RUnlock()
	return r.resolver
}

func (r *Ref) hasWatches() bool {
	r.configLock.RLock()
	defer r.configLock.RUnlock()
	return len(r.watches) > 0
}

func (r *Ref) validate(value interface{}) error {
	r.configLock.RLock()
	validator := r.validator
	r.configLock.RUnlock()

	if validator == nil {
		return nil
	}

	if err := validator(value); err != nil {
		return &ValidationError{Ref: r, Value: value, Err: err}
	}

	return nil
}

// notifyWatches calls every watch of the ref. A watch that panics is logged and does not stop the others.
func (r *Ref) notifyWatches(oldValue, newValue interface{}) {
	r.configLock.RLock()
	watches := make(map[string]WatchFunc, len(r.watches))
	for key, fn := range r.watches {
		watches[key] = fn
	}
	r.configLock.RUnlock()

	for key, fn := range watches {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.engine.logger.Warningf("watch %q on %s panicked: %v", key, r, p)
				}
			}()

			fn(key, r, oldValue, newValue)
		}()
	}
}

func (r *Ref) readLock() {
	// Acquire only fails when the context is done, which never happens for context.Background().
	_ = r.lock.Acquire(context.Background(), 1)
}

func (r *Ref) readUnlock() {
	r.lock.Release(1)
}

func (r *Ref) writeLock() {
	_ = r.lock.Acquire(context.Background(), refLockWeight)
}

// tryWriteLock waits at most wait for the write lock. Not getting it in time means the attempt has to retry.
func (r *Ref) tryWriteLock(wait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	if err := r.lock.Acquire(ctx, refLockWeight); err != nil {
		r.engine.metrics.lockTimeouts.Inc()
		return ErrRetry
	}

	return nil
}

func (r *Ref) writeUnlock() {
	r.lock.Release(refLockWeight)
}

// newerThan reports whether a version was committed after point. Must hold the lock.
func (r *Ref) newerThan(point uint64) bool {
	return r.history.bound() && r.history.newest().point > point
}

// newestValue returns the newest committed value, or nil for an unbound ref. Must hold the lock.
func (r *Ref) newestValue() interface{} {
	if !r.history.bound() {
		return nil
	}

	return r.history.newest().value
}

// valueBefore returns the newest value committed at or before point. bound is false for a ref that has never been
// committed. If the version has already been dropped from history the miss is counted as a fault and ErrRetry is
// returned.
func (r *Ref) valueBefore(point uint64) (value interface{}, bound bool, err error) {
	r.readLock()
	defer r.readUnlock()

	if !r.history.bound() {
		return nil, false, nil
	}

	if v, ok := r.history.visibleAt(point); ok {
		return v.value, true, nil
	}

	atomic.AddInt32(&r.faults, 1)
	r.engine.metrics.faults.Inc()
	return nil, true, ErrRetry
}

// lockWrite claims the ref for the working set's transaction. The write lock is only held while claiming, the claim
// itself is latestWriter pointing at the transaction's Info.
func (r *Ref) lockWrite(ws *workingSet) error {
	txn := ws.txn
	if err := r.tryWriteLock(txn.engine.opts.LockWait); err != nil {
		return err
	}

	if r.newerThan(txn.readPoint) {
		r.writeUnlock()
		return ErrRetry
	}

	if latest := r.latestWriter; latest != nil && latest != ws.info && latest.Running() {
		if !txn.barge(latest) {
			r.writeUnlock()
			return txn.blockAndBail(ws, latest)
		}
	}

	r.latestWriter = ws.info
	r.writeUnlock()
	return nil
}

// publish stores a committed value. A new slot is added when reads have been missing history and the ring is below
// maxHistory, or when it is below minHistory. Otherwise the oldest slot is reused. Must hold the write lock.
func (r *Ref) publish(value interface{}, point uint64) {
	min, max := r.historyBounds()

	switch {
	case !r.history.bound():
		capacity := max
		if min > capacity {
			capacity = min
		}
		r.history.bind(value, point, capacity+1)
	case (atomic.LoadInt32(&r.faults) > 0 && r.history.count() < max) || r.history.count() < min:
		r.history.push(value, point)
		atomic.StoreInt32(&r.faults, 0)
	default:
		r.history.recycle(value, point)
	}
}
