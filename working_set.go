package chocola

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
)

type (
	// workingSet is everything one unit of work did within one attempt of a transaction. It is only touched by the
	// goroutine running the unit, and once the unit finished, by whoever merges it.
	workingSet struct {
		txn  *transaction
		info *Info

		// vals holds the provisional values. Its top layer belongs to this working set alone.
		vals *layer

		// snapshot is the layer of the parent that was visible when this working set was forked from it. It is nil
		// for the root working set and for children forked before the parent wrote anything.
		snapshot *layer

		// sets are the refs written with Set or Alter, as opposed to only commuted.
		sets map[*Ref]struct{}

		// commutes holds the commute calls per ref in the order they were made.
		commutes map[*Ref][]commuteCall

		// ensures counts the read locks held per ref. A ref can be held more than once after merging children that
		// ensured it too.
		ensures map[*Ref]int

		effects Effects

		// merged are the children already merged into this working set, directly or through another child.
		merged map[*workingSet]struct{}

		// claimed is set once the working set has been merged anywhere. Each working set is merged at most once.
		claimed int32
	}
)

func newWorkingSet(txn *transaction, info *Info) *workingSet {
	return &workingSet{
		txn:      txn,
		info:     info,
		vals:     newLayer(nil),
		sets:     map[*Ref]struct{}{},
		commutes: map[*Ref][]commuteCall{},
		ensures:  map[*Ref]int{},
		merged:   map[*workingSet]struct{}{},
	}
}

// fork creates a working set for a child unit of work. The child reads through the parent's values as they are right
// now. If the parent wrote anything, its current layer is frozen and shared with the child, and the parent continues
// on a new layer.
func (ws *workingSet) fork() *workingSet {
	opts := ws.txn.engine.opts
	child := newWorkingSet(ws.txn, ws.info)

	if ws.vals.empty() {
		child.snapshot = ws.vals.parent
		child.vals = newLayer(ws.vals.parent)
		return child
	}

	ws.vals.freeze(opts.BloomThreshold, opts.BloomFalsePositive)
	child.snapshot = ws.vals
	child.vals = newLayer(ws.vals)
	ws.vals = newLayer(ws.vals)

	return child
}

func (ws *workingSet) live() bool {
	return ws.info.Running()
}

func (ws *workingSet) get(ref *Ref) *entry {
	return ws.vals.get(ref)
}

func (ws *workingSet) put(ref *Ref, value interface{}) {
	ws.vals.put(ref, value)
}

func (ws *workingSet) doGet(ref *Ref) (interface{}, error) {
	if !ws.live() {
		return nil, ErrStopped
	}

	if e := ws.get(ref); e != nil {
		return e.value, nil
	}

	value, bound, err := ref.valueBefore(ws.txn.readPoint)
	if err != nil {
		return nil, err
	}

	if !bound {
		return nil, ErrUnbound
	}

	return value, nil
}

func (ws *workingSet) doSet(ref *Ref, value interface{}) (interface{}, error) {
	if !ws.live() {
		return nil, ErrStopped
	}

	if _, ok := ws.commutes[ref]; ok {
		return nil, illegalState("can't set after commute")
	}

	if _, ok := ws.sets[ref]; !ok {
		ws.releaseIfEnsured(ref)
		if err := ref.lockWrite(ws); err != nil {
			return nil, err
		}

		// Only after the claim, a failed Set must not leave a ref to commit without a value.
		ws.sets[ref] = struct{}{}
	}

	ws.put(ref, value)
	return value, nil
}

func (ws *workingSet) doEnsure(ref *Ref) error {
	if !ws.live() {
		return ErrStopped
	}

	if ws.ensures[ref] > 0 {
		return nil
	}

	ref.readLock()
	if ref.newerThan(ws.txn.readPoint) {
		ref.readUnlock()
		return ErrRetry
	}

	if latest := ref.latestWriter; latest != nil && latest.Running() {
		ref.readUnlock()
		if latest != ws.info {
			return ws.txn.blockAndBail(ws, latest)
		}

		// This transaction already holds the write claim, nobody else can commit the ref.
		return nil
	}

	ws.ensures[ref]++
	return nil
}

func (ws *workingSet) doCommute(ref *Ref, fn UpdateFunc, args []interface{}) (interface{}, error) {
	if !ws.live() {
		return nil, ErrStopped
	}

	if ws.get(ref) == nil {
		ref.readLock()
		value := ref.newestValue()
		ref.readUnlock()

		ws.put(ref, value)
	}

	ws.commutes[ref] = append(ws.commutes[ref], commuteCall{fn: fn, args: args})

	result, err := fn(ws.get(ref).value, args...)
	if err != nil {
		return nil, err
	}

	ws.put(ref, result)
	return result, nil
}

// releaseIfEnsured gives up every read lock held on the ref, and reports whether there was any.
func (ws *workingSet) releaseIfEnsured(ref *Ref) bool {
	count := ws.ensures[ref]
	if count == 0 {
		return false
	}

	for i := 0; i < count; i++ {
		ref.readUnlock()
	}
	delete(ws.ensures, ref)

	return true
}

func (ws *workingSet) releaseEnsures() {
	for ref := range ws.ensures {
		ws.releaseIfEnsured(ref)
	}
}

// beforeTransaction returns the value of an entry, or if there is none the value committed before the attempt
// started. An unbound ref gives nil.
func (ws *workingSet) beforeTransaction(ref *Ref, e *entry) (interface{}, error) {
	if e != nil {
		return e.value, nil
	}

	value, _, err := ref.valueBefore(ws.txn.readPoint)
	return value, err
}

// merge folds a finished child into this working set. For every ref the child wrote, the child's value is adopted
// unless this working set wrote the ref after the child was forked. In that case the ref's resolver decides, and
// without one the child's value still wins.
func (ws *workingSet) merge(child *workingSet) error {
	if _, ok := ws.merged[child]; ok {
		return nil
	}

	if !atomic.CompareAndSwapInt32(&child.claimed, 0, 1) {
		return nil
	}

	for ref := range child.sets {
		childEntry := child.get(ref)
		if childEntry == nil {
			return errors.Wrapf(ErrRetry, "%s was written by a unit of work but has no value", ref)
		}

		parentEntry := ws.get(ref)
		var originalEntry *entry
		if child.snapshot != nil {
			originalEntry = child.snapshot.get(ref)
		}

		ws.sets[ref] = struct{}{}

		resolve := ref.resolveFunc()
		if parentEntry == originalEntry || resolve == nil {
			// The child's entry itself is adopted, children forked from it compare against it later.
			ws.vals.putEntry(ref, childEntry)
			continue
		}

		original, err := ws.beforeTransaction(ref, originalEntry)
		if err != nil {
			return err
		}

		parent, err := ws.beforeTransaction(ref, parentEntry)
		if err != nil {
			return err
		}

		value, err := resolve(original, parent, childEntry.value)
		if err != nil {
			return errors.Wrapf(err, "could not resolve conflicting writes to %s", ref)
		}

		ws.put(ref, value)
	}

	for ref, calls := range child.commutes {
		ws.commutes[ref] = append(ws.commutes[ref], calls...)
	}

	// The read locks now belong to this working set.
	for ref, count := range child.ensures {
		ws.ensures[ref] += count
	}
	child.ensures = map[*Ref]int{}

	ws.effects.Actions = append(ws.effects.Actions, child.effects.Actions...)
	ws.effects.Spawned = append(ws.effects.Spawned, child.effects.Spawned...)
	if child.effects.Transition != nil {
		ws.effects.Transition = child.effects.Transition
	}

	for merged := range child.merged {
		ws.merged[merged] = struct{}{}
	}
	ws.merged[child] = struct{}{}

	return nil
}

// release throws away the provisional state, gives up every read lock and hands back the pending effects.
func (ws *workingSet) release() Effects {
	ws.releaseEnsures()

	effects := ws.effects
	ws.effects = Effects{}
	ws.vals = newLayer(nil)
	ws.snapshot = nil
	ws.sets = map[*Ref]struct{}{}
	ws.commutes = map[*Ref][]commuteCall{}

	return effects
}

// sortedRefs returns the keys of a ref keyed map ordered by ref id.
func sortedRefs(refs map[*Ref]struct{}) []*Ref {
	result := make([]*Ref, 0, len(refs))
	for ref := range refs {
		result = append(result, ref)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].id < result[j].id
	})

	return result
}
