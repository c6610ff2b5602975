package chocola

import (
	"context"
)

type (
	// Tx is the handle a unit of work uses to read and write refs. Each unit of work gets its own Tx, they must not
	// be shared between goroutines. Fork is the way to do work concurrently within a transaction.
	Tx struct {
		unit *unit
		ctx  context.Context
	}
)

// Context returns the context the unit of work runs with. Passing it to Engine.Run joins the running transaction
// instead of starting a new one.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Info returns the shared state of the current attempt.
func (tx *Tx) Info() *Info {
	return tx.unit.ws.info
}

// ReadPoint returns the point the current attempt reads at.
func (tx *Tx) ReadPoint() uint64 {
	return tx.unit.txn.readPoint
}

// Run calls fn as part of the running transaction.
func (tx *Tx) Run(fn TxFunc) (interface{}, error) {
	if !tx.unit.ws.live() {
		return nil, ErrStopped
	}

	return fn(tx)
}

// Fork starts fn as a new unit of work of the transaction. The new unit sees everything this unit wrote so far, and
// its own writes are merged into whichever unit joins it. Units that are never joined are merged when the transaction
// function returns.
func (tx *Tx) Fork(fn TxFunc) (*Future, error) {
	return tx.unit.fork(fn)
}

// Defer queues action to run once the transaction committed. Actions run in the order they were deferred, and not at
// all if the attempt does not commit.
func (tx *Tx) Defer(action func()) error {
	if !tx.unit.ws.live() {
		return ErrStopped
	}

	tx.unit.ws.effects.Actions = append(tx.unit.ws.effects.Actions, action)
	return nil
}

// Spawn queues task to be started on the executor once the transaction committed.
func (tx *Tx) Spawn(task func()) error {
	if !tx.unit.ws.live() {
		return ErrStopped
	}

	tx.unit.ws.effects.Spawned = append(tx.unit.ws.effects.Spawned, task)
	return nil
}

// Become stages a state transition that is applied after the transaction committed, after every deferred action.
// Only the last transition staged by an attempt is applied.
func (tx *Tx) Become(transition func()) error {
	if !tx.unit.ws.live() {
		return ErrStopped
	}

	tx.unit.ws.effects.Transition = transition
	return nil
}
