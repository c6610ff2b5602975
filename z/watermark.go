package z

import (
	"container/heap"
	"context"
	"sync/atomic"

	"golang.org/x/net/trace"
)

type (
	// WaterMark is used to keep track of the minimum un-finished index. Typically, an index k becomes finished or
	// "done" according to a WaterMark once Done(k) has been called
	//   1. as many times as Begin(k) has, AND
	//   2. a positive number of times.
	//
	// Indices must be handed to Begin in increasing order, the engine does this by taking the index and calling Begin
	// under the same lock.
	WaterMark struct {
		doneUntil   uint64
		lastIndex   uint64
		Name        string
		markChannel chan mark
		eventLog    trace.EventLog
	}

	// mark contains an index along with a done boolean to indicate the status of the index: begin or done. It can
	// also carry a waiter, who is waiting for the watermark to reach >= the index.
	mark struct {
		// Either this is an (index, waiter) pair or (index, done).
		index  uint64
		waiter chan struct{}

		// done is true when the index has finished.
		done bool
	}

	// uint64Heap is a min heap of the indices that have been started but not yet finished.
	uint64Heap []uint64
)

// Init initializes a WaterMark struct. MUST be called before using it. The processing goroutine is registered on the
// closer, so the closer needs a running count for it.
func (w *WaterMark) Init(closer *Closer, eventLogging bool) {
	w.markChannel = make(chan mark, 100)
	w.eventLog = NewEventLog("WaterMark", w.Name, eventLogging)

	go w.process(closer)
}

// Begin sets the last index to the given value.
func (w *WaterMark) Begin(index uint64) {
	atomic.StoreUint64(&w.lastIndex, index)
	w.markChannel <- mark{index: index, done: false}
}

// Done sets a single index as done.
func (w *WaterMark) Done(index uint64) {
	w.markChannel <- mark{index: index, done: true}
}

// DoneUntil returns the maximum index that has the property that all indices less than or equal to it are done.
func (w *WaterMark) DoneUntil() uint64 {
	return atomic.LoadUint64(&w.doneUntil)
}

// LastIndex returns the last index for which Begin has been called.
func (w *WaterMark) LastIndex() uint64 {
	return atomic.LoadUint64(&w.lastIndex)
}

// WaitForMark waits until the given index is marked as done, or until the context is cancelled.
func (w *WaterMark) WaitForMark(ctx context.Context, index uint64) error {
	if w.DoneUntil() >= index {
		return nil
	}

	waitChannel := make(chan struct{})
	w.markChannel <- mark{index: index, waiter: waitChannel}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitChannel:
		return nil
	}
}

// process is used to process the mark channel. Only one goroutine may run it. A waiter for an index that never
// receives a Begin is only released once a larger index finishes.
func (w *WaterMark) process(closer *Closer) {
	defer closer.Done()

	var indices uint64Heap
	// pending maps an index to the number of Begin calls that have not been matched by Done yet.
	pending := make(map[uint64]int)
	waiters := make(map[uint64][]chan struct{})

	heap.Init(&indices)

	processOne := func(index uint64, done bool) {
		// If not already done, then set. Otherwise, don't undo a done entry.
		previous, present := pending[index]
		if !present {
			heap.Push(&indices, index)
		}

		delta := 1
		if done {
			delta = -1
		}
		pending[index] = previous + delta

		// Update mark by going through all indices in order; and checking if they have been done. Stop at the first
		// index, which isn't done.
		doneUntil := w.DoneUntil()
		AssertTruef(doneUntil < index, "Name: %s doneUntil: %d. Index: %d", w.Name, doneUntil, index)

		until := doneUntil
		loops := 0

		for len(indices) > 0 {
			min := indices[0]
			if done := pending[min]; done > 0 {
				break // len(indices) will be > 0.
			}
			// Even if done is called multiple times causing it to become negative, we should still pop the index.
			heap.Pop(&indices)
			delete(pending, min)
			until = min
			loops++
		}

		if until != doneUntil {
			AssertTrue(atomic.CompareAndSwapUint64(&w.doneUntil, doneUntil, until))
			w.eventLog.Printf("%s: Done until %d. Loops: %d", w.Name, until, loops)
		}

		notifyAndRemove := func(idx uint64, toNotify []chan struct{}) {
			for _, ch := range toNotify {
				close(ch)
			}
			delete(waiters, idx) // Release the memory back.
		}

		if until-doneUntil <= uint64(len(waiters)) {
			for idx := doneUntil + 1; idx <= until; idx++ {
				if toNotify, ok := waiters[idx]; ok {
					notifyAndRemove(idx, toNotify)
				}
			}
		} else {
			for idx, toNotify := range waiters {
				if idx <= until {
					notifyAndRemove(idx, toNotify)
				}
			}
		} // end of notifying waiters.
	}

	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case mark := <-w.markChannel:
			if mark.waiter != nil {
				doneUntil := atomic.LoadUint64(&w.doneUntil)
				if doneUntil >= mark.index {
					close(mark.waiter)
				} else {
					waiters[mark.index] = append(waiters[mark.index], mark.waiter)
				}
			} else {
				processOne(mark.index, mark.done)
			}
		}
	}
}

func (u uint64Heap) Len() int            { return len(u) }
func (u uint64Heap) Less(i, j int) bool  { return u[i] < u[j] }
func (u uint64Heap) Swap(i, j int)       { u[i], u[j] = u[j], u[i] }
func (u *uint64Heap) Push(x interface{}) { *u = append(*u, x.(uint64)) }
func (u *uint64Heap) Pop() interface{} {
	old := *u
	n := len(old)
	x := old[n-1]
	*u = old[0 : n-1]
	return x
}
