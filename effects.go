package chocola

type (
	// Effects are the side effects a transaction queued, to be carried out only if it commits.
	Effects struct {
		// Actions run in order.
		Actions []func()

		// Spawned are tasks to start concurrently.
		Spawned []func()

		// Transition is the state change staged last, or nil.
		Transition func()
	}

	// Dispatcher carries out the effects of a committed transaction. It is called on the committing goroutine once
	// all of the transaction's locks have been released.
	Dispatcher interface {
		Dispatch(effects Effects)
	}

	// executorDispatcher runs actions and the transition on the calling goroutine and hands spawned tasks to an
	// executor.
	executorDispatcher struct {
		executor Executor
		logger   Logger
	}
)

func (e Effects) empty() bool {
	return len(e.Actions) == 0 && len(e.Spawned) == 0 && e.Transition == nil
}

func (d *executorDispatcher) Dispatch(effects Effects) {
	for _, action := range effects.Actions {
		d.run(action)
	}

	for _, task := range effects.Spawned {
		if err := d.executor.Go(task); err != nil {
			d.logger.Errorf("could not spawn task after commit: %v", err)
		}
	}

	if effects.Transition != nil {
		d.run(effects.Transition)
	}
}

// run calls fn, a panic is logged so the remaining effects still run.
func (d *executorDispatcher) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Errorf("effect panicked after commit: %v", p)
		}
	}()

	fn()
}
