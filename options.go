package chocola

import (
	"time"

	"github.com/elliotcourant/chocola/options"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultRetryLimit is the number of attempts a transaction gets before Engine.Run gives up.
	DefaultRetryLimit = 10000

	// DefaultLockWait is how long a transaction waits to take a ref's write lock, and how long it blocks on a
	// conflicting transaction before retrying.
	DefaultLockWait = 100 * time.Millisecond

	// DefaultBargeWait is how long a transaction must have been running before it may kill a younger transaction
	// holding a ref it needs.
	DefaultBargeWait = 10 * time.Millisecond

	// DefaultMinHistory and DefaultMaxHistory bound the number of old versions a ref keeps beside its newest one.
	DefaultMinHistory = 0
	DefaultMaxHistory = 10

	// DefaultMaxForkedUnits is the number of forked units of work the default executor runs at once.
	DefaultMaxForkedUnits = 4096
)

type (
	// Options are params for creating an Engine. This package provides DefaultOptions which contains options that
	// should work for most applications. Consider using that as a starting point before customizing it for your own
	// needs.
	//
	// Each option X is documented on the WithX method.
	Options struct {
		RetryLimit        int
		LockWait          time.Duration
		BargeWait         time.Duration
		DefaultMinHistory int
		DefaultMaxHistory int

		MaxForkedUnits     int
		BloomThreshold     int
		BloomFalsePositive float64

		NotifyMode   options.NotifyMode
		EventLogging bool

		Logger            Logger
		Executor          Executor
		Dispatcher        Dispatcher
		MetricsRegisterer prometheus.Registerer
	}
)

// DefaultOptions sets a list of recommended options for good performance. Feel free to modify these to suit your needs
// with the WithX methods.
func DefaultOptions() Options {
	return Options{
		RetryLimit:         DefaultRetryLimit,
		LockWait:           DefaultLockWait,
		BargeWait:          DefaultBargeWait,
		DefaultMinHistory:  DefaultMinHistory,
		DefaultMaxHistory:  DefaultMaxHistory,
		MaxForkedUnits:     DefaultMaxForkedUnits,
		BloomThreshold:     64,
		BloomFalsePositive: 0.01,
		NotifyMode:         options.Synchronous,
		EventLogging:       false,
		Logger:             newDefaultLogger(),
	}
}

// WithRetryLimit returns a new Options value with RetryLimit set to the given value.
//
// RetryLimit is the number of attempts a single call to Engine.Run makes before failing with ErrRetryLimit.
//
// The default value of RetryLimit is 10000.
func (opt Options) WithRetryLimit(val int) Options {
	opt.RetryLimit = val
	return opt
}

// WithLockWait returns a new Options value with LockWait set to the given value.
//
// LockWait bounds how long a transaction waits for a ref's write lock before retrying, and how long a transaction
// that lost a conflict waits for the winner to finish before retrying.
//
// The default value of LockWait is 100ms.
func (opt Options) WithLockWait(val time.Duration) Options {
	opt.LockWait = val
	return opt
}

// WithBargeWait returns a new Options value with BargeWait set to the given value.
//
// BargeWait is the amount of time a transaction has to have been running before it is allowed to kill a younger
// transaction that holds a ref it wants to write.
//
// The default value of BargeWait is 10ms.
func (opt Options) WithBargeWait(val time.Duration) Options {
	opt.BargeWait = val
	return opt
}

// WithHistory returns a new Options value with DefaultMinHistory and DefaultMaxHistory set to the given values.
//
// Refs created by the engine keep at least min and at most max old versions next to the newest one, unless they are
// configured otherwise. A ref only grows its history after a read missed because an old enough version was gone.
//
// The default values are 0 and 10.
func (opt Options) WithHistory(min, max int) Options {
	opt.DefaultMinHistory = min
	opt.DefaultMaxHistory = max
	return opt
}

// WithMaxForkedUnits returns a new Options value with MaxForkedUnits set to the given value.
//
// MaxForkedUnits is the number of units of work the default executor runs concurrently. Forking blocks once the limit
// is reached, a transaction whose units fork more units than this can deadlock. Ignored if an Executor is provided.
//
// The default value of MaxForkedUnits is 4096.
func (opt Options) WithMaxForkedUnits(val int) Options {
	opt.MaxForkedUnits = val
	return opt
}

// WithBloomFilter returns a new Options value with BloomThreshold and BloomFalsePositive set to the given values.
//
// A working set that is shared with a forked unit of work is frozen. Frozen layers holding at least threshold refs
// get a bloom filter so lookups falling through them can skip layers that do not have the ref. A threshold of zero
// disables the filters.
//
// The default values are 64 and 0.01.
func (opt Options) WithBloomFilter(threshold int, falsePositive float64) Options {
	opt.BloomThreshold = threshold
	opt.BloomFalsePositive = falsePositive
	return opt
}

// WithNotifyMode returns a new Options value with NotifyMode set to the given value.
//
// NotifyMode decides whether watches are called on the committing goroutine or handed to the executor.
//
// The default value of NotifyMode is options.Synchronous.
func (opt Options) WithNotifyMode(val options.NotifyMode) Options {
	opt.NotifyMode = val
	return opt
}

// WithEventLogging returns a new Options value with EventLogging set to the given value.
//
// EventLogging provides a way to enable or disable trace.EventLog logging.
//
// The default value of EventLogging is false.
func (opt Options) WithEventLogging(enabled bool) Options {
	opt.EventLogging = enabled
	return opt
}

// WithLogger returns a new Options value with Logger set to the given value.
//
// Logger provides a way to configure what logger each value of Engine uses. A nil logger discards everything.
//
// The default value of Logger writes to timber.
func (opt Options) WithLogger(val Logger) Options {
	opt.Logger = val
	return opt
}

// WithExecutor returns a new Options value with Executor set to the given value.
//
// Executor runs forked units of work, spawned effects and asynchronous watches. The engine does not wait for tasks of
// a custom executor when it is closed.
//
// By default every task runs on its own goroutine, at most MaxForkedUnits at a time.
func (opt Options) WithExecutor(val Executor) Options {
	opt.Executor = val
	return opt
}

// WithDispatcher returns a new Options value with Dispatcher set to the given value.
//
// Dispatcher receives the effects a transaction deferred once it has committed.
//
// By default actions run in order on the committing goroutine, spawned tasks go to the executor and the transition
// runs last.
func (opt Options) WithDispatcher(val Dispatcher) Options {
	opt.Dispatcher = val
	return opt
}

// WithMetricsRegisterer returns a new Options value with MetricsRegisterer set to the given value.
//
// The engine's prometheus collectors are registered on the registerer when it is not nil.
//
// The default value of MetricsRegisterer is nil.
func (opt Options) WithMetricsRegisterer(val prometheus.Registerer) Options {
	opt.MetricsRegisterer = val
	return opt
}
