package chocola

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "chocola"
	metricsSubsystem = "stm"
)

type (
	// metrics holds the prometheus collectors of one engine. They are always updated, and only exposed when
	// Options.MetricsRegisterer is set.
	metrics struct {
		// attempts counts every attempt, including the first one of each transaction.
		attempts prometheus.Counter

		// commits counts attempts that committed.
		commits prometheus.Counter

		// retries counts attempts that were thrown away and run again.
		retries prometheus.Counter

		// barges counts younger transactions killed by older ones.
		barges prometheus.Counter

		// faults counts reads that found no version old enough for the attempt's read point.
		faults prometheus.Counter

		// lockTimeouts counts write locks that could not be taken within Options.LockWait.
		lockTimeouts prometheus.Counter

		// validationFailures counts commits rejected by a ref's validator.
		validationFailures prometheus.Counter

		// attemptsPerTransaction is the number of attempts transactions needed to commit.
		attemptsPerTransaction prometheus.Histogram

		// runningTasks is the number of units, spawned tasks and watches the default executor has not finished. It
		// is nil when a custom executor is used.
		runningTasks prometheus.GaugeFunc
	}
)

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

func newMetrics(registerer prometheus.Registerer, running func() int) (*metrics, error) {
	m := &metrics{
		attempts:           newCounter("attempts_total", "Total transaction attempts started"),
		commits:            newCounter("commits_total", "Total transaction attempts committed"),
		retries:            newCounter("retries_total", "Total transaction attempts discarded and retried"),
		barges:             newCounter("barges_total", "Total transactions killed by an older transaction"),
		faults:             newCounter("faults_total", "Total reads that missed because history was too short"),
		lockTimeouts:       newCounter("lock_timeouts_total", "Total ref write locks not acquired in time"),
		validationFailures: newCounter("validation_failures_total", "Total commits rejected by a validator"),
		attemptsPerTransaction: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "attempts_per_transaction",
			Help:      "Number of attempts a transaction needed before it committed",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 100, 1000, 10000},
		}),
	}

	if running != nil {
		m.runningTasks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "running_tasks",
			Help:      "Number of forked units, spawned tasks and watches still running on the default executor",
		}, func() float64 {
			return float64(running())
		})
	}

	if registerer == nil {
		return m, nil
	}

	for _, collector := range m.collectors() {
		if err := registerer.Register(collector); err != nil {
			return nil, errors.Wrap(err, "could not register stm metrics")
		}
	}

	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	collectors := []prometheus.Collector{
		m.attempts,
		m.commits,
		m.retries,
		m.barges,
		m.faults,
		m.lockTimeouts,
		m.validationFailures,
		m.attemptsPerTransaction,
	}

	if m.runningTasks != nil {
		collectors = append(collectors, m.runningTasks)
	}

	return collectors
}
