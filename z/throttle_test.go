package z

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle(t *testing.T) {
	t.Run("runs every task", func(t *testing.T) {
		throttle := NewThrottle(2)

		var count, peak int64
		release := make(chan struct{})
		for i := 0; i < 2; i++ {
			require.NoError(t, throttle.Go(func() error {
				running := atomic.AddInt64(&count, 1)
				for {
					current := atomic.LoadInt64(&peak)
					if running <= current || atomic.CompareAndSwapInt64(&peak, current, running) {
						break
					}
				}
				<-release
				atomic.AddInt64(&count, -1)
				return nil
			}))
		}

		assert.Equal(t, 2, throttle.Running())
		close(release)
		require.NoError(t, throttle.Finish())
		assert.Equal(t, 0, throttle.Running())
		assert.True(t, atomic.LoadInt64(&peak) <= 2)
	})

	t.Run("finish returns task error", func(t *testing.T) {
		throttle := NewThrottle(4)
		boom := errors.New("boom")

		require.NoError(t, throttle.Go(func() error {
			return boom
		}))

		assert.Equal(t, boom, throttle.Finish())
		assert.Equal(t, boom, throttle.Finish())
	})
}

func TestCloser(t *testing.T) {
	closer := NewCloser(1)
	stopped := make(chan struct{})
	go func() {
		defer closer.Done()
		<-closer.HasBeenClosed()
		close(stopped)
	}()

	closer.SignalAndWait()
	closer.Signal()

	select {
	case <-stopped:
	default:
		t.Fatal("goroutine did not stop")
	}
}

func TestAssertTrue(t *testing.T) {
	assert.NotPanics(t, func() {
		AssertTrue(true)
		AssertTruef(true, "fine")
	})
	assert.Panics(t, func() {
		AssertTrue(false)
	})
	assert.PanicsWithError(t, "value 3", func() {
		AssertTruef(false, "value %d", 3)
	})
}
