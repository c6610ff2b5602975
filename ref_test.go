package chocola

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef_Deref(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	t.Run("bound", func(t *testing.T) {
		r := newTestRef(t, e, "value")
		assert.Equal(t, "value", mustDeref(t, r))
	})

	t.Run("unbound", func(t *testing.T) {
		r := e.NewUnboundRef()
		_, err := r.Deref()
		assert.Equal(t, ErrUnbound, err)

		_, err = r.Get(nil)
		assert.Equal(t, ErrUnbound, err)
	})

	t.Run("unbound inside transaction", func(t *testing.T) {
		r := e.NewUnboundRef()
		_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
			return r.Get(tx)
		})
		assert.Equal(t, ErrUnbound, err)
	})
}

func TestRef_IDs(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	first := newTestRef(t, e, 1)
	second := newTestRef(t, e, 2)
	assert.True(t, first.ID() < second.ID())
	assert.NotEqual(t, first.fingerprint, second.fingerprint)
	assert.Equal(t, "Ref(1)", first.String())
}

func TestRef_OutsideTransaction(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 1)

	_, err := r.Set(nil, 2)
	assert.Equal(t, ErrIllegalState, errors.Cause(err))

	_, err = r.Alter(nil, add, 1)
	assert.Equal(t, ErrIllegalState, errors.Cause(err))

	_, err = r.Commute(nil, add, 1)
	assert.Equal(t, ErrIllegalState, errors.Cause(err))

	assert.Equal(t, ErrIllegalState, errors.Cause(r.Ensure(nil)))
}

func TestRef_AnotherEngine(t *testing.T) {
	first := openEngine(t, testOptions())
	defer first.Close()
	second := openEngine(t, testOptions())
	defer second.Close()

	r := newTestRef(t, first, 1)
	_, err := second.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		return r.Set(tx, 2)
	})
	assert.Equal(t, ErrIllegalState, errors.Cause(err))
	assert.Equal(t, 1, mustDeref(t, r))
}

func TestRef_SetAfterCommute(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 1)
	_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		if _, err := r.Commute(tx, add, 1); err != nil {
			return nil, err
		}
		return r.Set(tx, 5)
	})
	assert.Equal(t, ErrIllegalState, errors.Cause(err))
	assert.Equal(t, 1, mustDeref(t, r))
}

func TestRef_CommuteAfterSet(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 1)
	result, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		if _, err := r.Set(tx, 10); err != nil {
			return nil, err
		}
		return r.Commute(tx, add, 5)
	})
	require.NoError(t, err)
	assert.Equal(t, 15, result)
	assert.Equal(t, 15, mustDeref(t, r))
}

func TestRef_Alter(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 1)

	t.Run("applies function", func(t *testing.T) {
		result, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
			return r.Alter(tx, add, 2, 3)
		})
		require.NoError(t, err)
		assert.Equal(t, 6, result)
		assert.Equal(t, 6, mustDeref(t, r))
	})

	t.Run("function error aborts", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
			return r.Alter(tx, func(value interface{}, args ...interface{}) (interface{}, error) {
				return nil, boom
			})
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 6, mustDeref(t, r))
	})
}

func TestRef_FaultGrowsHistory(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 0)
	assert.Equal(t, 0, r.HistoryCount())

	attempts := 0
	_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		attempts++
		if attempts == 1 {
			// Commit a newer version before the first read, there is no older one to fall back to.
			_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
				return r.Set(tx, 1)
			})
			require.NoError(t, err)
		}

		return r.Get(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.faults))

	// The next commit keeps the old version because of the fault.
	_, err = e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		return r.Set(tx, 2)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.HistoryCount())

	// Without another fault the ring stops growing.
	_, err = e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		return r.Set(tx, 3)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.HistoryCount())
}

func TestRef_HistoryBounds(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 0, WithMinHistory(3), WithMaxHistory(5))
	assert.Equal(t, 3, r.MinHistory())
	assert.Equal(t, 5, r.MaxHistory())

	for i := 1; i <= 6; i++ {
		value := i
		_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
			return r.Set(tx, value)
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.HistoryCount())

	r.TrimHistory()
	assert.Equal(t, 0, r.HistoryCount())
	assert.Equal(t, 6, mustDeref(t, r))

	r.SetMinHistory(1)
	r.SetMaxHistory(2)
	assert.Equal(t, 1, r.MinHistory())
	assert.Equal(t, 2, r.MaxHistory())

	_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		return r.Set(tx, 7)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.HistoryCount())
}

func TestRef_EngineHistoryDefaults(t *testing.T) {
	e := openEngine(t, testOptions().WithHistory(2, 4))
	defer e.Close()

	r := newTestRef(t, e, 0)
	assert.Equal(t, 2, r.MinHistory())
	assert.Equal(t, 4, r.MaxHistory())
}

func TestRef_Resolver(t *testing.T) {
	e := openEngine(t, testOptions())
	defer e.Close()

	r := newTestRef(t, e, 0)
	r.SetResolver(func(original, parent, child interface{}) (interface{}, error) {
		return parent.(int) + child.(int) - original.(int), nil
	})

	_, err := e.Run(context.Background(), func(tx *Tx) (interface{}, error) {
		f, err := tx.Fork(func(tx *Tx) (interface{}, error) {
			return r.Alter(tx, add, 10)
		})
		if err != nil {
			return nil, err
		}

		if _, err := r.Alter(tx, add, 5); err != nil {
			return nil, err
		}

		return f.Join(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 15, mustDeref(t, r))
}
