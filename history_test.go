package chocola

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyValues(h *history) []interface{} {
	values := make([]interface{}, 0, len(h.slots))
	for i := 0; i < len(h.slots); i++ {
		values = append(values, h.at(i).value)
	}
	return values
}

func TestHistory(t *testing.T) {
	t.Run("unbound", func(t *testing.T) {
		var h history
		assert.False(t, h.bound())
		assert.Equal(t, 0, h.count())

		_, ok := h.visibleAt(100)
		assert.False(t, ok)
	})

	t.Run("push keeps newest first", func(t *testing.T) {
		var h history
		h.bind("a", 1, 4)
		h.push("b", 2)
		h.push("c", 3)

		assert.True(t, h.bound())
		assert.Equal(t, 2, h.count())
		assert.Equal(t, "c", h.newest().value)
		assert.Equal(t, []interface{}{"c", "b", "a"}, historyValues(&h))
	})

	t.Run("recycle overwrites oldest", func(t *testing.T) {
		var h history
		h.bind("a", 1, 3)
		h.push("b", 2)
		h.push("c", 3)
		h.recycle("d", 4)

		assert.Equal(t, 2, h.count())
		assert.Equal(t, []interface{}{"d", "c", "b"}, historyValues(&h))

		h.recycle("e", 5)
		assert.Equal(t, []interface{}{"e", "d", "c"}, historyValues(&h))
	})

	t.Run("push after recycle", func(t *testing.T) {
		var h history
		h.bind("a", 1, 3)
		h.push("b", 2)
		h.recycle("c", 3)
		assert.Equal(t, []interface{}{"c", "b"}, historyValues(&h))

		// head is at the start of the slice, the older versions after it move up by one.
		h.push("d", 4)
		assert.Equal(t, []interface{}{"d", "c", "b"}, historyValues(&h))

		h.recycle("e", 5)
		assert.Equal(t, []interface{}{"e", "d", "c"}, historyValues(&h))
	})

	t.Run("visible at", func(t *testing.T) {
		var h history
		h.bind("a", 10, 4)
		h.push("b", 20)
		h.push("c", 30)

		v, ok := h.visibleAt(25)
		require.True(t, ok)
		assert.Equal(t, "b", v.value)

		v, ok = h.visibleAt(30)
		require.True(t, ok)
		assert.Equal(t, "c", v.value)

		v, ok = h.visibleAt(10)
		require.True(t, ok)
		assert.Equal(t, "a", v.value)

		_, ok = h.visibleAt(9)
		assert.False(t, ok)
	})

	t.Run("trim", func(t *testing.T) {
		var h history
		h.bind("a", 1, 4)
		h.push("b", 2)
		h.recycle("c", 3)
		h.trim()

		assert.Equal(t, 0, h.count())
		assert.Equal(t, "c", h.newest().value)
		assert.Equal(t, uint64(3), h.newest().point)

		h.push("d", 4)
		assert.Equal(t, []interface{}{"d", "c"}, historyValues(&h))
	})
}
