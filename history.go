package chocola

type (
	// history is the ring of committed versions of a ref. The newest version lives in slots[head], walking backwards
	// from head (wrapping around) visits older and older versions. Every slot is in use, so once the ring stops growing
	// a commit overwrites the oldest slot, which is the one right after head.
	history struct {
		slots []version
		head  int
	}
)

// bound reports whether any value has been committed yet.
func (h *history) bound() bool {
	return len(h.slots) > 0
}

// count is the number of versions kept besides the newest one.
func (h *history) count() int {
	if len(h.slots) == 0 {
		return 0
	}

	return len(h.slots) - 1
}

// newest must only be called on a bound history.
func (h *history) newest() *version {
	return &h.slots[h.head]
}

// at returns the version i steps older than the newest one.
func (h *history) at(i int) *version {
	n := len(h.slots)
	return &h.slots[(h.head-i+n)%n]
}

// visibleAt returns the newest version committed at or before point.
func (h *history) visibleAt(point uint64) (*version, bool) {
	for i := 0; i < len(h.slots); i++ {
		if v := h.at(i); v.point <= point {
			return v, true
		}
	}

	return nil, false
}

// bind stores the first version, capacity is a hint for how far the ring will grow.
func (h *history) bind(value interface{}, point uint64, capacity int) {
	if capacity < 1 {
		capacity = 1
	}

	h.slots = make([]version, 1, capacity)
	h.slots[0] = version{value: value, point: point}
	h.head = 0
}

// push grows the ring by one slot, placed directly after head, and makes it the newest version.
func (h *history) push(value interface{}, point uint64) {
	h.slots = append(h.slots, version{})
	copy(h.slots[h.head+2:], h.slots[h.head+1:len(h.slots)-1])
	h.head++
	h.slots[h.head] = version{value: value, point: point}
}

// recycle overwrites the oldest version and makes it the newest.
func (h *history) recycle(value interface{}, point uint64) {
	h.head = (h.head + 1) % len(h.slots)
	h.slots[h.head] = version{value: value, point: point}
}

// trim drops every version but the newest one.
func (h *history) trim() {
	if len(h.slots) <= 1 {
		return
	}

	newest := *h.newest()
	h.slots = h.slots[:1]
	h.slots[0] = newest
	h.head = 0
}
