package chocola

import (
	b "github.com/dgraph-io/ristretto/z"
	"github.com/elliotcourant/chocola/z"
)

type (
	// layer is one level of a working set's provisional values. Lookups that miss fall through to the parent. A layer
	// becomes frozen as soon as another working set can see it, after that it is only ever read, which is what lets a
	// forked unit of work read its parent's values while the parent keeps writing to a fresh layer on top.
	layer struct {
		parent  *layer
		entries map[*Ref]*entry
		frozen  bool

		// filter is only built for frozen layers with enough entries, it holds the fingerprints of the refs in the
		// layer.
		filter *b.Bloom
	}
)

func newLayer(parent *layer) *layer {
	return &layer{
		parent: parent,
	}
}

// get returns the entry for the ref in the closest layer that has one, or nil if no layer does.
func (l *layer) get(ref *Ref) *entry {
	for current := l; current != nil; current = current.parent {
		if current.filter != nil && !current.filter.Has(ref.fingerprint) {
			continue
		}

		if e, ok := current.entries[ref]; ok {
			return e
		}
	}

	return nil
}

func (l *layer) put(ref *Ref, value interface{}) {
	l.putEntry(ref, &entry{value: value})
}

// putEntry stores an existing entry. Entries are never modified, so one entry can sit in layers of several working
// sets, which is what merges compare to tell whether a ref was written since a fork.
func (l *layer) putEntry(ref *Ref, e *entry) {
	z.AssertTruef(!l.frozen, "cannot write ref %d to a frozen layer", ref.id)

	if l.entries == nil {
		l.entries = map[*Ref]*entry{}
	}

	l.entries[ref] = e
}

func (l *layer) empty() bool {
	return len(l.entries) == 0
}

// freeze marks the layer read only. Layers with at least threshold entries get a bloom filter.
func (l *layer) freeze(threshold int, falsePositive float64) {
	if l.frozen {
		return
	}

	l.frozen = true
	if threshold <= 0 || len(l.entries) < threshold {
		return
	}

	l.filter = b.NewBloomFilter(float64(len(l.entries)), falsePositive)
	for ref := range l.entries {
		l.filter.Add(ref.fingerprint)
	}
}
