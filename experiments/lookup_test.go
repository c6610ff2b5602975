package experiments

import (
	"encoding/binary"
	"testing"

	"github.com/dgraph-io/ristretto/z"
	"github.com/dgryski/go-farm"
)

// chain is a stack of frozen maps, the way a working set looks after a few forks. Lookups walk it from the top.
type chain struct {
	maps    []map[uint64]int
	filters []*z.Bloom
}

func fingerprint(id uint64) uint64 {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return farm.Fingerprint64(buf)
}

func newChain(depth, width int) *chain {
	c := &chain{}
	id := uint64(0)
	for i := 0; i < depth; i++ {
		m := make(map[uint64]int, width)
		filter := z.NewBloomFilter(float64(width), 0.01)
		for j := 0; j < width; j++ {
			id++
			fp := fingerprint(id)
			m[fp] = j
			filter.Add(fp)
		}
		c.maps = append(c.maps, m)
		c.filters = append(c.filters, filter)
	}
	return c
}

func (c *chain) getMap(fp uint64) (int, bool) {
	for i := len(c.maps) - 1; i >= 0; i-- {
		if v, ok := c.maps[i][fp]; ok {
			return v, true
		}
	}
	return 0, false
}

func (c *chain) getFiltered(fp uint64) (int, bool) {
	for i := len(c.maps) - 1; i >= 0; i-- {
		if !c.filters[i].Has(fp) {
			continue
		}
		if v, ok := c.maps[i][fp]; ok {
			return v, true
		}
	}
	return 0, false
}

var sink int

func BenchmarkLayerLookup(b *testing.B) {
	for _, depth := range []int{4, 32} {
		c := newChain(depth, 256)
		hit := fingerprint(1)
		miss := fingerprint(uint64(depth*256 + 1))

		b.Run("MapHit", func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, _ := c.getMap(hit)
				sink += v
			}
		})
		b.Run("BloomHit", func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, _ := c.getFiltered(hit)
				sink += v
			}
		})
		b.Run("MapMiss", func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, _ := c.getMap(miss)
				sink += v
			}
		})
		b.Run("BloomMiss", func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, _ := c.getFiltered(miss)
				sink += v
			}
		})
	}
}

func TestChainLookup(t *testing.T) {
	c := newChain(8, 64)
	for id := uint64(1); id <= 8*64; id++ {
		fp := fingerprint(id)
		expected, ok := c.getMap(fp)
		if !ok {
			t.Fatalf("id %d missing", id)
		}
		got, ok := c.getFiltered(fp)
		if !ok || got != expected {
			t.Fatalf("id %d: got %d, expected %d", id, got, expected)
		}
	}
}
