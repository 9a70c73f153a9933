package metrics

import (
	"github.com/cespare/xxhash/v2"
)

// identity is the grouping key of a metric: its name plus its canonical dimension set.
// It is compared structurally, the hash only selects a bucket.
type identity struct {
	name string
	dims Dimensions // sorted, nil when the metric has no dimensions
}

func newIdentity(name string, dims Dimensions) identity {
	return identity{name: name, dims: dims.Canonical()}
}

// rollupIdentity is the dimension-less identity of a metric name.
func rollupIdentity(name string) identity {
	return identity{name: name}
}

func (id identity) hash() uint64 {
	h := xxhash.New()
	writeField(h, id.name)
	for _, d := range id.dims {
		writeField(h, d.Name)
		writeField(h, d.Value)
	}
	return h.Sum64()
}

// writeField writes a length prefix before s so that adjacent fields cannot run together.
func writeField(h *xxhash.Digest, s string) {
	var n [8]byte
	l := uint64(len(s))
	for i := range n {
		n[i] = byte(l >> (8 * i))
	}
	_, _ = h.Write(n[:])
	_, _ = h.WriteString(s)
}

func (id identity) equal(other identity) bool {
	if id.name != other.name || len(id.dims) != len(other.dims) {
		return false
	}
	for i := range id.dims {
		if id.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// orderedIndex maps identities to values and remembers first-insertion order.
type orderedIndex[V any] struct {
	buckets map[uint64][]int
	keys    []identity
	values  []V
}

func newOrderedIndex[V any](sizeHint int) *orderedIndex[V] {
	return &orderedIndex[V]{
		buckets: make(map[uint64][]int, sizeHint),
		keys:    make([]identity, 0, sizeHint),
		values:  make([]V, 0, sizeHint),
	}
}

// get returns the value stored under id.
func (x *orderedIndex[V]) get(id identity) (V, bool) {
	for _, pos := range x.buckets[id.hash()] {
		if x.keys[pos].equal(id) {
			return x.values[pos], true
		}
	}
	var zero V
	return zero, false
}

// put stores v under id if absent and reports whether it was inserted.
func (x *orderedIndex[V]) put(id identity, v V) bool {
	h := id.hash()
	for _, pos := range x.buckets[h] {
		if x.keys[pos].equal(id) {
			return false
		}
	}
	x.buckets[h] = append(x.buckets[h], len(x.keys))
	x.keys = append(x.keys, id)
	x.values = append(x.values, v)
	return true
}

func (x *orderedIndex[V]) len() int {
	return len(x.values)
}

// ordered returns the stored values in first-insertion order.
func (x *orderedIndex[V]) ordered() []V {
	return x.values
}
