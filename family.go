package weft

import "slices"

// Family is a keyed cache of lazily-created member cells: Get returns the
// cached cell for a key, building it on first use. Eviction severs the
// member from the graph, so a later Get for the same key mints a fresh
// identity rather than reviving the old one.
//
// A Family is bookkeeping around cells, not a cell itself: it has no node,
// no value, and no subscribers.
type Family[K comparable, C Cell] struct {
	st    *Store
	build func(K) C
	cells map[K]C
	keys  []K // insertion order, for deterministic enumeration
}

// NewFamily declares a keyed family. build runs once per distinct key and
// must return a cell belonging to st.
func NewFamily[K comparable, C Cell](st *Store, build func(K) C) *Family[K, C] {
	if st == nil {
		panic("weft: NewFamily requires a non-nil store")
	}
	if build == nil {
		panic("weft: NewFamily requires a non-nil build function")
	}
	return &Family[K, C]{
		st:    st,
		build: build,
		cells: make(map[K]C),
	}
}

// Get returns the member cell for key, building and caching it on first
// use. Two calls with the same key return the identical cell until the key
// is removed.
func (f *Family[K, C]) Get(key K) C {
	if c, ok := f.cells[key]; ok {
		return c
	}
	c := f.build(key)
	f.st.mustOwn(c)
	f.cells[key] = c
	f.keys = append(f.keys, key)
	return c
}

// Remove evicts key's member from the cache and deletes its node from the
// graph. Unknown keys are a no-op.
func (f *Family[K, C]) Remove(key K) error {
	c, ok := f.cells[key]
	if !ok {
		return nil
	}
	delete(f.cells, key)
	f.keys = slices.DeleteFunc(f.keys, func(k K) bool { return k == key })
	return f.st.Remove(c)
}

// Clear evicts every member. Returns the first removal error, after
// attempting all removals.
func (f *Family[K, C]) Clear() error {
	var firstErr error
	for _, k := range slices.Clone(f.keys) {
		if err := f.Remove(k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of cached members.
func (f *Family[K, C]) Len() int {
	return len(f.cells)
}

// Keys returns the cached keys in insertion order.
func (f *Family[K, C]) Keys() []K {
	return slices.Clone(f.keys)
}
