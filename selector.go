package weft

import "fmt"

// NewSelector declares a single-source derived cell: pick extracts the
// result from source's committed value. Behaviorally a DerivedCell, but the
// dependency edge is known in advance and fixed at materialization, so runs
// skip the tracking-frame diff entirely.
func NewSelector[S, T any](st *Store, source Observable[S], pick func(S) T, opts ...CellOption) *DerivedCell[T] {
	if source == nil {
		panic("weft: NewSelector requires a non-nil source")
	}
	if pick == nil {
		panic("weft: NewSelector requires a non-nil pick function")
	}
	if source.store() != st {
		panic(fmt.Sprintf("weft: source cell %s belongs to a different store", describeCell(source)))
	}
	sp := cellSpec{
		kind:   kindDerived,
		source: source,
		compute: func(tr *Tracker) (any, error) {
			return pick(Read(tr, source)), nil
		},
	}
	return &DerivedCell[T]{cellCore: newCore(st, sp, opts)}
}
