package weft

// DerivedCell wraps a computation over other cells. Dependencies are not
// declared up front: the set of cells read through the Tracker during the
// last successful run is the dependency set, rediscovered every run, so
// conditional reads work naturally. The body never runs until the value is
// first read.
type DerivedCell[T any] struct {
	cellCore
}

// NewDerived declares a derived cell computed by body. The body must be pure
// apart from its tracked reads: it may run any number of times, and a run
// whose result equals the previous value (by the cell's configured equality)
// stops propagation on this branch.
func NewDerived[T any](st *Store, body func(tr *Tracker) (T, error), opts ...CellOption) *DerivedCell[T] {
	if body == nil {
		panic("weft: NewDerived requires a non-nil body")
	}
	sp := cellSpec{
		kind: kindDerived,
		compute: func(tr *Tracker) (any, error) {
			v, err := body(tr)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	return &DerivedCell[T]{cellCore: newCore(st, sp, opts)}
}

func (d *DerivedCell[T]) load(v any) T { return as[T](v) }

// Get returns the committed value, running the computation first if the cell
// was never read or a dependency changed. Get never returns a stale value.
func (d *DerivedCell[T]) Get() (T, error) {
	v, err := d.st.Get(d)
	if err != nil {
		var zero T
		return zero, err
	}
	return as[T](v), nil
}

// Subscribe registers fn to run with the committed value after every cycle
// in which this cell's value changed. The returned function detaches the
// subscriber.
func (d *DerivedCell[T]) Subscribe(fn func(T)) (func(), error) {
	if fn == nil {
		panic("weft: Subscribe requires a non-nil callback")
	}
	return d.st.Subscribe(d, func(v any) { fn(as[T](v)) })
}
