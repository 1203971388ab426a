package weft

// WritableCell is the external mutation entry point: a cell whose value is
// assigned directly by callers. The handle carries no storage of its own;
// the value lives in the store's table, keyed by identity.
type WritableCell[T any] struct {
	cellCore
}

// NewWritable declares a writable cell holding initial. Declaring allocates
// only identity and configuration; the graph entry appears on first access.
func NewWritable[T any](st *Store, initial T, opts ...CellOption) *WritableCell[T] {
	sp := cellSpec{
		kind:    kindWritable,
		initial: initial,
		coerce:  coerceTo[T](),
	}
	return &WritableCell[T]{cellCore: newCore(st, sp, opts)}
}

func (w *WritableCell[T]) load(v any) T { return as[T](v) }

// Get returns the current value. Writable reads cannot fail: the cell always
// holds a committed value once materialized.
func (w *WritableCell[T]) Get() T {
	v, _ := w.st.Get(w)
	return as[T](v)
}

// Set writes a new value and, outside a batch, propagates synchronously. A
// value equal to the current one (by the cell's configured equality) is
// gated: no state transition, no recomputation, no notification.
func (w *WritableCell[T]) Set(value T) error {
	return w.st.Set(w, value)
}

// Update applies fn to the current value and writes the result back.
func (w *WritableCell[T]) Update(fn func(T) T) error {
	if fn == nil {
		panic("weft: Update requires a non-nil function")
	}
	return w.st.Set(w, fn(w.Get()))
}

// ForceSet writes without consulting the interceptor chain. Equality gating
// still applies.
func (w *WritableCell[T]) ForceSet(value T) error {
	return w.st.ForceSet(w, value)
}

// Subscribe registers fn to run with the committed value after every cycle
// in which this cell's value changed. The returned function detaches the
// subscriber.
func (w *WritableCell[T]) Subscribe(fn func(T)) (func(), error) {
	if fn == nil {
		panic("weft: Subscribe requires a non-nil callback")
	}
	return w.st.Subscribe(w, func(v any) { fn(as[T](v)) })
}
