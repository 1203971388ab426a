package weft

import (
	"fmt"
	"reflect"

	"github.com/weftlabs/weft/internal/canon"
)

// Cell is the handle interface shared by every cell type. It is sealed: the
// unexported methods keep implementations inside this package, so the store
// can trust every handle it receives.
type Cell interface {
	// ID returns the cell's process-unique identity.
	ID() NodeID
	// Label returns the optional debug label, or "".
	Label() string

	store() *Store
	spec() *cellSpec
}

// Observable is a Cell whose committed value can be read through a Tracker
// and subscribed to with a typed callback.
type Observable[T any] interface {
	Cell
	load(v any) T
}

// cellSpec is the materialization recipe captured at construction time.
type cellSpec struct {
	kind      nodeKind
	label     string
	keepAlive bool
	equals    func(a, b any) bool
	initial   any
	coerce    func(any) (any, error)
	compute   func(*Tracker) (any, error)
	source    Cell // selector: the single static dependency
}

// cellCore carries identity, the owning store, and the cellSpec. Every
// concrete cell type embeds it.
type cellCore struct {
	id NodeID
	st *Store
	sp cellSpec
}

func (c *cellCore) ID() NodeID      { return c.id }
func (c *cellCore) Label() string   { return c.sp.label }
func (c *cellCore) store() *Store   { return c.st }
func (c *cellCore) spec() *cellSpec { return &c.sp }

func newCore(st *Store, sp cellSpec, opts []CellOption) cellCore {
	if st == nil {
		panic("weft: cell constructors require a non-nil store")
	}
	for _, opt := range opts {
		opt(&sp)
	}
	if sp.equals == nil {
		sp.equals = structuralEquals
	}
	return cellCore{id: nextID(), st: st, sp: sp}
}

// CellOption configures a cell at construction time.
type CellOption func(*cellSpec)

// WithLabel attaches a debug label used in logs, traces, and error paths.
func WithLabel(label string) CellOption {
	return func(sp *cellSpec) { sp.label = label }
}

// WithKeepAlive exempts the cell from auto-dispose sweeps.
func WithKeepAlive() CellOption {
	return func(sp *cellSpec) { sp.keepAlive = true }
}

// WithEquals installs a typed comparator gating propagation for this cell.
// Stored values that are not a T compare unequal, so a type mix-up widens
// propagation instead of suppressing it.
func WithEquals[T any](eq func(a, b T) bool) CellOption {
	return func(sp *cellSpec) {
		sp.equals = func(a, b any) bool {
			av, aok := a.(T)
			bv, bok := b.(T)
			if !aok || !bok {
				return false
			}
			return eq(av, bv)
		}
	}
}

// WithCanonicalEquality gates propagation on canonical encodings, so map key
// order and unicode normalization differences do not count as changes.
func WithCanonicalEquality() CellOption {
	return func(sp *cellSpec) { sp.equals = canon.Equal }
}

// as converts a stored value back to its typed form, mapping an empty slot to
// the zero value.
func as[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}

// coerceTo builds the dynamic type guard for a writable cell's untyped write
// surface. An untyped nil is accepted only where T's zero value can hold it.
func coerceTo[T any]() func(any) (any, error) {
	return func(v any) (any, error) {
		if v == nil {
			var zero T
			if isNilable(reflect.TypeOf(&zero).Elem()) {
				return zero, nil
			}
			return nil, fmt.Errorf("nil is not assignable to %T", zero)
		}
		tv, ok := v.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("value of type %T is not assignable to %T", v, zero)
		}
		return tv, nil
	}
}

func isNilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}

func describeCell(c Cell) string {
	if c == nil {
		return "<nil>"
	}
	if l := c.Label(); l != "" {
		return l
	}
	return fmt.Sprintf("#%d", c.ID())
}
