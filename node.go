package weft

import (
	"context"
	"reflect"
	"sync/atomic"
)

// NodeID is a process-unique identity for one cell. Identity, not structural
// equality of configuration, defines a cell: two cells built from identical
// initial values are distinct.
type NodeID int64

// identity is the process-wide id fountain. Stores are fully independent, but
// ids never collide across them.
var identity atomic.Int64

func nextID() NodeID {
	return NodeID(identity.Add(1))
}

// nodeState tracks propagation status. A node's cached value is trustworthy
// iff its state is clean.
type nodeState uint8

const (
	stateClean nodeState = iota
	stateCheck           // possibly affected, pending verification
	stateDirty           // directly written this cycle
)

func (s nodeState) String() string {
	switch s {
	case stateClean:
		return "clean"
	case stateCheck:
		return "check"
	case stateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

type nodeKind uint8

const (
	kindWritable nodeKind = iota
	kindDerived
	kindEffect
	kindAsync
)

func (k nodeKind) String() string {
	switch k {
	case kindWritable:
		return "writable"
	case kindDerived:
		return "derived"
	case kindEffect:
		return "effect"
	case kindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// node is the runtime bookkeeping record for one materialized cell. Nodes are
// created lazily on first access and live in the store's node table; cell
// handles carry only identity and configuration.
type node struct {
	id    NodeID
	label string
	kind  nodeKind

	value any
	state nodeState

	// deps holds the ids read during the last successful computation;
	// dependents is the reverse edge set. Both are rebuilt by edge diffing
	// after every run.
	deps       map[NodeID]struct{}
	dependents map[NodeID]struct{}

	subs      map[int64]func(any)
	nextSub   int64
	keepAlive bool

	equals func(a, b any) bool

	// Derived, effect, and async nodes.
	compute    func(*Tracker) (any, error)
	everRun    bool
	staticDeps bool // selector: edge set fixed in advance, no frame diff

	// Writable nodes: dynamic type guard for the untyped write surface.
	coerce func(any) (any, error)

	// Effect nodes.
	cleanup Cleanup

	// Async nodes.
	generation int64
	cancel     context.CancelFunc
}

// structuralEquals is the default propagation gate: deep value equality.
func structuralEquals(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
