package weft

import (
	"fmt"
	"slices"
)

// Tracker is the read capability handed to derived, effect, and async
// computations. Reads made through it resolve dependencies to their committed
// values and are recorded into the current tracking frame; when the
// computation returns, the frame becomes the node's new dependency edge set.
type Tracker struct {
	st     *Store
	owner  NodeID
	reads  map[NodeID]struct{}
	record bool
}

// depFailure aborts a computation whose dependency could not settle. It is
// recovered at the computation boundary and never escapes to callers.
type depFailure struct {
	err error
}

// Read returns c's current committed value and records the dependency edge in
// the active tracking frame. A dependency that is itself stale recomputes
// first, so a computation only ever observes fully-settled inputs.
//
// Read panics on structural misuse (nil tracker, cell from another store) and
// aborts the enclosing computation when a dependency fails to settle; the
// engine converts that abort into the error returned to whichever Get, Set,
// or Batch call triggered the computation.
func Read[T any](tr *Tracker, c Observable[T]) T {
	if tr == nil {
		panic("weft: Read called outside a tracked computation")
	}
	if c == nil {
		panic("weft: Read called with a nil cell")
	}
	if c.store() != tr.st {
		panic(fmt.Sprintf("weft: cell %s belongs to a different store", describeCell(c)))
	}

	n := tr.st.materialize(c)
	if err := tr.st.checkActive(n); err != nil {
		panic(depFailure{err: err})
	}
	if err := tr.st.resolve(n); err != nil {
		panic(depFailure{err: err})
	}
	if tr.record {
		tr.reads[n.id] = struct{}{}
	}
	return c.load(n.value)
}

// checkActive detects re-entry into a computation that is already running,
// which is the only way a cycle can appear: edges are created by reads, so a
// cycle always closes through the active stack.
func (s *Store) checkActive(n *node) error {
	for i, id := range s.active {
		if id != n.id {
			continue
		}
		path := append(slices.Clone(s.active[i:]), n.id)
		labels := make([]string, len(path))
		for j, pid := range path {
			if pn := s.nodes[pid]; pn != nil {
				labels[j] = pn.label
			}
		}
		return NewCycleError(path, labels)
	}
	return nil
}

func (s *Store) pushActive(id NodeID) {
	s.active = append(s.active, id)
}

func (s *Store) popActive() {
	s.active = s.active[:len(s.active)-1]
}

func (s *Store) onActiveStack(id NodeID) bool {
	for _, aid := range s.active {
		if aid == id {
			return true
		}
	}
	return false
}
