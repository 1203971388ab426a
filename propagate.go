package weft

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
)

// cycleState is the bookkeeping for one mark/propagate cycle.
type cycleState struct {
	token   string
	changed map[NodeID]struct{} // committed a value change this cycle
	settled map[NodeID]struct{} // reached a terminal state this cycle
	forced  map[NodeID]struct{} // must recompute even without a changed dep
	order   []NodeID            // commit order of changed nodes
}

// runCycle drives propagation to quiescence: one mark/propagate pass for the
// pending writes, its notifications, then follow-up passes for any writes the
// notifications issued. Only the outermost caller enters here; batches and
// nested mutations fold their marks into the pending set instead.
func (s *Store) runCycle() error {
	if s.cycle != nil || s.notifying {
		return nil
	}
	s.steps = 0

	var firstErr error
	for len(s.pendingMarks) > 0 || len(s.pendingForced) > 0 {
		cyc, err := s.propagateOnce()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		s.notifyCommitted(cyc)
		s.pre = make(map[NodeID]any)
		s.applyDeferred()
	}
	if firstErr != nil {
		s.hookError(firstErr)
	}
	return firstErr
}

// propagateOnce runs a single mark phase and rank-ordered propagate phase over
// the pending write set. On error the committed prefix stays committed; nodes
// that never settled stay in Check state and retry on their next read.
func (s *Store) propagateOnce() (*cycleState, error) {
	cyc := &cycleState{
		token:   s.tokens.Generate(),
		changed: make(map[NodeID]struct{}),
		settled: make(map[NodeID]struct{}),
		forced:  s.pendingForced,
	}
	dirty := s.pendingMarks
	s.pendingMarks = make(map[NodeID]struct{})
	s.pendingForced = make(map[NodeID]struct{})

	// Mark phase: directly-written nodes are already Dirty; walk forward and
	// flag every reachable dependent Check. The visited set doubles as the
	// affected frontier.
	affected := make(map[NodeID]struct{}, len(dirty)*2)
	for id := range dirty {
		n := s.nodes[id]
		if n == nil {
			continue
		}
		affected[id] = struct{}{}
		s.markDependents(n, affected)
	}
	for id := range cyc.forced {
		n := s.nodes[id]
		if n == nil {
			continue
		}
		if n.state == stateClean {
			n.state = stateCheck
		}
		if _, seen := affected[id]; !seen {
			affected[id] = struct{}{}
			s.markDependents(n, affected)
		}
	}
	if len(affected) == 0 {
		return cyc, nil
	}

	s.logger.Debug("propagation started",
		"cycle", cyc.token,
		"written", len(dirty),
		"affected", len(affected))

	// Propagate phase: Kahn's algorithm over the affected subgraph. A node is
	// ready once every affected dependency has settled; ties break by
	// ascending id so the order is deterministic.
	indeg := make(map[NodeID]int, len(affected))
	for id := range affected {
		n := s.nodes[id]
		count := 0
		for dep := range n.deps {
			if _, in := affected[dep]; in {
				count++
			}
		}
		indeg[id] = count
	}
	ready := &nodeIDHeap{}
	heap.Init(ready)
	for id, d := range indeg {
		if d == 0 {
			heap.Push(ready, int64(id))
		}
	}

	s.cycle = cyc
	defer func() { s.cycle = nil }()

	var firstErr error
	for ready.Len() > 0 {
		id := NodeID(heap.Pop(ready).(int64))
		n := s.nodes[id]
		if n == nil {
			continue
		}
		if _, done := cyc.settled[id]; !done && firstErr == nil {
			if err := s.settleNode(n, cyc); err != nil {
				firstErr = err
			}
		}
		for did := range n.dependents {
			if _, in := affected[did]; !in {
				continue
			}
			indeg[did]--
			if indeg[did] == 0 {
				heap.Push(ready, int64(did))
			}
		}
	}

	s.logger.Debug("propagation committed",
		"cycle", cyc.token,
		"changed", len(cyc.order))
	return cyc, firstErr
}

func (s *Store) markDependents(n *node, affected map[NodeID]struct{}) {
	for did := range n.dependents {
		if _, seen := affected[did]; seen {
			continue
		}
		d := s.nodes[did]
		if d == nil {
			continue
		}
		if d.state == stateClean {
			d.state = stateCheck
		}
		affected[did] = struct{}{}
		s.markDependents(d, affected)
	}
}

// resolve brings a node to a trustworthy state. Outside a propagation cycle a
// non-Clean node simply recomputes (first read, or a retry after an earlier
// failure); inside a cycle it settles through the shared cycle bookkeeping so
// pull-resolved nodes and scheduler-ordered nodes commit identically.
func (s *Store) resolve(n *node) error {
	if n.state == stateClean {
		return nil
	}
	if n.state == stateDirty && s.cycle == nil {
		// Written inside an open batch: the value table already holds the
		// written value, propagation is deferred to batch close.
		return nil
	}
	return s.settleNode(n, s.cycle)
}

// settleNode brings one node to its terminal state for this cycle: committing
// written values, verifying or recomputing Check nodes, and recording value
// changes for notification.
func (s *Store) settleNode(n *node, cyc *cycleState) error {
	if cyc != nil {
		// The step bound only meters cycle work. Out-of-cycle pulls are
		// bounded by graph depth, and a runaway can only be built out of
		// notification-driven follow-up passes, which all run under a cycle.
		s.steps++
		if s.maxSteps > 0 && s.steps > s.maxSteps {
			return NewStepLimitError(s.maxSteps)
		}
		defer func() { cyc.settled[n.id] = struct{}{} }()
	}

	switch n.state {
	case stateClean:
		return nil

	case stateDirty:
		// Directly written: the externally-supplied value is the new cached
		// value. Whether it counts as changed compares against the value from
		// before the cycle, so a write-back inside a batch nets out.
		n.state = stateClean
		pre, ok := s.pre[n.id]
		if cyc != nil && (!ok || !n.equals(pre, n.value)) {
			cyc.changed[n.id] = struct{}{}
			cyc.order = append(cyc.order, n.id)
		}
		return nil

	case stateCheck:
		needsRun := !n.everRun
		if !needsRun && cyc != nil {
			if _, forced := cyc.forced[n.id]; forced {
				needsRun = true
			}
		}
		if !needsRun && cyc != nil {
			for dep := range n.deps {
				if _, ch := cyc.changed[dep]; ch {
					needsRun = true
					break
				}
				// A dependency still mid-computation has no settled outcome
				// to gate on. Recompute: either the run re-reads it and the
				// active-stack check reports the cycle, or the run branched
				// away and the result is simply fresh.
				if s.onActiveStack(dep) {
					needsRun = true
					break
				}
			}
		}
		if !needsRun && cyc == nil {
			// Left Check by an earlier failed cycle: recompute on retry.
			needsRun = true
		}
		if !needsRun {
			// No input actually changed value: the node is verified Clean
			// without recomputation and propagation stops on this branch.
			n.state = stateClean
			s.logger.Debug("verification skipped", "node", n.id, "label", n.label)
			return nil
		}

		prev := n.value
		result, err := s.runComputation(n)
		if err != nil {
			// State stays Check so the next read retries; the cached value is
			// still the last Clean one.
			s.logger.Error("recompute failed",
				"node", n.id,
				"label", n.label,
				"kind", n.kind.String(),
				"error", err)
			s.hookRecompute(&RecomputeEvent{Node: n.id, Label: n.label, Result: RecomputeFailed, Err: err})
			return err
		}

		n.state = stateClean
		switch n.kind {
		case kindDerived:
			changed := !n.everRun || !n.equals(prev, result)
			n.everRun = true
			if changed {
				if cyc != nil {
					if _, ok := s.pre[n.id]; !ok {
						s.pre[n.id] = prev
					}
					cyc.changed[n.id] = struct{}{}
					cyc.order = append(cyc.order, n.id)
				}
				n.value = result
				s.hookRecompute(&RecomputeEvent{Node: n.id, Label: n.label, Result: RecomputeChanged})
			} else {
				s.hookRecompute(&RecomputeEvent{Node: n.id, Label: n.label, Result: RecomputeUnchanged})
			}

		case kindEffect:
			n.everRun = true
			if cl, ok := result.(Cleanup); ok {
				n.cleanup = cl
			} else {
				n.cleanup = nil
			}
			s.hookRecompute(&RecomputeEvent{Node: n.id, Label: n.label, Result: RecomputeChanged})

		case kindAsync:
			n.everRun = true
			fetch, _ := result.(asyncFetch)
			if fetch == nil {
				return NewRecomputeError(n.id, n.label, errors.New("async computation returned no fetch"))
			}
			s.startFetch(n, fetch, cyc)
			s.hookRecompute(&RecomputeEvent{Node: n.id, Label: n.label, Result: RecomputeChanged})
		}
		return nil

	default:
		return nil
	}
}

// runComputation executes a node's computation inside a fresh tracking frame
// and applies the edge diff on success. Effect cleanups run before the body.
// Panics become RECOMPUTE_FAILED errors; a dependency abort carries the
// dependency's own error through unchanged.
func (s *Store) runComputation(n *node) (result any, err error) {
	if n.kind == kindEffect {
		s.runCleanup(n)
	}

	tr := &Tracker{st: s, owner: n.id, record: !n.staticDeps}
	if tr.record {
		tr.reads = make(map[NodeID]struct{}, len(n.deps))
	}

	s.pushActive(n.id)
	defer s.popActive()
	defer func() {
		if r := recover(); r != nil {
			if df, ok := r.(depFailure); ok {
				result, err = nil, df.err
				return
			}
			result, err = nil, NewRecomputeError(n.id, n.label, fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = n.compute(tr)
	if err != nil {
		var ge *GraphError
		if !errors.As(err, &ge) {
			err = NewRecomputeError(n.id, n.label, err)
		}
		return nil, err
	}
	if tr.record {
		s.applyEdgeDiff(n, tr.reads)
	}
	return result, nil
}

// applyEdgeDiff replaces the node's dependency set with the freshly-tracked
// one: stale edges removed, new edges added. Edges only ever change through
// here (and through removal), immediately after a successful computation.
func (s *Store) applyEdgeDiff(n *node, reads map[NodeID]struct{}) {
	for old := range n.deps {
		if _, still := reads[old]; still {
			continue
		}
		if dep := s.nodes[old]; dep != nil {
			delete(dep.dependents, n.id)
		}
	}
	for fresh := range reads {
		if _, had := n.deps[fresh]; had {
			continue
		}
		if dep := s.nodes[fresh]; dep != nil {
			dep.dependents[n.id] = struct{}{}
		}
	}
	n.deps = reads
}

// runCleanup invokes and clears an effect's retained cleanup. Cleanup
// failures are logged and do not abort the rerun: there is no caller to
// receive them once the effect that registered the cleanup has moved on.
func (s *Store) runCleanup(n *node) {
	cl := n.cleanup
	if cl == nil {
		return
	}
	n.cleanup = nil
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("effect cleanup panicked",
				"node", n.id,
				"label", n.label,
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	cl()
}

// notifyCommitted fires subscriber callbacks for every node that committed a
// changed value, in commit order (upstream before downstream), at most once
// per node per cycle. Writes issued by callbacks are deferred and applied as
// a follow-up cycle.
func (s *Store) notifyCommitted(cyc *cycleState) {
	if cyc == nil || len(cyc.order) == 0 {
		return
	}
	s.notifying = true
	defer func() { s.notifying = false }()

	for _, id := range cyc.order {
		n := s.nodes[id]
		if n == nil {
			continue
		}
		if len(n.subs) > 0 {
			tokens := make([]int64, 0, len(n.subs))
			for tok := range n.subs {
				tokens = append(tokens, tok)
			}
			sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
			for _, tok := range tokens {
				cb := n.subs[tok]
				if cb != nil {
					cb(n.value)
				}
			}
		}
		s.logger.Debug("subscribers notified",
			"cycle", cyc.token,
			"node", n.id,
			"label", n.label,
			"callbacks", len(n.subs))
		s.hookNotify(&NotifyEvent{Node: n.id, Label: n.label, Value: n.value})
	}
}

// applyDeferred replays writes and removals that arrived while the engine was
// mid-cycle or mid-notification. They populate the pending sets; the runCycle
// loop picks them up as the next pass.
func (s *Store) applyDeferred() {
	writes := s.deferredWrites
	s.deferredWrites = nil
	for _, w := range writes {
		if n := s.nodes[w.id]; n != nil {
			s.applyWrite(n, w.value, w.bypassHooks)
		}
	}

	removals := s.deferredRemovals
	s.deferredRemovals = nil
	for _, id := range removals {
		if n := s.nodes[id]; n != nil {
			s.removeNode(n, true)
		}
	}
}

// nodeIDHeap is a min-heap of node ids backing the deterministic ready queue.
type nodeIDHeap []int64

func (h nodeIDHeap) Len() int           { return len(h) }
func (h nodeIDHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nodeIDHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeIDHeap) Push(x any)        { *h = append(*h, x.(int64)) }

func (h *nodeIDHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
