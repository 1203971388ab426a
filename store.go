package weft

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"
)

const defaultMaxSteps = 1_000_000

// Store owns the node table and is the single point of mutation and
// observation for one reactive graph. All propagation work runs synchronously
// inside the public call that triggered it; a Store is single-threaded
// cooperative and holds no locks. Independent Stores share nothing except
// the process-wide id fountain.
type Store struct {
	id     string
	logger *slog.Logger
	tokens TokenGenerator
	now    func() time.Time

	nodes map[NodeID]*node

	// Write bookkeeping. pendingMarks holds directly-written nodes awaiting a
	// mark/propagate pass; pendingForced holds nodes that must recompute even
	// if no dependency changed value (their edge set changed structurally).
	// pre keeps each node's value from before the current cycle so
	// notifications compare against the pre-cycle world.
	batchDepth    int
	pendingMarks  map[NodeID]struct{}
	pendingForced map[NodeID]struct{}
	pre           map[NodeID]any

	// Re-entrancy. cycle is non-nil while a propagation pass runs; notifying
	// is true while subscriber callbacks fire. Writes and removals arriving
	// in either window are deferred and replayed as a follow-up pass.
	cycle            *cycleState
	notifying        bool
	deferredWrites   []deferredWrite
	deferredRemovals []NodeID

	maxSteps int
	steps    int

	interceptors []Interceptor

	// Async completion plumbing.
	completions *completionQueue
	inflight    int

	// Auto-dispose.
	disposeOn      bool
	disposeGrace   time.Duration
	pendingDispose map[NodeID]time.Time

	// active is the stack of computations currently running, used for cycle
	// detection: a cycle always closes by re-reading a node on this stack.
	active []NodeID
}

type deferredWrite struct {
	id          NodeID
	value       any
	bypassHooks bool
}

// StoreOption configures a Store at construction time.
type StoreOption func(*Store)

// WithLogger sets the structured logger. The default discards output, which
// suits library use; pass a real handler to surface engine activity.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTokens sets the generator for the store id and per-cycle trace tokens.
func WithTokens(gen TokenGenerator) StoreOption {
	return func(s *Store) {
		if gen != nil {
			s.tokens = gen
		}
	}
}

// WithTimeSource sets the clock consulted for auto-dispose deadlines.
func WithTimeSource(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxSteps bounds the number of node settlements in one propagation
// cycle. Exceeding the bound surfaces a STEP_LIMIT error to the caller that
// initiated the write. Zero disables the bound.
func WithMaxSteps(limit int) StoreOption {
	return func(s *Store) { s.maxSteps = limit }
}

// WithDisposeGrace enables auto-dispose: a node whose last subscriber
// detaches is removed after the grace period elapses without a new
// subscriber, unless it is keep-alive or still has dependents. Sweeps run
// cooperatively at public operation boundaries.
func WithDisposeGrace(grace time.Duration) StoreOption {
	return func(s *Store) {
		s.disposeOn = true
		s.disposeGrace = grace
	}
}

// WithInterceptor appends an interceptor whose hooks observe writes,
// recomputations, notifications, errors, discards, and removals. Hooks run
// in registration order and must not re-enter the store synchronously.
func WithInterceptor(ic Interceptor) StoreOption {
	return func(s *Store) { s.interceptors = append(s.interceptors, ic) }
}

// New creates an empty store.
func New(opts ...StoreOption) *Store {
	s := &Store{
		logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		tokens:         UUIDv7Generator{},
		now:            time.Now,
		nodes:          make(map[NodeID]*node),
		pendingMarks:   make(map[NodeID]struct{}),
		pendingForced:  make(map[NodeID]struct{}),
		pre:            make(map[NodeID]any),
		maxSteps:       defaultMaxSteps,
		completions:    newCompletionQueue(),
		pendingDispose: make(map[NodeID]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.id = s.tokens.Generate()
	s.logger = s.logger.With("store", s.id)
	return s
}

// mustOwn guards the public surface against structural misuse, which is
// programmer error rather than a runtime condition.
func (s *Store) mustOwn(c Cell) {
	if c == nil {
		panic("weft: nil cell")
	}
	if c.store() != s {
		panic(fmt.Sprintf("weft: cell %s belongs to a different store", describeCell(c)))
	}
}

// materialize returns the node for c, creating it on first access. Declaring
// a cell allocates only identity and configuration; the graph entry appears
// here. Idempotent.
func (s *Store) materialize(c Cell) *node {
	if n, ok := s.nodes[c.ID()]; ok {
		return n
	}
	sp := c.spec()
	n := &node{
		id:         c.ID(),
		label:      sp.label,
		kind:       sp.kind,
		value:      sp.initial,
		deps:       make(map[NodeID]struct{}),
		dependents: make(map[NodeID]struct{}),
		subs:       make(map[int64]func(any)),
		keepAlive:  sp.keepAlive,
		equals:     sp.equals,
		compute:    sp.compute,
		coerce:     sp.coerce,
		staticDeps: sp.source != nil,
	}
	if sp.kind == kindWritable {
		n.state = stateClean
		n.everRun = true
	} else {
		n.state = stateCheck
	}
	s.nodes[n.id] = n
	if sp.source != nil {
		src := s.materialize(sp.source)
		n.deps[src.id] = struct{}{}
		src.dependents[n.id] = struct{}{}
	}
	s.logger.Debug("node materialized",
		"node", n.id,
		"label", n.label,
		"kind", n.kind.String())
	return n
}

// opEntry runs the cooperative housekeeping owed at a public operation
// boundary: due disposals are swept, queued async completions are committed,
// and any resulting propagation runs to quiescence. No-op while a batch,
// cycle, or notification pass is open.
//
// Errors raised by that propagation belong to the asynchronous timeline,
// not to whichever unrelated call happened to enter next; they are logged
// and reach observers through the OnError hook instead of being returned.
func (s *Store) opEntry() {
	if s.batchDepth > 0 || s.cycle != nil || s.notifying {
		return
	}
	s.sweepDisposals()
	s.drainCompletions()
	if len(s.pendingMarks) > 0 || len(s.pendingForced) > 0 {
		if err := s.runCycle(); err != nil {
			s.logger.Error("queued propagation failed", "error", err)
		}
	}
}

func (s *Store) drainCompletions() {
	for {
		c, ok := s.completions.tryDequeue()
		if !ok {
			return
		}
		s.applyCompletion(c)
	}
}

// Get returns c's current committed value, materializing the node and running
// its first computation if it has never been read. Get never returns a stale
// value: a non-Clean dependency chain recomputes synchronously first.
func (s *Store) Get(c Cell) (any, error) {
	s.mustOwn(c)
	s.opEntry()
	n := s.materialize(c)
	if n.kind == kindEffect {
		err := NewInvalidWriteError(n.id, n.label, "effect cells hold no readable value")
		s.hookError(err)
		return nil, err
	}
	if err := s.resolve(n); err != nil {
		s.hookError(err)
		return nil, err
	}
	return n.value, nil
}

// Peek returns the cached value without materializing, recomputing, or
// housekeeping. The boolean reports whether the cell is materialized with a
// trustworthy (Clean) value; Peek never triggers computation, so a cell that
// was never read reports false.
func (s *Store) Peek(c Cell) (any, bool) {
	s.mustOwn(c)
	n := s.nodes[c.ID()]
	if n == nil || n.kind == kindEffect || n.state != stateClean {
		return nil, false
	}
	return n.value, true
}

// Set writes a value to a writable cell and, outside a batch, runs the
// mark/propagate cycle synchronously before returning. A value equal to the
// current one (by the cell's configured equality) is a no-op: no state
// transition, no recomputation, no notification.
func (s *Store) Set(c Cell, value any) error {
	return s.write(c, value, false)
}

// ForceSet is Set without the interceptor chain: before/after write hooks do
// not fire. Test harnesses and rollback paths use it to keep persistence and
// audit layers out of synthetic writes. Equality gating still applies.
func (s *Store) ForceSet(c Cell, value any) error {
	return s.write(c, value, true)
}

// Update applies fn to c's current committed value and writes the result back
// through Set: one read, one equality-gated write.
func (s *Store) Update(c Cell, fn func(any) any) error {
	if fn == nil {
		panic("weft: Update requires a non-nil function")
	}
	v, err := s.Get(c)
	if err != nil {
		return err
	}
	return s.Set(c, fn(v))
}

func (s *Store) write(c Cell, value any, bypassHooks bool) error {
	s.mustOwn(c)
	n := s.materialize(c)
	if n.kind != kindWritable {
		err := NewInvalidWriteError(n.id, n.label, "cell is not writable")
		s.hookError(err)
		return err
	}
	v := value
	if n.coerce != nil {
		cv, err := n.coerce(value)
		if err != nil {
			werr := NewInvalidWriteError(n.id, n.label, err.Error())
			s.hookError(werr)
			return werr
		}
		v = cv
	}
	if s.cycle != nil || s.notifying {
		s.deferredWrites = append(s.deferredWrites, deferredWrite{id: n.id, value: v, bypassHooks: bypassHooks})
		s.logger.Debug("write deferred", "node", n.id, "label", n.label)
		return nil
	}
	if s.batchDepth == 0 {
		s.sweepDisposals()
		s.drainCompletions()
	}
	s.applyWrite(n, v, bypassHooks)
	if s.batchDepth == 0 {
		return s.runCycle()
	}
	return nil
}

// applyWrite commits a validated write into the value table and queues the
// node for the next mark/propagate pass. Inside a batch the table updates
// immediately and propagation waits for batch close.
func (s *Store) applyWrite(n *node, value any, bypassHooks bool) {
	if n.equals(n.value, value) {
		s.logger.Debug("write gated by equality", "node", n.id, "label", n.label)
		return
	}
	ev := &WriteEvent{
		Node:    n.id,
		Label:   n.label,
		Prev:    n.value,
		Next:    value,
		InBatch: s.batchDepth > 0,
	}
	if !bypassHooks {
		s.hookBeforeWrite(ev)
	}
	if _, ok := s.pre[n.id]; !ok {
		s.pre[n.id] = n.value
	}
	n.value = value
	n.state = stateDirty
	s.pendingMarks[n.id] = struct{}{}
	s.logger.Debug("value written",
		"node", n.id,
		"label", n.label,
		"batched", s.batchDepth > 0)
	if !bypassHooks {
		s.hookAfterWrite(ev)
	}
}

// Batch opens a transactional boundary: writes inside fn update the value
// table immediately but defer mark/propagate and notification until the
// outermost batch closes, which then runs one cycle for the union of all
// written cells and fires at most one notification per changed cell. Nested
// calls collapse into the outermost boundary. A panic in fn unwinds without
// propagating; the accumulated writes are picked up by the next operation.
func (s *Store) Batch(fn func() error) (err error) {
	if fn == nil {
		panic("weft: Batch requires a non-nil function")
	}
	if s.batchDepth == 0 && s.cycle == nil && !s.notifying {
		s.sweepDisposals()
		s.drainCompletions()
	}
	s.batchDepth++
	completed := false
	defer func() {
		s.batchDepth--
		if !completed || s.batchDepth > 0 || s.cycle != nil || s.notifying {
			return
		}
		if cerr := s.runCycle(); err == nil {
			err = cerr
		}
	}()
	err = fn()
	completed = true
	return err
}

// Subscribe registers fn to run after every committed propagation cycle in
// which c's value changed (by its configured equality) relative to before the
// cycle. The cell is materialized and settled first, so the subscription
// baseline is the value fn's first invocation will be compared against.
// The returned function detaches the subscriber; it is idempotent.
func (s *Store) Subscribe(c Cell, fn func(any)) (func(), error) {
	s.mustOwn(c)
	if fn == nil {
		panic("weft: Subscribe requires a non-nil callback")
	}
	s.opEntry()
	n := s.materialize(c)
	if n.kind == kindEffect {
		err := NewInvalidWriteError(n.id, n.label, "effect cells cannot be subscribed")
		s.hookError(err)
		return nil, err
	}
	if err := s.resolve(n); err != nil {
		s.hookError(err)
		return nil, err
	}
	delete(s.pendingDispose, n.id)
	tok := n.nextSub
	n.nextSub++
	n.subs[tok] = fn
	s.logger.Debug("subscriber attached",
		"node", n.id,
		"label", n.label,
		"subscribers", len(n.subs))

	released := false
	return func() {
		if released {
			return
		}
		released = true
		cur := s.nodes[n.id]
		if cur == nil {
			return
		}
		delete(cur.subs, tok)
		s.logger.Debug("subscriber detached",
			"node", cur.id,
			"label", cur.label,
			"subscribers", len(cur.subs))
		if len(cur.subs) == 0 {
			s.scheduleDispose(cur)
		}
	}, nil
}

// SnapshotEntry captures one materialized node's value at snapshot time.
type SnapshotEntry struct {
	ID       NodeID
	Label    string
	Value    any
	Writable bool
}

// Snapshot captures the entire value table, one entry per materialized node,
// in ascending id order. The capture is passive: no housekeeping, no
// recomputation. Values are captured by reference, so callers that mutate
// snapshotted values in place defeat rollback.
func (s *Store) Snapshot() []SnapshotEntry {
	ids := make([]NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	entries := make([]SnapshotEntry, 0, len(ids))
	for _, id := range ids {
		n := s.nodes[id]
		entries = append(entries, SnapshotEntry{
			ID:       n.id,
			Label:    n.label,
			Value:    n.value,
			Writable: n.kind == kindWritable,
		})
	}
	return entries
}

// Restore replays a snapshot's writable entries as one batch of hook-free
// writes; derived values follow from propagation rather than being installed
// directly. Entries for nodes no longer materialized are skipped. Restoring
// the snapshot just taken is a no-op by equality gating.
func (s *Store) Restore(entries []SnapshotEntry) error {
	if s.cycle != nil || s.notifying {
		err := NewInvalidWriteError(0, "", "restore is not allowed during an active propagation")
		s.hookError(err)
		return err
	}
	return s.Batch(func() error {
		for _, e := range entries {
			if !e.Writable {
				continue
			}
			n := s.nodes[e.ID]
			if n == nil {
				s.logger.Debug("restore skipped unknown node", "node", e.ID, "label", e.Label)
				continue
			}
			if n.kind != kindWritable {
				continue
			}
			s.applyWrite(n, e.Value, true)
		}
		return nil
	})
}

// Remove deletes c's node, severing all edges. Dependents are queued for a
// forced recomputation: reading the removed cell again re-materializes it
// fresh, so survivors settle against its initial value. Removing a cell that
// was never materialized is a no-op.
func (s *Store) Remove(c Cell) error {
	s.mustOwn(c)
	n := s.nodes[c.ID()]
	if n == nil {
		return nil
	}
	if s.cycle != nil || s.notifying {
		s.deferredRemovals = append(s.deferredRemovals, n.id)
		return nil
	}
	if s.batchDepth == 0 {
		s.sweepDisposals()
		s.drainCompletions()
	}
	s.removeNode(n, true)
	if s.batchDepth == 0 {
		return s.runCycle()
	}
	return nil
}

// removeNode severs both edge directions and drops the node from every
// table. Effects run their retained cleanup; async nodes cancel any
// in-flight fetch. With forceDependents set, surviving dependents are queued
// to recompute against the node's absence.
func (s *Store) removeNode(n *node, forceDependents bool) {
	if n.kind == kindEffect {
		s.runCleanup(n)
	}
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	for dep := range n.deps {
		d := s.nodes[dep]
		if d == nil {
			continue
		}
		delete(d.dependents, n.id)
		if len(d.dependents) == 0 && len(d.subs) == 0 {
			s.scheduleDispose(d)
		}
	}
	for did := range n.dependents {
		d := s.nodes[did]
		if d == nil {
			continue
		}
		delete(d.deps, n.id)
		if forceDependents {
			s.pendingForced[did] = struct{}{}
		}
	}
	delete(s.nodes, n.id)
	delete(s.pendingMarks, n.id)
	delete(s.pendingForced, n.id)
	delete(s.pendingDispose, n.id)
	delete(s.pre, n.id)
	s.logger.Debug("node removed",
		"node", n.id,
		"label", n.label,
		"kind", n.kind.String())
	s.hookRemove(&RemoveEvent{Node: n.id, Label: n.label})
}

// NodeIDs returns the identities of all materialized nodes in ascending
// order.
func (s *Store) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of materialized nodes.
func (s *Store) Len() int {
	return len(s.nodes)
}

// scheduleDispose arms the auto-dispose timer for an unobserved node. The
// deadline is cleared the instant a new subscriber attaches.
func (s *Store) scheduleDispose(n *node) {
	if !s.disposeOn || n.keepAlive {
		return
	}
	if len(n.subs) > 0 || len(n.dependents) > 0 {
		return
	}
	s.pendingDispose[n.id] = s.now().Add(s.disposeGrace)
	s.logger.Debug("dispose scheduled",
		"node", n.id,
		"label", n.label,
		"grace", s.disposeGrace.String())
}

// sweepDisposals removes nodes whose grace period elapsed without a new
// subscriber. Conditions are re-checked at sweep time: a node that picked up
// a dependent or subscriber since scheduling survives.
func (s *Store) sweepDisposals() {
	if !s.disposeOn || len(s.pendingDispose) == 0 {
		return
	}
	now := s.now()
	due := make([]NodeID, 0, len(s.pendingDispose))
	for id, deadline := range s.pendingDispose {
		if !deadline.After(now) {
			due = append(due, id)
		}
	}
	slices.Sort(due)
	for _, id := range due {
		delete(s.pendingDispose, id)
		n := s.nodes[id]
		if n == nil {
			continue
		}
		if n.keepAlive || len(n.subs) > 0 || len(n.dependents) > 0 {
			continue
		}
		s.logger.Debug("node auto-disposed", "node", id, "label", n.label)
		s.removeNode(n, false)
	}
}
