package weft

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AsyncState classifies an async cell's observable result.
type AsyncState string

const (
	AsyncPending AsyncState = "pending"
	AsyncReady   AsyncState = "ready"
	AsyncFailed  AsyncState = "failed"
)

// AsyncResult is the tri-state envelope an async cell holds. While a fetch
// is in flight the state is pending; Previous retains the last successful
// value across refetches so consumers can keep displaying it.
type AsyncResult[T any] struct {
	State       AsyncState
	Value       T     // valid when State is AsyncReady
	Err         error // set when State is AsyncFailed
	Previous    T     // last successful value, valid when HasPrevious
	HasPrevious bool
}

// Fetch is the suspending half of an async cell's computation. The context
// is cancelled when a newer fetch supersedes this one or the cell is
// removed; a fetch that keeps running anyway wastes work but cannot corrupt
// state, because its result fails the generation check.
type Fetch[T any] func(ctx context.Context) (T, error)

// asyncFetch is the untyped form the engine schedules.
type asyncFetch func(ctx context.Context) (any, error)

// AsyncCell is a derived cell whose computation suspends. The synchronous
// body runs under dependency tracking like any derived cell and returns the
// fetch to start; the fetch runs on its own goroutine, and its result
// travels back through the completion queue to commit on the store's
// cooperative timeline, but only if the generation captured at start still
// matches the node's current generation. A superseded result is discarded
// silently.
type AsyncCell[T any] struct {
	cellCore
}

// NewAsync declares an async cell. body reruns whenever a tracked dependency
// changes; each rerun starts a new fetch and supersedes any fetch still in
// flight. Before the first success the envelope is pending with no previous
// value.
//
// WithEquals applies to the fetched value; state transitions always count
// as changes.
func NewAsync[T any](st *Store, body func(tr *Tracker) (Fetch[T], error), opts ...CellOption) *AsyncCell[T] {
	if body == nil {
		panic("weft: NewAsync requires a non-nil body")
	}
	sp := cellSpec{
		kind:    kindAsync,
		initial: AsyncResult[any]{State: AsyncPending},
		compute: func(tr *Tracker) (any, error) {
			fetch, err := body(tr)
			if err != nil {
				return nil, err
			}
			if fetch == nil {
				return nil, errors.New("async body returned a nil fetch")
			}
			var fn asyncFetch = func(ctx context.Context) (any, error) {
				v, ferr := fetch(ctx)
				if ferr != nil {
					return nil, ferr
				}
				return v, nil
			}
			return fn, nil
		},
	}
	c := &AsyncCell[T]{cellCore: newCore(st, sp, opts)}
	c.sp.equals = asyncResultEquals(c.sp.equals)
	return c
}

func (a *AsyncCell[T]) load(v any) AsyncResult[T] {
	r, ok := v.(AsyncResult[any])
	if !ok {
		return AsyncResult[T]{State: AsyncPending}
	}
	out := AsyncResult[T]{State: r.State, Err: r.Err, HasPrevious: r.HasPrevious}
	if r.State == AsyncReady {
		out.Value = as[T](r.Value)
	}
	if r.HasPrevious {
		out.Previous = as[T](r.Previous)
	}
	return out
}

// Get returns the current result envelope without blocking; a fetch in
// flight reports pending. Use Settle to wait for quiescence first.
func (a *AsyncCell[T]) Get() (AsyncResult[T], error) {
	v, err := a.st.Get(a)
	if err != nil {
		return AsyncResult[T]{State: AsyncPending}, err
	}
	return a.load(v), nil
}

// Subscribe registers fn to run with the committed envelope after every
// cycle in which it changed: pending transitions, results, and failures all
// notify. The returned function detaches the subscriber.
func (a *AsyncCell[T]) Subscribe(fn func(AsyncResult[T])) (func(), error) {
	if fn == nil {
		panic("weft: Subscribe requires a non-nil callback")
	}
	return a.st.Subscribe(a, func(v any) { fn(a.load(v)) })
}

// asyncResultEquals lifts a payload comparator to the result envelope.
// State transitions always count as changes; Previous is display metadata
// and never gates propagation.
func asyncResultEquals(valueEq func(a, b any) bool) func(a, b any) bool {
	if valueEq == nil {
		valueEq = structuralEquals
	}
	return func(a, b any) bool {
		ar, aok := a.(AsyncResult[any])
		br, bok := b.(AsyncResult[any])
		if !aok || !bok {
			return false
		}
		if ar.State != br.State {
			return false
		}
		switch ar.State {
		case AsyncReady:
			return valueEq(ar.Value, br.Value)
		case AsyncFailed:
			return ar.Err == br.Err
		default:
			return true
		}
	}
}

// completion is one fetch result travelling back to the cooperative
// timeline.
type completion struct {
	node       NodeID
	generation int64
	value      any
	err        error
}

// completionQueue is a thread-safe FIFO carrying fetch results from their
// goroutines back to the store. Unbounded, so fetches never block on
// delivery; the buffered signal channel coalesces wakeups for Settle.
type completionQueue struct {
	mu     sync.Mutex
	items  []completion
	signal chan struct{}
}

func newCompletionQueue() *completionQueue {
	return &completionQueue{
		items:  make([]completion, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds a completion. Safe to call from any goroutine.
func (q *completionQueue) enqueue(c completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// tryDequeue removes the front completion without blocking.
func (q *completionQueue) tryDequeue() (completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return completion{}, false
	}
	c := q.items[0]
	// Nil the slot so the backing array does not retain value references
	// until reallocation.
	q.items[0] = completion{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return c, true
}

// wait returns the signal channel for select-based waiting.
func (q *completionQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *completionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// startFetch begins a new fetch for an async node: the generation advances,
// the previous fetch's context is cancelled, and the observable envelope
// transitions to pending, retaining the last success for display. The fetch
// runs on its own goroutine and reports back through the completion queue.
func (s *Store) startFetch(n *node, fetch asyncFetch, cyc *cycleState) {
	if n.cancel != nil {
		n.cancel()
	}
	n.generation++
	gen := n.generation
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	cur, _ := n.value.(AsyncResult[any])
	pend := AsyncResult[any]{State: AsyncPending}
	if cur.State == AsyncReady {
		pend.Previous = cur.Value
		pend.HasPrevious = true
	} else {
		pend.Previous = cur.Previous
		pend.HasPrevious = cur.HasPrevious
	}
	if !n.equals(n.value, pend) {
		if cyc != nil {
			if _, ok := s.pre[n.id]; !ok {
				s.pre[n.id] = n.value
			}
			cyc.changed[n.id] = struct{}{}
			cyc.order = append(cyc.order, n.id)
		}
		n.value = pend
	}

	s.inflight++
	s.logger.Debug("async fetch started",
		"node", n.id,
		"label", n.label,
		"generation", gen)
	go func() {
		var (
			v   any
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			v, err = fetch(ctx)
		}()
		s.completions.enqueue(completion{node: n.id, generation: gen, value: v, err: err})
	}()
}

// applyCompletion commits one fetch result, unless it is stale: a result
// whose generation no longer matches the node's current one was superseded
// by a newer fetch and is dropped without propagation or notification.
func (s *Store) applyCompletion(c completion) {
	s.inflight--
	n := s.nodes[c.node]
	if n == nil {
		s.logger.Debug("async result dropped for removed node",
			"node", c.node,
			"generation", c.generation,
			"code", string(ErrCodeStaleResultDiscarded))
		s.hookDiscard(&DiscardEvent{Node: c.node, Generation: c.generation})
		return
	}
	if n.generation != c.generation {
		s.logger.Debug("stale async result discarded",
			"node", n.id,
			"label", n.label,
			"generation", c.generation,
			"current", n.generation,
			"code", string(ErrCodeStaleResultDiscarded))
		s.hookDiscard(&DiscardEvent{
			Node:       n.id,
			Label:      n.label,
			Generation: c.generation,
			Current:    n.generation,
		})
		return
	}
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}

	cur, _ := n.value.(AsyncResult[any])
	res := AsyncResult[any]{Previous: cur.Previous, HasPrevious: cur.HasPrevious}
	if c.err != nil {
		res.State = AsyncFailed
		res.Err = c.err
		s.logger.Warn("async fetch failed",
			"node", n.id,
			"label", n.label,
			"generation", c.generation,
			"code", string(ErrCodeAsyncFetchFailed),
			"error", c.err)
		s.hookError(NewAsyncFetchError(n.id, n.label, c.err))
	} else {
		res.State = AsyncReady
		res.Value = c.value
	}
	if n.equals(n.value, res) {
		return
	}
	if _, ok := s.pre[n.id]; !ok {
		s.pre[n.id] = n.value
	}
	n.value = res
	n.state = stateDirty
	s.pendingMarks[n.id] = struct{}{}
	s.logger.Debug("async result committed",
		"node", n.id,
		"label", n.label,
		"state", string(res.State),
		"generation", c.generation)
}

// Settle drives the store until no fetch is in flight and every queued
// completion has committed and propagated, or until ctx ends. It is the
// synchronization point between the cooperative timeline and fetch
// goroutines. Returns the first propagation error encountered; on timeout
// it returns the context's error.
//
// Inside an open batch Settle drains completions but leaves propagation to
// the batch close.
func (s *Store) Settle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var firstErr error
	for {
		s.drainCompletions()
		if s.batchDepth == 0 && s.cycle == nil && !s.notifying {
			if len(s.pendingMarks) > 0 || len(s.pendingForced) > 0 {
				if err := s.runCycle(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		if s.inflight == 0 && s.completions.len() == 0 {
			return firstErr
		}
		select {
		case <-ctx.Done():
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		case <-s.completions.wait():
		}
	}
}
