package weft

// Cleanup is the optional teardown an effect body returns. It runs before
// the body's next rerun and on disposal; return nil when there is nothing
// to tear down.
type Cleanup func()

// Effect is a terminal, valueless computation run for its side effects. It
// has no readable value and cannot appear as a dependency, so the type
// system enforces what the graph requires: effects are leaves.
type Effect struct {
	cellCore
}

// NewEffect registers body and runs it immediately, establishing its first
// dependency set. After every committed cycle in which one of those
// dependencies changed, the previous cleanup (if any) runs, then body
// reruns and its tracked reads become the new dependency set.
//
// A failing first run registers nothing: the node is removed and the error
// returned here.
func NewEffect(st *Store, body func(tr *Tracker) (Cleanup, error), opts ...CellOption) (*Effect, error) {
	if body == nil {
		panic("weft: NewEffect requires a non-nil body")
	}
	sp := cellSpec{
		kind:      kindEffect,
		keepAlive: true,
		compute: func(tr *Tracker) (any, error) {
			cl, err := body(tr)
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
	}
	e := &Effect{cellCore: newCore(st, sp, opts)}
	st.opEntry()
	n := st.materialize(e)
	if err := st.resolve(n); err != nil {
		st.removeNode(n, false)
		st.hookError(err)
		return nil, err
	}
	return e, nil
}

// Dispose runs the last cleanup and removes the effect from the graph. No
// further reruns happen. Idempotent.
func (e *Effect) Dispose() error {
	return e.st.Remove(e)
}
