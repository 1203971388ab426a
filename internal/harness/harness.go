package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/weftlabs/weft"
	"github.com/weftlabs/weft/internal/testutil"
)

// settleTimeout bounds how long a settle step may wait for in-flight
// fetches. Scenario fetches complete immediately, so hitting it means the
// harness itself is broken, not the scenario.
const settleTimeout = 5 * time.Second

// Harness executes one scenario against a fresh store.
// Deterministic tokens and a manual clock keep repeated runs identical.
type Harness struct {
	store     *weft.Store
	clock     *testutil.ManualClock
	logger    *slog.Logger
	recorder  *recorder
	cells     map[string]*boundCell
	order     []string
	snapshots map[string][]weft.SnapshotEntry
	releases  map[string]func()
}

// boundCell holds the typed handle for one declared cell. Exactly one of
// the three handles is set, matching the declared kind.
type boundCell struct {
	decl     CellDecl
	writable *weft.WritableCell[any]
	derived  *weft.DerivedCell[any]
	async    *weft.AsyncCell[any]
}

func (b *boundCell) cell() weft.Cell {
	switch {
	case b.writable != nil:
		return b.writable
	case b.derived != nil:
		return b.derived
	default:
		return b.async
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh store for isolation. Execution flow:
// 1. Build the store with deterministic tokens, clock, and the trace recorder
// 2. Declare the cell graph (no node materializes until a step touches it)
// 3. Execute the steps in order, recording every engine action
// 4. Capture final values and evaluate assertions against trace and values
//
// Engine errors raised by steps do not abort the run: they land in the
// trace through the error hook, and assertions decide whether they were
// expected. Run returns an error only for harness-level failures.
func Run(scenario *Scenario) (*Result, error) {
	h := newHarness(scenario)

	result := NewResult()
	if err := h.executeSteps(scenario.Steps); err != nil {
		return nil, err
	}

	// Stop recording before assertions: evaluation may read cells the
	// scenario never materialized, and those reads belong to the
	// assertion phase, not the trace.
	h.recorder.enabled = false
	result.Trace = h.recorder.events
	result.Values = h.finalValues()

	actx := &AssertionContext{
		NodeCount: h.store.Len(),
		Values:    result.Values,
		Resolve:   h.resolveValue,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newHarness(scenario *Scenario) *Harness {
	prefix := scenario.TokenPrefix
	if prefix == "" {
		prefix = scenario.Name
	}
	h := &Harness{
		clock:     testutil.NewManualClock(time.Unix(0, 0).UTC()),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		recorder:  &recorder{enabled: true},
		cells:     make(map[string]*boundCell, len(scenario.Cells)),
		snapshots: make(map[string][]weft.SnapshotEntry),
		releases:  make(map[string]func()),
	}

	opts := []weft.StoreOption{
		weft.WithTokens(testutil.NewSequenceTokens(prefix)),
		weft.WithTimeSource(h.clock.Now),
		weft.WithInterceptor(h.recorder.interceptor()),
	}
	if scenario.DisposeGrace != "" {
		if grace, err := time.ParseDuration(scenario.DisposeGrace); err == nil {
			opts = append(opts, weft.WithDisposeGrace(grace))
		}
	}
	h.store = weft.New(opts...)

	for _, decl := range scenario.Cells {
		h.bind(decl)
	}
	return h
}

// bind declares the handle for one cell. Derived bodies look their inputs
// up at computation time, so declarations may reference cells in any order
// and deliberately-cyclic graphs build fine; the engine reports the cycle
// when propagation first closes it.
func (h *Harness) bind(decl CellDecl) {
	switch decl.Kind {
	case KindWritable:
		h.cells[decl.Name] = &boundCell{
			decl:     decl,
			writable: weft.NewWritable[any](h.store, decl.Initial, weft.WithLabel(decl.Name)),
		}

	case KindSum:
		body := func(tr *weft.Tracker) (any, error) {
			total := 0.0
			for _, input := range decl.Inputs {
				v, err := h.readNumber(tr, input)
				if err != nil {
					return nil, err
				}
				total += v
			}
			return total, nil
		}
		h.cells[decl.Name] = &boundCell{
			decl:    decl,
			derived: weft.NewDerived(h.store, body, weft.WithLabel(decl.Name)),
		}

	case KindProduct:
		body := func(tr *weft.Tracker) (any, error) {
			product := 1.0
			for _, input := range decl.Inputs {
				v, err := h.readNumber(tr, input)
				if err != nil {
					return nil, err
				}
				product *= v
			}
			return product, nil
		}
		h.cells[decl.Name] = &boundCell{
			decl:    decl,
			derived: weft.NewDerived(h.store, body, weft.WithLabel(decl.Name)),
		}

	case KindConcat:
		body := func(tr *weft.Tracker) (any, error) {
			parts := make([]string, 0, len(decl.Inputs))
			for _, input := range decl.Inputs {
				s, err := h.readString(tr, input)
				if err != nil {
					return nil, err
				}
				parts = append(parts, s)
			}
			return strings.Join(parts, decl.Separator), nil
		}
		h.cells[decl.Name] = &boundCell{
			decl:    decl,
			derived: weft.NewDerived(h.store, body, weft.WithLabel(decl.Name)),
		}

	case KindPick:
		body := func(tr *weft.Tracker) (any, error) {
			m, err := h.readMap(tr, decl.Inputs[0])
			if err != nil {
				return nil, err
			}
			v, ok := m[decl.Field]
			if !ok {
				return nil, fmt.Errorf("input %q has no field %q", decl.Inputs[0], decl.Field)
			}
			return v, nil
		}
		h.cells[decl.Name] = &boundCell{
			decl:    decl,
			derived: weft.NewDerived(h.store, body, weft.WithLabel(decl.Name)),
		}

	case KindAsyncDouble:
		body := func(tr *weft.Tracker) (weft.Fetch[any], error) {
			v, err := h.readNumber(tr, decl.Inputs[0])
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) (any, error) {
				return v * 2, nil
			}, nil
		}
		h.cells[decl.Name] = &boundCell{
			decl:  decl,
			async: weft.NewAsync(h.store, body, weft.WithLabel(decl.Name)),
		}
	}

	h.order = append(h.order, decl.Name)
}

func (h *Harness) executeSteps(steps []Step) error {
	for i, step := range steps {
		h.recorder.step = i
		if err := h.runStep(i, step); err != nil {
			return err
		}
		h.logger.Debug("step executed", "step", i)
	}
	return nil
}

// runStep executes one operation. Engine errors are deliberately dropped
// here: every error the store surfaces has already reached the trace
// through the error hook, and assertions decide whether it was expected.
func (h *Harness) runStep(i int, step Step) error {
	switch {
	case step.Set != nil:
		b, err := h.lookup(i, step.Set.Cell)
		if err != nil {
			return err
		}
		_ = h.store.Set(b.cell(), step.Set.Value)

	case step.ForceSet != nil:
		b, err := h.lookup(i, step.ForceSet.Cell)
		if err != nil {
			return err
		}
		_ = h.store.ForceSet(b.cell(), step.ForceSet.Value)

	case len(step.Batch) > 0:
		type write struct {
			cell  weft.Cell
			value any
		}
		writes := make([]write, 0, len(step.Batch))
		for _, w := range step.Batch {
			b, err := h.lookup(i, w.Cell)
			if err != nil {
				return err
			}
			writes = append(writes, write{b.cell(), w.Value})
		}
		_ = h.store.Batch(func() error {
			for _, w := range writes {
				if err := h.store.Set(w.cell, w.value); err != nil {
					return err
				}
			}
			return nil
		})

	case step.Get != "":
		b, err := h.lookup(i, step.Get)
		if err != nil {
			return err
		}
		_, _ = h.store.Get(b.cell())

	case step.Subscribe != "":
		b, err := h.lookup(i, step.Subscribe)
		if err != nil {
			return err
		}
		release, serr := h.store.Subscribe(b.cell(), func(any) {})
		if serr == nil {
			h.releases[step.Subscribe] = release
		}

	case step.Unsubscribe != "":
		release, ok := h.releases[step.Unsubscribe]
		if !ok {
			return fmt.Errorf("steps[%d]: cell %q has no active subscription", i, step.Unsubscribe)
		}
		release()
		delete(h.releases, step.Unsubscribe)

	case step.Remove != "":
		b, err := h.lookup(i, step.Remove)
		if err != nil {
			return err
		}
		_ = h.store.Remove(b.cell())

	case step.Snapshot != "":
		h.snapshots[step.Snapshot] = h.store.Snapshot()

	case step.Restore != "":
		entries, ok := h.snapshots[step.Restore]
		if !ok {
			return fmt.Errorf("steps[%d]: restore references unknown snapshot %q", i, step.Restore)
		}
		_ = h.store.Restore(entries)

	case step.Settle:
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		err := h.store.Settle(ctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("steps[%d]: settle timed out after %s", i, settleTimeout)
		}

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", i, err)
		}
		h.clock.Advance(d)
		// Crossing a public operation boundary runs the housekeeping the
		// advance made due: dispose sweeps and queued completions.
		_ = h.store.Batch(func() error { return nil })

	default:
		return fmt.Errorf("steps[%d]: exactly one operation is required", i)
	}

	return nil
}

func (h *Harness) lookup(i int, name string) (*boundCell, error) {
	b, ok := h.cells[name]
	if !ok {
		return nil, fmt.Errorf("steps[%d]: cell %q is not declared", i, name)
	}
	return b, nil
}

// finalValues captures every committed value by cell name. Peek keeps the
// capture passive: cells the scenario never materialized, and cells whose
// last computation failed, simply do not appear.
func (h *Harness) finalValues() map[string]any {
	values := make(map[string]any)
	for _, name := range h.order {
		if v, ok := h.store.Peek(h.cells[name].cell()); ok {
			values[name] = renderValue(v)
		}
	}
	return values
}

// resolveValue reads one cell's value for an assertion, computing it on
// demand when the scenario itself never read the cell. Recording is off by
// the time assertions run, so these reads stay out of the trace.
func (h *Harness) resolveValue(name string) (any, error) {
	b, ok := h.cells[name]
	if !ok {
		return nil, fmt.Errorf("cell %q is not declared", name)
	}
	v, err := h.store.Get(b.cell())
	if err != nil {
		return nil, err
	}
	return renderValue(v), nil
}

// readInput resolves the named cell through the tracker, recording the
// dependency edge. An unknown name aborts the computation like any other
// body error and surfaces as that computation failing.
func (h *Harness) readInput(tr *weft.Tracker, name string) (any, error) {
	b, ok := h.cells[name]
	if !ok {
		return nil, fmt.Errorf("input %q is not declared", name)
	}
	switch {
	case b.writable != nil:
		return weft.Read(tr, b.writable), nil
	case b.derived != nil:
		return weft.Read(tr, b.derived), nil
	default:
		return weft.Read(tr, b.async), nil
	}
}

func (h *Harness) readNumber(tr *weft.Tracker, name string) (float64, error) {
	v, err := h.readInput(tr, name)
	if err != nil {
		return 0, err
	}
	n, ok := asNumber(v)
	if !ok {
		return 0, fmt.Errorf("input %q holds %T, not a number", name, v)
	}
	return n, nil
}

func (h *Harness) readString(tr *weft.Tracker, name string) (string, error) {
	v, err := h.readInput(tr, name)
	if err != nil {
		return "", err
	}
	s, ok := asString(v)
	if !ok {
		return "", fmt.Errorf("input %q holds %T, not a string", name, v)
	}
	return s, nil
}

func (h *Harness) readMap(tr *weft.Tracker, name string) (map[string]any, error) {
	v, err := h.readInput(tr, name)
	if err != nil {
		return nil, err
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("input %q holds %T, not a map", name, v)
	}
	return m, nil
}

// asNumber widens harness values to float64. Async envelopes unwrap to the
// ready value, fall back to the retained previous value while pending, and
// count as zero before the first success.
func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case weft.AsyncResult[any]:
		if val.State == weft.AsyncReady {
			return asNumber(val.Value)
		}
		if val.HasPrevious {
			return asNumber(val.Previous)
		}
		return 0, true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case weft.AsyncResult[any]:
		if val.State == weft.AsyncReady {
			return asString(val.Value)
		}
		if val.HasPrevious {
			return asString(val.Previous)
		}
		return "", true
	default:
		return "", false
	}
}

func asMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case weft.AsyncResult[any]:
		if val.State == weft.AsyncReady {
			return asMap(val.Value)
		}
		if val.HasPrevious {
			return asMap(val.Previous)
		}
		return map[string]any{}, true
	default:
		return nil, false
	}
}

// renderValue rewrites engine values into their trace form: async
// envelopes become plain maps, so traces, goldens, and final values never
// carry engine types.
func renderValue(v any) any {
	if r, ok := v.(weft.AsyncResult[any]); ok {
		m := map[string]any{"state": string(r.State)}
		if r.State == weft.AsyncReady {
			m["value"] = renderValue(r.Value)
		}
		if r.Err != nil {
			m["error"] = r.Err.Error()
		}
		if r.HasPrevious {
			m["previous"] = renderValue(r.Previous)
		}
		return m
	}
	return v
}

// recorder turns interceptor callbacks into trace events. Events carry the
// index of the step that caused them; recording stops after the last step
// so assertion-time reads stay out of the trace.
type recorder struct {
	enabled bool
	step    int
	seq     int
	events  []TraceEvent
}

func (r *recorder) add(ev TraceEvent) {
	if !r.enabled {
		return
	}
	r.seq++
	ev.Seq = r.seq
	ev.Step = r.step
	r.events = append(r.events, ev)
}

func (r *recorder) interceptor() weft.Interceptor {
	return weft.Interceptor{
		AfterWrite: func(ev *weft.WriteEvent) {
			r.add(TraceEvent{
				Type:  EventWrite,
				Cell:  ev.Label,
				Prev:  renderValue(ev.Prev),
				Next:  renderValue(ev.Next),
				Batch: ev.InBatch,
			})
		},
		OnRecompute: func(ev *weft.RecomputeEvent) {
			r.add(TraceEvent{Type: EventRecompute, Cell: ev.Label, Result: string(ev.Result)})
		},
		OnNotify: func(ev *weft.NotifyEvent) {
			r.add(TraceEvent{Type: EventNotify, Cell: ev.Label, Value: renderValue(ev.Value)})
		},
		OnError: func(ev *weft.ErrorEvent) {
			r.add(TraceEvent{Type: EventError, Cell: ev.Label, Code: string(ev.Code)})
		},
		OnDiscard: func(ev *weft.DiscardEvent) {
			r.add(TraceEvent{
				Type:       EventDiscard,
				Cell:       ev.Label,
				Generation: ev.Generation,
				Current:    ev.Current,
			})
		},
		OnRemove: func(ev *weft.RemoveEvent) {
			r.add(TraceEvent{Type: EventRemove, Cell: ev.Label})
		},
	}
}
