package harness

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/internal/canon"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	// Full trace for context
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, FormatEvent(event))
	}

	return buf.String()
}

// FormatEvent renders one trace event as a single human-readable line.
func FormatEvent(ev TraceEvent) string {
	switch ev.Type {
	case EventWrite:
		line := fmt.Sprintf("write %s %s -> %s", ev.Cell, canonString(ev.Prev), canonString(ev.Next))
		if ev.Batch {
			line += " (batch)"
		}
		return line
	case EventRecompute:
		return fmt.Sprintf("recompute %s (%s)", ev.Cell, ev.Result)
	case EventNotify:
		return fmt.Sprintf("notify %s = %s", ev.Cell, canonString(ev.Value))
	case EventError:
		if ev.Cell != "" {
			return fmt.Sprintf("error %s at %s", ev.Code, ev.Cell)
		}
		return fmt.Sprintf("error %s", ev.Code)
	case EventDiscard:
		if ev.Cell != "" {
			return fmt.Sprintf("discard %s gen=%d current=%d", ev.Cell, ev.Generation, ev.Current)
		}
		return fmt.Sprintf("discard gen=%d", ev.Generation)
	case EventRemove:
		return fmt.Sprintf("remove %s", ev.Cell)
	default:
		return fmt.Sprintf("%s %s", ev.Type, ev.Cell)
	}
}

// canonString renders a value through its canonical encoding so assertion
// messages print values exactly the way goldens store them.
func canonString(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// AssertionContext provides the post-run state assertions evaluate against.
type AssertionContext struct {
	// NodeCount is the number of live nodes captured right after the last
	// step, before any assertion-time read could materialize more.
	NodeCount int

	// Values holds the committed final values by cell name.
	Values map[string]any

	// Resolve reads a cell that Values does not cover, computing it on
	// demand. Set by Run; nil in bare unit tests.
	Resolve func(cell string) (any, error)
}

// assertValueEquals compares a cell's final value against the expectation
// by canonical encoding.
func assertValueEquals(actx *AssertionContext, assertion Assertion, trace []TraceEvent) error {
	actual, ok := actx.Values[assertion.Cell]
	if !ok {
		if actx.Resolve == nil {
			return &AssertionError{
				Type:     AssertValueEquals,
				Expected: fmt.Sprintf("cell %q = %s", assertion.Cell, canonString(assertion.Value)),
				Actual:   fmt.Sprintf("cell %q has no committed value", assertion.Cell),
				Trace:    trace,
			}
		}
		v, err := actx.Resolve(assertion.Cell)
		if err != nil {
			return &AssertionError{
				Type:     AssertValueEquals,
				Expected: fmt.Sprintf("cell %q = %s", assertion.Cell, canonString(assertion.Value)),
				Actual:   fmt.Sprintf("cell %q failed to resolve: %v", assertion.Cell, err),
				Trace:    trace,
			}
		}
		actual = v
	}

	if !canon.Equal(assertion.Value, actual) {
		return &AssertionError{
			Type:     AssertValueEquals,
			Expected: fmt.Sprintf("cell %q = %s", assertion.Cell, canonString(assertion.Value)),
			Actual:   canonString(actual),
			Trace:    trace,
		}
	}

	return nil
}

// assertRecomputeCount checks how many times the cell's computation ran
// across the steps, counting every outcome class.
func assertRecomputeCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventRecompute && event.Cell == assertion.Cell {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertRecomputeCount,
			Expected: fmt.Sprintf("%d recomputations of %s", assertion.Count, assertion.Cell),
			Actual:   fmt.Sprintf("%d recomputations", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertNotifyCount checks how many change notifications the cell fired.
func assertNotifyCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventNotify && event.Cell == assertion.Cell {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertNotifyCount,
			Expected: fmt.Sprintf("%d notifications of %s", assertion.Count, assertion.Cell),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertNotifyOrder checks that the cells' first notifications appear in
// the given order. Notifications of other cells may intervene.
func assertNotifyOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventNotify {
			continue
		}
		for _, expected := range assertion.Cells {
			if event.Cell == expected && positions[expected] == 0 {
				positions[expected] = i + 1 // 1-indexed so zero means absent
			}
		}
	}

	for _, cell := range assertion.Cells {
		if positions[cell] == 0 {
			return &AssertionError{
				Type:     AssertNotifyOrder,
				Expected: fmt.Sprintf("all cells notified: %v", assertion.Cells),
				Actual:   fmt.Sprintf("cell %s was never notified", cell),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Cells); i++ {
		prev := assertion.Cells[i-1]
		curr := assertion.Cells[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertNotifyOrder,
				Expected: fmt.Sprintf("cells notified in order: %v", assertion.Cells),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertErrorCode checks that an error with the given code, optionally at
// the given cell, was surfaced during the steps.
func assertErrorCode(trace []TraceEvent, assertion Assertion) error {
	observed := make([]string, 0, 4)
	for _, event := range trace {
		if event.Type != EventError {
			continue
		}
		if event.Code == assertion.Code && (assertion.Cell == "" || event.Cell == assertion.Cell) {
			return nil
		}
		observed = append(observed, FormatEvent(event))
	}

	actual := "no errors in trace"
	if len(observed) > 0 {
		actual = fmt.Sprintf("observed: %s", strings.Join(observed, "; "))
	}
	expected := fmt.Sprintf("error %s", assertion.Code)
	if assertion.Cell != "" {
		expected = fmt.Sprintf("error %s at %s", assertion.Code, assertion.Cell)
	}
	return &AssertionError{
		Type:     AssertErrorCode,
		Expected: expected,
		Actual:   actual,
		Trace:    trace,
	}
}

// assertDiscardedCount checks how many superseded async results were
// dropped, optionally for one cell.
func assertDiscardedCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventDiscard && (assertion.Cell == "" || event.Cell == assertion.Cell) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertDiscardedCount,
			Expected: fmt.Sprintf("%d discarded results", assertion.Count),
			Actual:   fmt.Sprintf("%d discarded results", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertNodeCount checks the number of live nodes after the last step.
func assertNodeCount(actx *AssertionContext, assertion Assertion, trace []TraceEvent) error {
	if actx.NodeCount != assertion.Count {
		return &AssertionError{
			Type:     AssertNodeCount,
			Expected: fmt.Sprintf("%d live nodes", assertion.Count),
			Actual:   fmt.Sprintf("%d live nodes", actx.NodeCount),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides final values and the live node count.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertValueEquals:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: value_equals requires an execution context", i)
			} else {
				err = assertValueEquals(actx, assertion, result.Trace)
			}
		case AssertRecomputeCount:
			err = assertRecomputeCount(result.Trace, assertion)
		case AssertNotifyCount:
			err = assertNotifyCount(result.Trace, assertion)
		case AssertNotifyOrder:
			err = assertNotifyOrder(result.Trace, assertion)
		case AssertErrorCode:
			err = assertErrorCode(result.Trace, assertion)
		case AssertDiscardedCount:
			err = assertDiscardedCount(result.Trace, assertion)
		case AssertNodeCount:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: node_count requires an execution context", i)
			} else {
				err = assertNodeCount(actx, assertion, result.Trace)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
