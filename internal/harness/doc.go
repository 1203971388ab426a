// Package harness provides conformance testing for the weft reactive engine.
//
// The harness loads YAML scenarios that declare a cell graph, drive it
// through a sequence of operations, and assert on the resulting trace and
// final values.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	cells:
//	  - name: price
//	    kind: writable
//	    initial: 10
//	  - name: total
//	    kind: sum
//	    inputs: [price, price]
//	steps:
//	  - get: total
//	  - set: { cell: price, value: 12 }
//	  - batch:
//	      - { cell: price, value: 15 }
//	assertions:
//	  - type: value_equals
//	    cell: total
//	    value: 30
//	  - type: recompute_count
//	    cell: total
//	    count: 3
//
// # Cell Kinds
//
// Writable cells hold a value supplied by set steps. The derived kinds
// compute from their inputs: sum and product fold numeric inputs, concat
// joins string inputs, pick indexes a map-valued input by field, and
// async-double doubles a numeric input through an asynchronous fetch that
// commits on settle. Numeric inputs may be async cells; their envelope
// unwraps to the ready value, the retained previous value while a refetch
// is pending, or zero before the first success.
//
// Cells materialize lazily, exactly as in the engine: declaring a cell
// creates no graph node, and a derived cell that no step reads or
// subscribes never computes. Scenarios make materialization explicit
// through get and subscribe steps.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - value_equals: Compares a cell's final value by canonical encoding
//   - recompute_count: Counts a cell's computation runs across the steps
//   - notify_count: Counts a cell's change notifications
//   - notify_order: Verifies cells first notified in the given order
//   - error_code: Verifies an error with the given code was surfaced
//   - discarded_count: Counts superseded async results that were dropped
//   - node_count: Verifies the number of live nodes after the last step
//
// # Deterministic Testing
//
// All scenarios execute with a fixed token generator and a manual clock, so
// repeated runs produce identical traces for golden comparison. Trace
// events carry a sequence number, the index of the step that caused them,
// cell labels rather than node ids, and canonically-comparable values.
//
// Completions of concurrently in-flight fetches commit in arrival order,
// which is not deterministic; scenarios that settle after each write keep
// at most one fetch in flight and stay golden-stable.
//
// # Usage
//
// Load a scenario:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/diamond.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Execute it:
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
