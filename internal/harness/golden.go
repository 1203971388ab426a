package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/weftlabs/weft/internal/canon"
)

// TraceSnapshot captures a complete scenario execution for golden
// comparison. All fields serialize as canonical JSON, so map key order and
// unicode normalization never perturb fixtures.
type TraceSnapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Trace        []TraceEvent   `json:"trace"`
	Values       map[string]any `json:"values,omitempty"`
}

// toCanonicalMap flattens the snapshot into plain maps carrying only the
// fields each event actually uses, keeping fixtures free of zero-value
// noise.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":  event.Seq,
			"step": event.Step,
			"type": event.Type,
		}
		if event.Cell != "" {
			eventMap["cell"] = event.Cell
		}
		if event.Prev != nil {
			eventMap["prev"] = event.Prev
		}
		if event.Next != nil {
			eventMap["next"] = event.Next
		}
		if event.Batch {
			eventMap["batch"] = true
		}
		if event.Result != "" {
			eventMap["result"] = event.Result
		}
		if event.Value != nil {
			eventMap["value"] = event.Value
		}
		if event.Code != "" {
			eventMap["code"] = event.Code
		}
		if event.Generation != 0 {
			eventMap["generation"] = event.Generation
		}
		if event.Current != 0 {
			eventMap["current"] = event.Current
		}
		traceList[i] = eventMap
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
	if len(s.Values) > 0 {
		values := make(map[string]any, len(s.Values))
		for k, v := range s.Values {
			values[k] = v
		}
		result["values"] = values
	}
	return result
}

// MarshalTrace renders a result as the canonical JSON bytes golden
// fixtures store. The trace command prints these same bytes.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Values:       result.Values,
	}
	return canon.Marshal(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against the
// golden file testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Golden files are the source of truth for expected trace behavior; the
// goldie failure diff shows exactly which engine action diverged.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already-obtained result against the named
// golden file, without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
