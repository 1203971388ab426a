package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a declared cell graph, the
// steps that drive it, and assertions on the resulting trace and values.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Cells declares the graph. Declaration order fixes node identity order,
	// which propagation uses to break rank ties deterministically.
	Cells []CellDecl `yaml:"cells"`

	// Steps is the operation sequence executed against a fresh store.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and values.
	Assertions []Assertion `yaml:"assertions"`

	// TokenPrefix seeds the sequential token generator. Defaults to the
	// scenario name. Tokens never appear in traces; the prefix only keys
	// debug logs.
	TokenPrefix string `yaml:"token_prefix,omitempty"`

	// DisposeGrace enables auto-dispose with the given grace period,
	// parsed as a Go duration ("100ms"). Empty leaves auto-dispose off.
	DisposeGrace string `yaml:"dispose_grace,omitempty"`
}

// CellDecl declares one cell of the scenario graph.
type CellDecl struct {
	// Name labels the cell; trace events and assertions reference it.
	Name string `yaml:"name"`

	// Kind is one of writable, sum, product, concat, pick, async-double.
	Kind string `yaml:"kind"`

	// Initial is the starting value of a writable cell. Numbers normalize
	// to float64; omitted means the cell starts empty.
	Initial any `yaml:"initial,omitempty"`

	// Inputs names the cells a derived kind reads. A name may repeat.
	Inputs []string `yaml:"inputs,omitempty"`

	// Field is the map key a pick cell extracts.
	Field string `yaml:"field,omitempty"`

	// Separator joins a concat cell's inputs. Defaults to "".
	Separator string `yaml:"separator,omitempty"`
}

// Step is one operation against the store. Exactly one field may be set.
type Step struct {
	Set         *WriteOp  `yaml:"set,omitempty"`
	ForceSet    *WriteOp  `yaml:"force_set,omitempty"`
	Batch       []WriteOp `yaml:"batch,omitempty"`
	Get         string    `yaml:"get,omitempty"`
	Subscribe   string    `yaml:"subscribe,omitempty"`
	Unsubscribe string    `yaml:"unsubscribe,omitempty"`
	Remove      string    `yaml:"remove,omitempty"`
	Snapshot    string    `yaml:"snapshot,omitempty"`
	Restore     string    `yaml:"restore,omitempty"`
	Settle      bool      `yaml:"settle,omitempty"`
	Advance     string    `yaml:"advance,omitempty"`
}

// WriteOp names a cell and the value to write to it.
type WriteOp struct {
	Cell  string `yaml:"cell"`
	Value any    `yaml:"value"`
}

// Assertion validates the trace or a final value.
type Assertion struct {
	// Type selects the assertion; see the package documentation.
	Type string `yaml:"type"`

	// Cell names the asserted cell. Required for value_equals,
	// recompute_count, and notify_count; an optional filter for
	// error_code and discarded_count.
	Cell string `yaml:"cell,omitempty"`

	// Value is the expected final value (value_equals). Compared by
	// canonical encoding, so key order and 2 vs 2.0 do not matter.
	Value any `yaml:"value,omitempty"`

	// Count is the expected occurrence count (recompute_count,
	// notify_count, discarded_count, node_count).
	Count int `yaml:"count,omitempty"`

	// Cells is the expected first-notification order (notify_order).
	Cells []string `yaml:"cells,omitempty"`

	// Code is the expected error code (error_code).
	Code string `yaml:"code,omitempty"`
}

// Cell kind constants.
const (
	KindWritable    = "writable"
	KindSum         = "sum"
	KindProduct     = "product"
	KindConcat      = "concat"
	KindPick        = "pick"
	KindAsyncDouble = "async-double"
)

// Assertion type constants.
const (
	AssertValueEquals    = "value_equals"
	AssertRecomputeCount = "recompute_count"
	AssertNotifyCount    = "notify_count"
	AssertNotifyOrder    = "notify_order"
	AssertErrorCode      = "error_code"
	AssertDiscardedCount = "discarded_count"
	AssertNodeCount      = "node_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes with strict field validation
// (catches typos like "assertion:" vs "assertions:") and validates the
// declared graph, steps, and assertions.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	normalizeScenario(&scenario)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// normalizeScenario rewrites every YAML-decoded value into the harness value
// model: all numbers widen to float64 so that writes, computed results, and
// assertion expectations compare without integer/float mismatches.
func normalizeScenario(s *Scenario) {
	for i := range s.Cells {
		s.Cells[i].Initial = normalizeValue(s.Cells[i].Initial)
	}
	for i := range s.Steps {
		if s.Steps[i].Set != nil {
			s.Steps[i].Set.Value = normalizeValue(s.Steps[i].Set.Value)
		}
		if s.Steps[i].ForceSet != nil {
			s.Steps[i].ForceSet.Value = normalizeValue(s.Steps[i].ForceSet.Value)
		}
		for j := range s.Steps[i].Batch {
			s.Steps[i].Batch[j].Value = normalizeValue(s.Steps[i].Batch[j].Value)
		}
	}
	for i := range s.Assertions {
		s.Assertions[i].Value = normalizeValue(s.Assertions[i].Value)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case float64:
		return val
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeValue(elem)
		}
		return out
	default:
		return val
	}
}

// validateScenario checks that required fields are present and that every
// cross-reference between cells, steps, and assertions resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Cells) == 0 {
		return fmt.Errorf("cells list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.DisposeGrace != "" {
		d, err := time.ParseDuration(s.DisposeGrace)
		if err != nil {
			return fmt.Errorf("dispose_grace: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("dispose_grace must be positive")
		}
	}

	declared := make(map[string]string, len(s.Cells))
	for i, cell := range s.Cells {
		if err := validateCell(i, &cell, declared); err != nil {
			return err
		}
		declared[cell.Name] = cell.Kind
	}
	// Inputs may reference cells declared later, so resolve them after the
	// whole list is known. Self and mutual references stay legal: cycles are
	// detected by the engine at propagation time, and scenarios provoke them
	// deliberately.
	for i, cell := range s.Cells {
		for _, input := range cell.Inputs {
			if _, ok := declared[input]; !ok {
				return fmt.Errorf("cells[%d]: input %q is not declared", i, input)
			}
		}
	}

	if err := validateSteps(s.Steps, declared); err != nil {
		return err
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, declared); err != nil {
			return err
		}
	}

	return nil
}

// validateCell validates a single cell declaration against its kind.
func validateCell(index int, c *CellDecl, declared map[string]string) error {
	if c.Name == "" {
		return fmt.Errorf("cells[%d]: name is required", index)
	}
	if _, dup := declared[c.Name]; dup {
		return fmt.Errorf("cells[%d]: duplicate cell name %q", index, c.Name)
	}

	switch c.Kind {
	case KindWritable:
		if len(c.Inputs) > 0 {
			return fmt.Errorf("cells[%d]: writable cells take no inputs", index)
		}
	case KindSum, KindProduct, KindConcat:
		if len(c.Inputs) == 0 {
			return fmt.Errorf("cells[%d]: inputs list is required for %s", index, c.Kind)
		}
	case KindPick:
		if len(c.Inputs) != 1 {
			return fmt.Errorf("cells[%d]: pick takes exactly one input", index)
		}
		if c.Field == "" {
			return fmt.Errorf("cells[%d]: field is required for pick", index)
		}
	case KindAsyncDouble:
		if len(c.Inputs) != 1 {
			return fmt.Errorf("cells[%d]: async-double takes exactly one input", index)
		}
	case "":
		return fmt.Errorf("cells[%d]: kind is required", index)
	default:
		return fmt.Errorf("cells[%d]: unknown cell kind %q", index, c.Kind)
	}

	if c.Initial != nil && c.Kind != KindWritable {
		return fmt.Errorf("cells[%d]: initial applies only to writable cells", index)
	}
	if c.Field != "" && c.Kind != KindPick {
		return fmt.Errorf("cells[%d]: field applies only to pick cells", index)
	}
	if c.Separator != "" && c.Kind != KindConcat {
		return fmt.Errorf("cells[%d]: separator applies only to concat cells", index)
	}

	return nil
}

// validateSteps checks that each step carries exactly one operation and that
// its references resolve: cells must be declared, a restore must follow the
// snapshot it names, and subscribe/unsubscribe must pair up.
func validateSteps(steps []Step, declared map[string]string) error {
	snapshots := make(map[string]struct{})
	subscribed := make(map[string]struct{})

	checkCell := func(i int, op, name string) error {
		if name == "" {
			return fmt.Errorf("steps[%d]: %s needs a cell name", i, op)
		}
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("steps[%d]: cell %q is not declared", i, name)
		}
		return nil
	}

	for i, step := range steps {
		ops := 0
		if step.Set != nil {
			ops++
			if step.Set.Cell == "" {
				return fmt.Errorf("steps[%d]: set needs a cell name", i)
			}
			if err := checkCell(i, "set", step.Set.Cell); err != nil {
				return err
			}
		}
		if step.ForceSet != nil {
			ops++
			if err := checkCell(i, "force_set", step.ForceSet.Cell); err != nil {
				return err
			}
		}
		if len(step.Batch) > 0 {
			ops++
			for j, w := range step.Batch {
				if w.Cell == "" {
					return fmt.Errorf("steps[%d].batch[%d]: cell is required", i, j)
				}
				if _, ok := declared[w.Cell]; !ok {
					return fmt.Errorf("steps[%d].batch[%d]: cell %q is not declared", i, j, w.Cell)
				}
			}
		}
		if step.Get != "" {
			ops++
			if err := checkCell(i, "get", step.Get); err != nil {
				return err
			}
		}
		if step.Subscribe != "" {
			ops++
			if err := checkCell(i, "subscribe", step.Subscribe); err != nil {
				return err
			}
			if _, dup := subscribed[step.Subscribe]; dup {
				return fmt.Errorf("steps[%d]: cell %q is already subscribed", i, step.Subscribe)
			}
			subscribed[step.Subscribe] = struct{}{}
		}
		if step.Unsubscribe != "" {
			ops++
			if err := checkCell(i, "unsubscribe", step.Unsubscribe); err != nil {
				return err
			}
			if _, ok := subscribed[step.Unsubscribe]; !ok {
				return fmt.Errorf("steps[%d]: unsubscribe %q without an earlier subscribe", i, step.Unsubscribe)
			}
			delete(subscribed, step.Unsubscribe)
		}
		if step.Remove != "" {
			ops++
			if err := checkCell(i, "remove", step.Remove); err != nil {
				return err
			}
		}
		if step.Snapshot != "" {
			ops++
			snapshots[step.Snapshot] = struct{}{}
		}
		if step.Restore != "" {
			ops++
			if _, ok := snapshots[step.Restore]; !ok {
				return fmt.Errorf("steps[%d]: restore references unknown snapshot %q", i, step.Restore)
			}
		}
		if step.Settle {
			ops++
		}
		if step.Advance != "" {
			ops++
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("steps[%d]: advance: %w", i, err)
			}
			if d <= 0 {
				return fmt.Errorf("steps[%d]: advance must be positive", i)
			}
		}

		if ops == 0 {
			return fmt.Errorf("steps[%d]: exactly one operation is required", i)
		}
		if ops > 1 {
			return fmt.Errorf("steps[%d]: steps carry exactly one operation, found %d", i, ops)
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, declared map[string]string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	checkCell := func(required bool) error {
		if a.Cell == "" {
			if required {
				return fmt.Errorf("assertions[%d]: cell is required for %s", index, a.Type)
			}
			return nil
		}
		if _, ok := declared[a.Cell]; !ok {
			return fmt.Errorf("assertions[%d]: cell %q is not declared", index, a.Cell)
		}
		return nil
	}

	switch a.Type {
	case AssertValueEquals:
		if err := checkCell(true); err != nil {
			return err
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for value_equals", index)
		}
	case AssertRecomputeCount, AssertNotifyCount:
		if err := checkCell(true); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertNotifyOrder:
		if len(a.Cells) == 0 {
			return fmt.Errorf("assertions[%d]: cells list is required for notify_order", index)
		}
		for _, name := range a.Cells {
			if _, ok := declared[name]; !ok {
				return fmt.Errorf("assertions[%d]: cell %q is not declared", index, name)
			}
		}
	case AssertErrorCode:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for error_code", index)
		}
		if err := checkCell(false); err != nil {
			return err
		}
	case AssertDiscardedCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for discarded_count", index)
		}
		if err := checkCell(false); err != nil {
			return err
		}
	case AssertNodeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for node_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
