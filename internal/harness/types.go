package harness

// Trace event type constants.
const (
	EventWrite     = "write"
	EventRecompute = "recompute"
	EventNotify    = "notify"
	EventDiscard   = "discard"
	EventError     = "error"
	EventRemove    = "remove"
)

// TraceEvent is one observed engine action. Events carry cell labels rather
// than node ids, and values in rendered form (async envelopes become maps),
// so traces stay identical across runs and processes.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Step int    `json:"step"` // index into the scenario's steps list
	Type string `json:"type"`
	Cell string `json:"cell,omitempty"`

	// Write fields.
	Prev  any  `json:"prev,omitempty"`
	Next  any  `json:"next,omitempty"`
	Batch bool `json:"batch,omitempty"`

	// Recompute outcome: changed, unchanged, or failed.
	Result string `json:"result,omitempty"`

	// Notified value.
	Value any `json:"value,omitempty"`

	// Error code.
	Code string `json:"code,omitempty"`

	// Discard generations.
	Generation int64 `json:"generation,omitempty"`
	Current    int64 `json:"current,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: true when every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every observed engine action across the steps, in
	// order. Assertion evaluation and golden comparison both read it.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Values holds the committed final value of every cell that was
	// materialized and clean after the last step, keyed by cell name.
	// Cells the scenario never touched do not appear.
	Values map[string]any `json:"values,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Values: make(map[string]any),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
