package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/canon"
	"github.com/weftlabs/weft/internal/harness"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
}

// TraceStats holds summary statistics for a scenario trace.
type TraceStats struct {
	TotalEvents   int `json:"total_events"`
	Writes        int `json:"writes"`
	Recomputes    int `json:"recomputes"`
	Notifications int `json:"notifications"`
	Errors        int `json:"errors"`
	Discards      int `json:"discards"`
	Removals      int `json:"removals"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario.yaml>",
		Short: "Run one scenario and print its trace",
		Long: `Run a single scenario and print the recorded trace.

Text output shows the timeline of engine events, the final committed
cell values, and summary statistics. With --format json the command
writes the canonical trace document instead: the exact bytes a golden
fixture stores, with sorted keys and no trailing newline, so output
can be redirected straight into a fixture file.

Exit codes:
  0 - Scenario passed
  1 - One or more assertions failed
  2 - Command error (invalid path, malformed scenario)

Examples:
  weft trace scenario.yaml
  weft trace scenario.yaml --verbose
  weft trace scenario.yaml --format json > testdata/golden/scenario.golden`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *TraceOptions, file string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	if opts.Format == "json" {
		data, err := harness.MarshalTrace(scenario.Name, result)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to marshal trace", err)
		}
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return err
		}
		if !result.Pass {
			// Stdout stays canonical; the failure reaches stderr via the
			// returned error.
			return NewExitError(ExitFailure, fmt.Sprintf("%d assertion(s) failed", len(result.Errors)))
		}
		return nil
	}

	return outputTraceText(cmd, scenario.Name, result, opts.Verbose)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, name string, result *harness.Result, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Trace for Scenario: %s\n", name)
	fmt.Fprintf(w, "Status: %s\n", passStatus(result))
	fmt.Fprintln(w)

	// Timeline section
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Trace) == 0 {
		fmt.Fprintln(w, "  (no events)")
	} else {
		for _, event := range result.Trace {
			if verbose {
				fmt.Fprintf(w, "  [%d] step %d: %s\n", event.Seq, event.Step, harness.FormatEvent(event))
			} else {
				fmt.Fprintf(w, "  [%d] %s\n", event.Seq, harness.FormatEvent(event))
			}
		}
	}
	fmt.Fprintln(w)

	// Final values section
	fmt.Fprintln(w, "=== Final Values ===")
	if len(result.Values) == 0 {
		fmt.Fprintln(w, "  (no committed values)")
	} else {
		cells := make([]string, 0, len(result.Values))
		for cell := range result.Values {
			cells = append(cells, cell)
		}
		sort.Strings(cells)
		for _, cell := range cells {
			fmt.Fprintf(w, "  %s = %s\n", cell, formatCellValue(result.Values[cell]))
		}
	}
	fmt.Fprintln(w)

	// Stats section
	stats := collectTraceStats(result.Trace)
	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events:  %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "  Writes:        %d\n", stats.Writes)
	fmt.Fprintf(w, "  Recomputes:    %d\n", stats.Recomputes)
	fmt.Fprintf(w, "  Notifications: %d\n", stats.Notifications)
	fmt.Fprintf(w, "  Errors:        %d\n", stats.Errors)
	fmt.Fprintf(w, "  Discards:      %d\n", stats.Discards)
	fmt.Fprintf(w, "  Removals:      %d\n", stats.Removals)

	if !result.Pass {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Failures ===")
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s\n", indentContinuation(e, "  "))
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d assertion(s) failed", len(result.Errors)))
	}

	return nil
}

// passStatus returns a human-readable scenario status.
func passStatus(result *harness.Result) string {
	if result.Pass {
		return "✓ passed"
	}
	return fmt.Sprintf("✗ %d assertion(s) failed", len(result.Errors))
}

// collectTraceStats tallies events by type.
func collectTraceStats(trace []harness.TraceEvent) TraceStats {
	stats := TraceStats{TotalEvents: len(trace)}
	for _, event := range trace {
		switch event.Type {
		case harness.EventWrite:
			stats.Writes++
		case harness.EventRecompute:
			stats.Recomputes++
		case harness.EventNotify:
			stats.Notifications++
		case harness.EventError:
			stats.Errors++
		case harness.EventDiscard:
			stats.Discards++
		case harness.EventRemove:
			stats.Removals++
		}
	}
	return stats
}

// formatCellValue renders a committed value canonically so map keys print
// in a stable order.
func formatCellValue(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
