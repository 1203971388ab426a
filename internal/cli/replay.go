package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/harness"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Runs int // runs per scenario (minimum 2)
}

// ReplayScenarioResult holds the replay result for a single scenario.
type ReplayScenarioResult struct {
	Name          string `json:"name"`
	Events        int    `json:"events"`
	Runs          int    `json:"runs"`
	Deterministic bool   `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Scenarios        []ReplayScenarioResult `json:"scenarios"`
	Total            int                    `json:"total"`
	AllDeterministic bool                   `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml | scenarios-dir>",
		Short: "Re-run scenarios and verify trace determinism",
		Long: `Run each scenario several times and verify the canonical traces are
byte-identical across runs.

Every run starts from a fresh store, so a diverging trace means the
engine ordered propagation or notification nondeterministically.
Assertion results are ignored here; only trace stability is checked.

Exit codes:
  0 - All scenario traces are deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (invalid paths, malformed scenarios, etc.)

Examples:
  weft replay scenario.yaml
  weft replay ./scenarios
  weft replay ./scenarios --runs 5
  weft replay ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Runs, "runs", 2, "number of runs per scenario")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	if opts.Runs < 2 {
		return NewExitError(ExitCommandError, "replay needs at least 2 runs to compare")
	}

	files, err := FindScenarioFiles(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	result := ReplayResult{
		Scenarios:        make([]ReplayScenarioResult, 0, len(files)),
		Total:            len(files),
		AllDeterministic: true,
	}

	for _, file := range files {
		scenResult, err := replayScenarioFile(file, opts.Runs)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", filepath.Base(file)), err)
		}

		result.Scenarios = append(result.Scenarios, scenResult)
		if !scenResult.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}

	return outputReplayText(cmd, result)
}

// replayScenarioFile runs one scenario file several times and compares the
// canonical trace of every run against the first.
func replayScenarioFile(file string, runs int) (ReplayScenarioResult, error) {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ReplayScenarioResult{}, err
	}

	var baseline []byte
	events := 0
	deterministic := true

	for i := 0; i < runs; i++ {
		result, err := harness.Run(scenario)
		if err != nil {
			return ReplayScenarioResult{}, fmt.Errorf("run %d failed: %w", i+1, err)
		}

		data, err := harness.MarshalTrace(scenario.Name, result)
		if err != nil {
			return ReplayScenarioResult{}, fmt.Errorf("run %d: marshaling trace: %w", i+1, err)
		}

		if i == 0 {
			baseline = data
			events = len(result.Trace)
			continue
		}
		if !bytes.Equal(baseline, data) {
			deterministic = false
		}
	}

	return ReplayScenarioResult{
		Name:          scenario.Name,
		Events:        events,
		Runs:          runs,
		Deterministic: deterministic,
	}, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "determinism verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllDeterministic {
		// Determinism failure = exit code 1
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d scenario(s)\n", result.Total)
	fmt.Fprintln(w)

	for _, scen := range result.Scenarios {
		status := "✓"
		if !scen.Deterministic {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Scenario: %s\n", status, scen.Name)
		fmt.Fprintf(w, "  Events: %d (runs: %d)\n", scen.Events, scen.Runs)

		if !scen.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic trace detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All scenario traces verified deterministic")
		return nil
	}

	fmt.Fprintln(w, "✗ Determinism verification failed")
	// Determinism failure = exit code 1
	return NewExitError(ExitFailure, "determinism verification failed")
}
