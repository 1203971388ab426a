package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSuiteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const passingScenario = `
name: passing
description: "A write propagates to its double"
cells:
  - name: price
    kind: writable
    initial: 1
  - name: double
    kind: sum
    inputs: [price, price]
steps:
  - get: double
  - set:
      cell: price
      value: 5
assertions:
  - type: value_equals
    cell: double
    value: 10
`

const failingScenario = `
name: failing
description: "Expects a value the engine never produces"
cells:
  - name: price
    kind: writable
    initial: 1
steps:
  - set:
      cell: price
      value: 5
assertions:
  - type: value_equals
    cell: price
    value: 99
`

func TestRunSuite_AllScenarioFixturesPass(t *testing.T) {
	suite, err := RunSuite("testdata/scenarios")
	require.NoError(t, err)

	assert.Equal(t, 11, suite.Total)
	assert.Equal(t, suite.Total, suite.Passed)
	assert.Zero(t, suite.Failed)
	assert.Empty(t, suite.Failures)
}

func TestRunSuite_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	writeSuiteFile(t, dir, "a_failing.yaml", failingScenario)
	writeSuiteFile(t, dir, "b_malformed.yaml", "cells: [\n")
	writeSuiteFile(t, dir, "c_passing.yaml", passingScenario)

	suite, err := RunSuite(dir)
	require.NoError(t, err, "broken files count as failures, not suite errors")

	assert.Equal(t, 3, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 2, suite.Failed)
	require.Len(t, suite.Failures, 2)

	// Lexical order: the assertion failure first, then the load failure.
	assert.Equal(t, "failing", suite.Failures[0].Scenario)
	assert.Contains(t, suite.Failures[0].Error, "1 assertion(s) failed")
	assert.Equal(t, "b_malformed.yaml", suite.Failures[1].Scenario)
	assert.Contains(t, suite.Failures[1].Error, "failed to load scenario")
}

func TestRunSuite_InvalidScenarioCountsAsLoadFailure(t *testing.T) {
	dir := t.TempDir()
	// Parses as YAML but references an undeclared input.
	writeSuiteFile(t, dir, "bad_ref.yaml", `
name: bad_ref
description: "References a cell that does not exist"
cells:
  - name: view
    kind: sum
    inputs: [ghost]
steps:
  - get: view
assertions:
  - type: node_count
    count: 0
`)

	suite, err := RunSuite(dir)
	require.NoError(t, err)

	assert.Equal(t, 1, suite.Total)
	assert.Equal(t, 1, suite.Failed)
	require.Len(t, suite.Failures, 1)
	assert.Contains(t, suite.Failures[0].Error, `input "ghost" is not declared`)
}

func TestRunSuite_MissingDirectory(t *testing.T) {
	_, err := RunSuite(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario directory")
}

func TestRunSuite_IgnoresNonScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeSuiteFile(t, dir, "run_me.yaml", passingScenario)
	writeSuiteFile(t, dir, "notes.txt", "not a scenario")
	writeSuiteFile(t, dir, "README.md", "# scenarios")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	suite, err := RunSuite(dir)
	require.NoError(t, err)

	assert.Equal(t, 1, suite.Total)
	assert.Equal(t, 1, suite.Passed)
}

func TestRunSuite_EmptyDirectory(t *testing.T) {
	suite, err := RunSuite(t.TempDir())
	require.NoError(t, err)

	assert.Zero(t, suite.Total)
	assert.Zero(t, suite.Failed)
	assert.Empty(t, suite.Failures)
}
