package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindScenarioFiles_SingleFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "addition.yaml", passingScenarioYAML)

	files, err := FindScenarioFiles(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestFindScenarioFiles_Directory(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b_second.yaml", passingScenarioYAML)
	writeScenario(t, dir, "a_first.yml", passingScenarioYAML)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a scenario"), 0644))

	// Nested directories are not walked, even with scenario-like names.
	nested := filepath.Join(dir, "nested.yaml")
	require.NoError(t, os.Mkdir(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "inner.yaml"), []byte(passingScenarioYAML), 0644))

	files, err := FindScenarioFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a_first.yml"),
		filepath.Join(dir, "b_second.yaml"),
	}, files)
}

func TestFindScenarioFiles_MissingPath(t *testing.T) {
	_, err := FindScenarioFiles("/nonexistent/scenarios")
	require.Error(t, err)

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, ErrCodeNotFound, loadErr.Code)
	assert.Contains(t, loadErr.Error(), "E005")
	assert.Contains(t, loadErr.Error(), "path not found")
}

func TestFindScenarioFiles_NoScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# docs"), 0644))

	_, err := FindScenarioFiles(dir)
	require.Error(t, err)

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, ErrCodeNoFiles, loadErr.Code)
	assert.Contains(t, loadErr.Error(), "no scenario files")
}

func TestLoadError_FormatsCodeAndCause(t *testing.T) {
	plain := &LoadError{Code: ErrCodeNoFiles, Message: "no scenario files"}
	assert.Equal(t, "E003: no scenario files", plain.Error())

	cause := errors.New("permission denied")
	wrapped := &LoadError{Code: ErrCodeScanError, Message: "error scanning directory", Err: cause}
	assert.Equal(t, "E002: error scanning directory: permission denied", wrapped.Error())
	assert.Same(t, cause, wrapped.Unwrap())
}
