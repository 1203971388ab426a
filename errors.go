package weft

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a class of engine failure. Codes are stable strings so
// callers, logs, and conformance fixtures can match on them.
type ErrorCode string

const (
	// ErrCodeCycleDetected reports a dependency cycle discovered during
	// propagation. Edges are dynamic, so this is only detectable at
	// propagation time, never at declaration time.
	ErrCodeCycleDetected ErrorCode = "CYCLE_DETECTED"

	// ErrCodeRecomputeFailed reports a derived computation that returned an
	// error or panicked. The node keeps its last Clean value and retries on
	// the next read.
	ErrCodeRecomputeFailed ErrorCode = "RECOMPUTE_FAILED"

	// ErrCodeInvalidWrite reports a write of the wrong dynamic type, a write
	// to a non-writable cell, or a cell used against the wrong store.
	ErrCodeInvalidWrite ErrorCode = "INVALID_WRITE"

	// ErrCodeStepLimit reports that a propagation cycle exceeded the store's
	// configured step bound.
	ErrCodeStepLimit ErrorCode = "STEP_LIMIT"

	// ErrCodeAsyncFetchFailed labels a failed asynchronous fetch. It is
	// committed as the node's failed result state, never returned from a
	// synchronous call; the code exists for logs and hooks.
	ErrCodeAsyncFetchFailed ErrorCode = "ASYNC_FETCH_FAILED"

	// ErrCodeStaleResultDiscarded labels a superseded asynchronous result.
	// Discards are silent: logged and observable through hooks, never
	// surfaced to callers.
	ErrCodeStaleResultDiscarded ErrorCode = "STALE_RESULT_DISCARDED"
)

// GraphError is the structured error for every failure the engine surfaces.
// Node and Label identify the originating cell when one is known; Path is
// populated for cycles with the dependency chain that closed.
type GraphError struct {
	Code       ErrorCode
	Message    string
	Node       NodeID
	Label      string
	Path       []NodeID
	PathLabels []string
	Err        error
}

func (e *GraphError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Node != 0 {
		fmt.Fprintf(&b, " (node=%d", e.Node)
		if e.Label != "" {
			fmt.Fprintf(&b, " label=%q", e.Label)
		}
		b.WriteString(")")
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " path=%s", formatPath(e.Path, e.PathLabels))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func formatPath(ids []NodeID, labels []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		if i < len(labels) && labels[i] != "" {
			parts[i] = labels[i]
		} else {
			parts[i] = fmt.Sprintf("#%d", id)
		}
	}
	return strings.Join(parts, " -> ")
}

// NewCycleError creates a CYCLE_DETECTED error for the given dependency path.
// The path runs from the first node on the active computation stack that the
// cycle re-entered down to the re-entry itself.
func NewCycleError(path []NodeID, labels []string) *GraphError {
	e := &GraphError{
		Code:       ErrCodeCycleDetected,
		Message:    "dependency cycle detected",
		Path:       path,
		PathLabels: labels,
	}
	if len(path) > 0 {
		e.Node = path[len(path)-1]
		if len(labels) == len(path) {
			e.Label = labels[len(labels)-1]
		}
	}
	return e
}

// NewRecomputeError wraps a failed derived computation.
func NewRecomputeError(id NodeID, label string, err error) *GraphError {
	return &GraphError{
		Code:    ErrCodeRecomputeFailed,
		Message: "derived computation failed",
		Node:    id,
		Label:   label,
		Err:     err,
	}
}

// NewInvalidWriteError reports a structurally invalid store operation.
func NewInvalidWriteError(id NodeID, label, message string) *GraphError {
	return &GraphError{
		Code:    ErrCodeInvalidWrite,
		Message: message,
		Node:    id,
		Label:   label,
	}
}

// NewStepLimitError reports a propagation cycle that exceeded the configured
// step bound.
func NewStepLimitError(limit int) *GraphError {
	return &GraphError{
		Code:    ErrCodeStepLimit,
		Message: fmt.Sprintf("propagation exceeded %d steps", limit),
	}
}

// NewAsyncFetchError wraps a failed asynchronous fetch for logs and hooks.
func NewAsyncFetchError(id NodeID, label string, err error) *GraphError {
	return &GraphError{
		Code:    ErrCodeAsyncFetchFailed,
		Message: "asynchronous fetch failed",
		Node:    id,
		Label:   label,
		Err:     err,
	}
}

// IsCycleError reports whether err is (or wraps) a CYCLE_DETECTED error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsRecomputeError reports whether err is (or wraps) a RECOMPUTE_FAILED error.
func IsRecomputeError(err error) bool {
	return hasCode(err, ErrCodeRecomputeFailed)
}

// IsInvalidWriteError reports whether err is (or wraps) an INVALID_WRITE error.
func IsInvalidWriteError(err error) bool {
	return hasCode(err, ErrCodeInvalidWrite)
}

// IsStepLimitError reports whether err is (or wraps) a STEP_LIMIT error.
func IsStepLimitError(err error) bool {
	return hasCode(err, ErrCodeStepLimit)
}

// CodeOf extracts the error code from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return "", false
}

func hasCode(err error, code ErrorCode) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.Code == code
}
