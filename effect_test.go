package weft

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Lifecycle =====

func TestEffect_New_RunsImmediately(t *testing.T) {
	st := New()
	mode := NewWritable(st, "dark", WithLabel("mode"))

	var applied []string
	eff, err := NewEffect(st, func(tr *Tracker) (Cleanup, error) {
		applied = append(applied, Read(tr, mode))
		return nil, nil
	})
	require.NoError(t, err)
	defer func() { _ = eff.Dispose() }()

	assert.Equal(t, []string{"dark"}, applied, "the body runs once at registration")

	require.NoError(t, mode.Set("light"))
	assert.Equal(t, []string{"dark", "light"}, applied)
}

func TestEffect_New_NilBodyPanics(t *testing.T) {
	st := New()
	assert.Panics(t, func() { _, _ = NewEffect(st, nil) })
}

func TestEffect_Rerun_CleanupBeforeBody(t *testing.T) {
	st := New()
	port := NewWritable(st, 8080, WithLabel("port"))

	var log []string
	eff, err := NewEffect(st, func(tr *Tracker) (Cleanup, error) {
		p := Read(tr, port)
		log = append(log, fmt.Sprintf("listen:%d", p))
		return func() { log = append(log, fmt.Sprintf("close:%d", p)) }, nil
	})
	require.NoError(t, err)
	defer func() { _ = eff.Dispose() }()

	require.NoError(t, port.Set(9090))
	assert.Equal(t, []string{"listen:8080", "close:8080", "listen:9090"}, log)
}

func TestEffect_Dispose_StopsReruns(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))

	runs, cleanups := 0, 0
	eff, err := NewEffect(st, func(tr *Tracker) (Cleanup, error) {
		Read(tr, a)
		runs++
		return func() { cleanups++ }, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, runs)
	require.Equal(t, 2, st.Len())

	require.NoError(t, eff.Dispose())
	assert.Equal(t, 1, cleanups, "disposal runs the final cleanup")
	assert.Equal(t, 1, st.Len(), "only the dependency remains")

	require.NoError(t, eff.Dispose())
	assert.Equal(t, 1, cleanups, "second dispose is a no-op")

	require.NoError(t, a.Set(2))
	assert.Equal(t, 1, runs, "a disposed effect never reruns")
}

// ===== Failure Paths =====

func TestEffect_FirstRunError_RegistersNothing(t *testing.T) {
	st := New()
	_, err := NewEffect(st, func(tr *Tracker) (Cleanup, error) {
		return nil, errors.New("device missing")
	})
	require.Error(t, err)
	assert.True(t, IsRecomputeError(err))
	assert.Equal(t, 0, st.Len())
}

func TestEffect_RerunError_SurfacesToWriter(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))

	cleanups := 0
	eff, err := NewEffect(st, func(tr *Tracker) (Cleanup, error) {
		if Read(tr, a) > 1 {
			return nil, errors.New("overload")
		}
		return func() { cleanups++ }, nil
	})
	require.NoError(t, err)
	defer func() { _ = eff.Dispose() }()

	err = a.Set(2)
	require.Error(t, err)
	assert.True(t, IsRecomputeError(err))
	assert.Equal(t, 1, cleanups, "the previous cleanup ran before the failing rerun")
	assert.Equal(t, 2, st.Len(), "a failing rerun does not unregister the effect")

	// Recovery on the next qualifying write.
	require.NoError(t, a.Set(1))
	assert.Equal(t, 1, cleanups)
}

// ===== Propagation Gating =====

func TestEffect_EqualDerivedResult_NoRerun(t *testing.T) {
	st := New()
	count := NewWritable(st, 1, WithLabel("count"))
	parity := NewDerived(st, func(tr *Tracker) (string, error) {
		if Read(tr, count)%2 == 0 {
			return "even", nil
		}
		return "odd", nil
	}, WithLabel("parity"))

	runs := 0
	eff, err := NewEffect(st, func(tr *Tracker) (Cleanup, error) {
		Read(tr, parity)
		runs++
		return nil, nil
	})
	require.NoError(t, err)
	defer func() { _ = eff.Dispose() }()
	require.Equal(t, 1, runs)

	require.NoError(t, count.Set(3))
	assert.Equal(t, 1, runs, "an equal derived result stops the branch")

	require.NoError(t, count.Set(4))
	assert.Equal(t, 2, runs)
}
