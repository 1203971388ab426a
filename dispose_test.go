package weft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/testutil"
)

// ===== Grace Period =====

func TestStore_AutoDispose_SweepsAfterGrace(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	st := New(WithDisposeGrace(time.Minute), WithTimeSource(clock.Now))
	probe := NewWritable(st, 0, WithLabel("probe"))

	a := NewWritable(st, 1, WithLabel("a"))
	d := NewDerived(st, func(tr *Tracker) (int, error) {
		return Read(tr, a) * 2, nil
	}, WithLabel("d"))

	unsub, err := d.Subscribe(func(int) {})
	require.NoError(t, err)
	require.Equal(t, 2, st.Len())
	unsub()

	// Before the grace period elapses, sweeps leave the node alone.
	_ = probe.Get()
	assert.Equal(t, 3, st.Len())

	clock.Advance(61 * time.Second)
	_ = probe.Get()
	assert.Equal(t, 2, st.Len(), "the unobserved derived is swept")

	// Severing the derived left its dependency unobserved; the next grace
	// period claims it too.
	clock.Advance(61 * time.Second)
	_ = probe.Get()
	assert.Equal(t, 1, st.Len(), "the orphaned dependency follows")
	assert.Equal(t, []NodeID{probe.ID()}, st.NodeIDs())
}

func TestStore_AutoDispose_ResubscribeCancels(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	st := New(WithDisposeGrace(time.Minute), WithTimeSource(clock.Now))

	counter := NewWritable(st, 0, WithLabel("counter"))
	unsub, err := counter.Subscribe(func(int) {})
	require.NoError(t, err)
	unsub()

	// A new subscriber inside the grace period disarms the deadline.
	clock.Advance(30 * time.Second)
	notified := 0
	unsub2, err := counter.Subscribe(func(int) { notified++ })
	require.NoError(t, err)
	defer unsub2()

	clock.Advance(5 * time.Minute)
	require.NoError(t, counter.Set(1))
	assert.Equal(t, 1, st.Len(), "an observed node is never swept")
	assert.Equal(t, 1, notified)
}

// ===== Exemptions =====

func TestStore_AutoDispose_KeepAliveSurvives(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	st := New(WithDisposeGrace(time.Minute), WithTimeSource(clock.Now))

	pinned := NewWritable(st, "config", WithLabel("pinned"), WithKeepAlive())
	unsub, err := pinned.Subscribe(func(string) {})
	require.NoError(t, err)
	unsub()

	clock.Advance(time.Hour)
	_ = pinned.Get()
	assert.Equal(t, 1, st.Len())
}

func TestStore_AutoDispose_DependentsKeepNodeAlive(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	st := New(WithDisposeGrace(time.Minute), WithTimeSource(clock.Now))

	base := NewWritable(st, 2, WithLabel("base"))
	square := NewDerived(st, func(tr *Tracker) (int, error) {
		v := Read(tr, base)
		return v * v, nil
	}, WithLabel("square"))

	unsubBase, err := base.Subscribe(func(int) {})
	require.NoError(t, err)
	unsubSquare, err := square.Subscribe(func(int) {})
	require.NoError(t, err)
	defer unsubSquare()

	// base loses its subscriber but square still depends on it.
	unsubBase()
	clock.Advance(time.Hour)
	require.NoError(t, base.Set(3))
	assert.Equal(t, 2, st.Len(), "a node with dependents is not swept")

	v, err := square.Get()
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestStore_AutoDispose_DisabledByDefault(t *testing.T) {
	st := New()
	a := NewWritable(st, 1)
	unsub, err := a.Subscribe(func(int) {})
	require.NoError(t, err)
	unsub()

	require.NoError(t, a.Set(2))
	assert.Equal(t, 1, st.Len(), "without a grace period nodes live forever")
}
