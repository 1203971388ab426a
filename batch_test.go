package weft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Notification Coalescing =====

func TestBatch_SingleNotificationPerCell(t *testing.T) {
	st := New()
	x := NewWritable(st, 1, WithLabel("x"))
	y := NewWritable(st, 2, WithLabel("y"))
	sumRuns := 0
	sum := NewDerived(st, func(tr *Tracker) (int, error) {
		sumRuns++
		return Read(tr, x) + Read(tr, y), nil
	}, WithLabel("sum"))

	v, err := sum.Get()
	require.NoError(t, err)
	require.Equal(t, 3, v)

	var notified []int
	unsub, err := sum.Subscribe(func(v int) { notified = append(notified, v) })
	require.NoError(t, err)
	defer unsub()

	// Unbatched: each write propagates separately.
	require.NoError(t, x.Set(10))
	require.NoError(t, y.Set(20))
	assert.Equal(t, []int{12, 30}, notified)
	assert.Equal(t, 3, sumRuns)

	// Batched: one cycle, one recompute, one notification.
	err = st.Batch(func() error {
		require.NoError(t, x.Set(100))
		require.NoError(t, y.Set(200))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{12, 30, 300}, notified)
	assert.Equal(t, 4, sumRuns)
}

func TestBatch_Nested_CollapsesToOutermost(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))

	notified := 0
	unsub, err := a.Subscribe(func(int) { notified++ })
	require.NoError(t, err)
	defer unsub()

	err = st.Batch(func() error {
		require.NoError(t, a.Set(2))
		innerErr := st.Batch(func() error {
			require.NoError(t, a.Set(3))
			return nil
		})
		require.NoError(t, innerErr)
		assert.Zero(t, notified, "inner batch close does not propagate")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, notified, "one notification at the outermost close")
	assert.Equal(t, 3, a.Get())
}

func TestBatch_ChainRecomputesOnceAtClose(t *testing.T) {
	st := New()
	a := NewWritable(st, 0, WithLabel("a"))
	b := NewDerived(st, func(tr *Tracker) (int, error) {
		return Read(tr, a) + 1, nil
	}, WithLabel("b"))
	cRuns := 0
	c := NewDerived(st, func(tr *Tracker) (int, error) {
		cRuns++
		return Read(tr, b) + 1, nil
	}, WithLabel("c"))

	v, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, 2, v)
	cRuns = 0

	err = st.Batch(func() error { return a.Set(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, cRuns, "the chain settles once at batch close")

	v, err = c.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, 1, cRuns, "the read after the batch finds a settled value")
}

func TestBatch_WriteBack_NetsOut(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))
	runs := 0
	d := NewDerived(st, func(tr *Tracker) (int, error) {
		runs++
		return Read(tr, a) * 10, nil
	})
	_, err := d.Get()
	require.NoError(t, err)

	notified := 0
	unsub, err := a.Subscribe(func(int) { notified++ })
	require.NoError(t, err)
	defer unsub()

	// The change comparison runs against the value from before the batch, so
	// writing away and back again counts as no change at all.
	err = st.Batch(func() error {
		require.NoError(t, a.Set(2))
		require.NoError(t, a.Set(1))
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, notified)
	assert.Equal(t, 1, runs, "dependents are not even recomputed")
}

// ===== Mid-Batch Reads =====

func TestBatch_MidBatchReads(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))
	sum := NewDerived(st, func(tr *Tracker) (int, error) {
		return Read(tr, a) + 10, nil
	}, WithLabel("sum"))
	v, err := sum.Get()
	require.NoError(t, err)
	require.Equal(t, 11, v)

	err = st.Batch(func() error {
		require.NoError(t, a.Set(5))
		assert.Equal(t, 5, a.Get(), "written cells read back inside the batch")

		mid, err := sum.Get()
		require.NoError(t, err)
		assert.Equal(t, 11, mid, "derived values refresh only when the batch closes")
		return nil
	})
	require.NoError(t, err)

	v, err = sum.Get()
	require.NoError(t, err)
	assert.Equal(t, 15, v)
}

// ===== Body Outcomes =====

func TestBatch_NilFunctionPanics(t *testing.T) {
	st := New()
	assert.Panics(t, func() { _ = st.Batch(nil) })
}

func TestBatch_BodyError_StillCommitsWrites(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))

	notified := 0
	unsub, err := a.Subscribe(func(int) { notified++ })
	require.NoError(t, err)
	defer unsub()

	sentinel := errors.New("validation refused")
	err = st.Batch(func() error {
		require.NoError(t, a.Set(2))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, a.Get(), "a batch defers propagation, it does not roll back")
	assert.Equal(t, 1, notified)
}

func TestBatch_BodyPanic_DefersWorkToNextOperation(t *testing.T) {
	st := New()
	a := NewWritable(st, 1, WithLabel("a"))
	d := NewDerived(st, func(tr *Tracker) (int, error) {
		return Read(tr, a) * 10, nil
	})
	_, err := d.Get()
	require.NoError(t, err)

	notified := 0
	unsub, err := d.Subscribe(func(int) { notified++ })
	require.NoError(t, err)
	defer unsub()

	require.Panics(t, func() {
		_ = st.Batch(func() error {
			require.NoError(t, a.Set(2))
			panic("boom")
		})
	})
	assert.Zero(t, notified, "propagation is skipped while the panic unwinds")

	v, err := d.Get()
	require.NoError(t, err)
	assert.Equal(t, 20, v, "the pending write is picked up by the next operation")
	assert.Equal(t, 1, notified)
}

// ===== Subscriber Writes =====

func TestStore_SubscriberWrite_DeferredToFollowUpCycle(t *testing.T) {
	st := New()
	temp := NewWritable(st, 20, WithLabel("temp"))
	status := NewWritable(st, "idle", WithLabel("status"))
	_ = status.Get()

	var statusSeen []string
	unsubStatus, err := status.Subscribe(func(v string) { statusSeen = append(statusSeen, v) })
	require.NoError(t, err)
	defer unsubStatus()

	unsubTemp, err := temp.Subscribe(func(v int) {
		if v > 30 {
			_ = status.Set("hot")
		}
	})
	require.NoError(t, err)
	defer unsubTemp()

	require.NoError(t, temp.Set(35))
	assert.Equal(t, "hot", status.Get())
	assert.Equal(t, []string{"hot"}, statusSeen, "the deferred write commits as a follow-up pass")
}

func TestStore_NotificationFeedback_HitsStepLimit(t *testing.T) {
	st := New(WithMaxSteps(8))
	count := NewWritable(st, 0, WithLabel("count"))

	// A subscriber that always writes back a fresh value never quiesces; the
	// step bound cuts the feedback loop off.
	unsub, err := count.Subscribe(func(v int) { _ = count.Set(v + 1) })
	require.NoError(t, err)
	defer unsub()

	err = count.Set(1)
	require.Error(t, err)
	assert.True(t, IsStepLimitError(err))
}
