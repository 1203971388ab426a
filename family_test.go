package weft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Identity =====

func TestFamily_Get_CachesIdentity(t *testing.T) {
	st := New()
	fam := NewFamily(st, func(user string) *WritableCell[string] {
		return NewWritable(st, "", WithLabel("draft:"+user))
	})

	ada := fam.Get("ada")
	assert.Same(t, ada, fam.Get("ada"), "same key returns the identical cell")
	assert.NotSame(t, ada, fam.Get("bob"))
	assert.Equal(t, 2, fam.Len())
}

func TestFamily_Remove_MintsFreshIdentity(t *testing.T) {
	st := New()
	fam := NewFamily(st, func(user string) *WritableCell[string] {
		return NewWritable(st, "", WithLabel("draft:"+user))
	})

	ada := fam.Get("ada")
	require.NoError(t, ada.Set("hello"))
	require.Equal(t, 1, st.Len())

	require.NoError(t, fam.Remove("ada"))
	assert.Equal(t, 0, st.Len(), "eviction deletes the member node")

	reborn := fam.Get("ada")
	assert.NotEqual(t, ada.ID(), reborn.ID(), "a re-created key is a distinct cell")
	assert.Equal(t, "", reborn.Get(), "state does not survive eviction")
}

func TestFamily_Remove_UnknownKeyNoop(t *testing.T) {
	st := New()
	fam := NewFamily(st, func(k int) *WritableCell[int] {
		return NewWritable(st, k)
	})
	require.NoError(t, fam.Remove(99))
	assert.Equal(t, 0, fam.Len())
}

// ===== Enumeration =====

func TestFamily_Keys_InsertionOrder(t *testing.T) {
	st := New()
	fam := NewFamily(st, func(k string) *WritableCell[int] {
		return NewWritable(st, 0)
	})

	fam.Get("c")
	fam.Get("a")
	fam.Get("b")
	assert.Equal(t, []string{"c", "a", "b"}, fam.Keys())

	require.NoError(t, fam.Remove("a"))
	assert.Equal(t, []string{"c", "b"}, fam.Keys())

	fam.Get("a")
	assert.Equal(t, []string{"c", "b", "a"}, fam.Keys(), "re-created keys append at the end")
}

func TestFamily_Clear_EvictsAll(t *testing.T) {
	st := New()
	fam := NewFamily(st, func(k int) *WritableCell[int] {
		return NewWritable(st, k)
	})
	for k := 0; k < 4; k++ {
		_ = fam.Get(k).Get()
	}
	require.Equal(t, 4, st.Len())

	require.NoError(t, fam.Clear())
	assert.Equal(t, 0, fam.Len())
	assert.Empty(t, fam.Keys())
	assert.Equal(t, 0, st.Len())
}

// ===== Graph Interaction =====

func TestFamily_Remove_DependentsSeeFreshMember(t *testing.T) {
	st := New()
	fam := NewFamily(st, func(user string) *WritableCell[int] {
		return NewWritable(st, 0, WithLabel("score:"+user))
	})

	total := NewDerived(st, func(tr *Tracker) (int, error) {
		return Read(tr, fam.Get("ada")) + Read(tr, fam.Get("bob")), nil
	}, WithLabel("total"))

	require.NoError(t, fam.Get("ada").Set(7))
	require.NoError(t, fam.Get("bob").Set(3))
	v, err := total.Get()
	require.NoError(t, err)
	require.Equal(t, 10, v)

	require.NoError(t, fam.Remove("ada"))
	v, err = total.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, v, "the rebuilt member starts from its initial value")
}

// ===== Construction Guards =====

func TestFamily_New_NilArgumentsPanic(t *testing.T) {
	st := New()
	assert.Panics(t, func() {
		NewFamily[string, *WritableCell[int]](nil, func(string) *WritableCell[int] {
			return NewWritable(st, 0)
		})
	})
	assert.Panics(t, func() {
		NewFamily[string, *WritableCell[int]](st, nil)
	})
}
