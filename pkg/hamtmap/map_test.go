package hamtmap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyMap(t *testing.T) {
	m := New()
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get(NewStr("missing"))
	assert.False(t, ok)
}

func TestSetGetRoundtrip(t *testing.T) {
	m := New()
	m2 := m.Set(NewStr("a"), NewInt64(1))

	assert.Equal(t, 0, m.Len(), "original map must stay unmodified")
	assert.Equal(t, 1, m2.Len())

	v, ok := m2.Get(NewStr("a"))
	require.True(t, ok)
	i, _ := v.Int64()
	assert.Equal(t, int64(1), i)
}

func TestSetOverwriteDoesNotGrow(t *testing.T) {
	m := New().Set(NewStr("a"), NewInt64(1))
	m2 := m.Set(NewStr("a"), NewInt64(2))

	assert.Equal(t, 1, m2.Len())
	v, _ := m2.Get(NewStr("a"))
	i, _ := v.Int64()
	assert.Equal(t, int64(2), i)

	// original binding is untouched: structural sharing, not mutation.
	v0, _ := m.Get(NewStr("a"))
	i0, _ := v0.Int64()
	assert.Equal(t, int64(1), i0)
}

func TestDeletePresentAndAbsent(t *testing.T) {
	m := New().Set(NewStr("a"), NewInt64(1)).Set(NewStr("b"), NewInt64(2))

	m2, ok := m.Delete(NewStr("a"))
	require.True(t, ok)
	assert.Equal(t, 1, m2.Len())
	_, present := m2.Get(NewStr("a"))
	assert.False(t, present)
	_, present = m2.Get(NewStr("b"))
	assert.True(t, present)

	// original unaffected.
	_, present = m.Get(NewStr("a"))
	assert.True(t, present)

	m3, ok := m.Delete(NewStr("nope"))
	assert.False(t, ok)
	assert.Same(t, m, m3)
}

func TestManyBindingsSurviveArrayPromotionAndDemotion(t *testing.T) {
	m := New()
	const n = 200
	for i := 0; i < n; i++ {
		m = m.Set(NewInt64(int64(i)), NewStr(fmt.Sprintf("v%d", i)))
	}
	assert.Equal(t, n, m.Len())
	for i := 0; i < n; i++ {
		v, ok := m.Get(NewInt64(int64(i)))
		require.True(t, ok, "missing key %d", i)
		s, _ := v.Str()
		assert.Equal(t, fmt.Sprintf("v%d", i), s)
	}

	// demote back down by deleting most entries.
	for i := 0; i < n-5; i++ {
		var ok bool
		m, ok = m.Delete(NewInt64(int64(i)))
		require.True(t, ok)
	}
	assert.Equal(t, 5, m.Len())
	for i := n - 5; i < n; i++ {
		_, ok := m.Get(NewInt64(int64(i)))
		assert.True(t, ok)
	}
}

// TestHashCollisionHandledCorrectly constructs a genuine 32-bit hash
// collision directly through setNode, rather than hoping two string keys
// happen to collide under Hash32: both keys are inserted at shift ==
// maxShift with the same pinned hash, which setNode can only resolve by
// building a collisionNode.
func TestHashCollisionHandledCorrectly(t *testing.T) {
	const sharedHash uint32 = 0xc0ffee42
	k1, k2 := NewStr("first-colliding-key"), NewStr("second-colliding-key")

	root, added := setNode(nil, sharedHash, maxShift, k1, NewInt64(1))
	require.True(t, added)
	if _, ok := root.(*leaf); !ok {
		t.Fatalf("expected a leaf after the first insert, got %T", root)
	}

	root, added = setNode(root, sharedHash, maxShift, k2, NewInt64(2))
	require.True(t, added)
	cn, ok := root.(*collisionNode)
	require.True(t, ok, "expected a collisionNode once two keys share a hash, got %T", root)
	assert.Len(t, cn.entries, 2)

	v1, ok := getNode(root, sharedHash, maxShift, k1)
	require.True(t, ok)
	i1, _ := v1.Int64()
	assert.Equal(t, int64(1), i1)

	v2, ok := getNode(root, sharedHash, maxShift, k2)
	require.True(t, ok)
	i2, _ := v2.Int64()
	assert.Equal(t, int64(2), i2)

	root2, err := deleteNode(root, sharedHash, maxShift, k1)
	require.NoError(t, err)
	_, ok = getNode(root2, sharedHash, maxShift, k1)
	assert.False(t, ok, "deleted key must not remain retrievable")
	v2again, ok := getNode(root2, sharedHash, maxShift, k2)
	require.True(t, ok, "the non-deleted colliding key must survive")
	i2again, _ := v2again.Int64()
	assert.Equal(t, int64(2), i2again)
}

func TestIterVisitsEveryBinding(t *testing.T) {
	m := New().Set(NewStr("a"), NewInt64(1)).Set(NewStr("b"), NewInt64(2)).Set(NewStr("c"), NewInt64(3))
	seen := map[string]int64{}
	m.Iter(func(k, v Value) bool {
		ks, _ := k.Str()
		vi, _ := v.Int64()
		seen[ks] = vi
		return true
	})
	assert.Equal(t, map[string]int64{"a": 1, "b": 2, "c": 3}, seen)
}

func TestIterEarlyStop(t *testing.T) {
	m := New().Set(NewStr("a"), NewInt64(1)).Set(NewStr("b"), NewInt64(2))
	count := 0
	m.Iter(func(k, v Value) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestMapsEqual(t *testing.T) {
	a := New().Set(NewStr("x"), NewInt64(1)).Set(NewStr("y"), NewInt64(2))
	b := New().Set(NewStr("y"), NewInt64(2)).Set(NewStr("x"), NewInt64(1))
	assert.True(t, MapsEqual(a, b))

	c := b.Set(NewStr("z"), NewInt64(3))
	assert.False(t, MapsEqual(a, c))
}

func TestValueEqualOnNestedTuplesAndMaps(t *testing.T) {
	m1 := New().Set(NewStr("k"), NewInt64(1))
	m2 := New().Set(NewStr("k"), NewInt64(1))
	a := NewTuple(NewInt64(1), NewMap(m1), NewStr("z"))
	b := NewTuple(NewInt64(1), NewMap(m2), NewStr("z"))
	assert.True(t, Equal(a, b))
}

func TestHasHandlePropagatesThroughTuples(t *testing.T) {
	plain := NewTuple(NewInt64(1), NewStr("x"))
	assert.False(t, plain.HasHandle())

	withMap := NewTuple(NewInt64(1), NewMap(New()))
	assert.True(t, withMap.HasHandle())

	withForeign := NewTuple(NewForeign(ObjectHandle{OwnerHeap: 3}))
	assert.True(t, withForeign.HasHandle())
}
