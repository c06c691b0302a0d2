package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T, pairs ...any) *Tree {
	t.Helper()
	tr := New()
	for i := 0; i < len(pairs); i += 2 {
		require.NoError(t, tr.Set(pairs[i].(string), pairs[i+1]))
	}
	return tr
}

func TestHashIgnoresInsertionOrder(t *testing.T) {
	a := buildTree(t, "data.x", 1, "data.y", "two", "z", 3.5)
	b := buildTree(t, "z", 3.5, "data.y", "two", "data.x", 1)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), KeyLength)
}

func TestHashSensitivity(t *testing.T) {
	base := buildTree(t, "data.x", 1)
	tests := []struct {
		name  string
		other *Tree
	}{
		{"different value", buildTree(t, "data.x", 2)},
		{"int vs float", buildTree(t, "data.x", 1.0)},
		{"int vs string", buildTree(t, "data.x", "1")},
		{"moved to root", buildTree(t, "x", 1)},
		{"extra key", buildTree(t, "data.x", 1, "data.y", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base.Hash(), tt.other.Hash())
		})
	}
}

func TestHashIntegerKindsAgree(t *testing.T) {
	a := buildTree(t, "x", int8(4))
	b := buildTree(t, "x", uint32(4))
	c := buildTree(t, "x", int64(4))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, b.Hash(), c.Hash())
}

func TestHashFrozenMemo(t *testing.T) {
	tr := buildTree(t, "a.b", 1)
	before := tr.Hash()
	tr.Freeze()
	assert.Equal(t, before, tr.Hash())
	assert.Equal(t, before, tr.Hash())
}

func TestHashOf(t *testing.T) {
	a := buildTree(t, "data.x", 1, "process.k", 1)
	b := buildTree(t, "data.x", 1, "process.k", 2)

	assert.Equal(t, a.HashOf("data"), b.HashOf("data"))
	assert.NotEqual(t, a.HashOf("process"), b.HashOf("process"))
	assert.NotEqual(t, a.HashOf("missing"), a.HashOf("data"))
	assert.Equal(t, a.HashOf("missing"), b.HashOf("missing"))

	// Same content under different names stays distinct.
	c := buildTree(t, "one.v", 1, "two.v", 1)
	assert.NotEqual(t, c.HashOf("one"), c.HashOf("two"))
}

type point struct {
	X, Y int
	note string
}

type fixed string

func (f fixed) TreeHash() string { return string(f) }

func TestItemHash(t *testing.T) {
	assert.Equal(t, ItemHash("a", 1), ItemHash("a", 1))
	assert.NotEqual(t, ItemHash("a", 1), ItemHash(1, "a"))
	assert.NotEqual(t, ItemHash("ab"), ItemHash("a", "b"))

	m1 := map[string]int{"a": 1, "b": 2, "c": 3}
	m2 := map[string]int{"c": 3, "b": 2, "a": 1}
	assert.Equal(t, ItemHash(m1), ItemHash(m2))

	assert.Equal(t, ItemHash(point{1, 2, "x"}), ItemHash(point{1, 2, "y"}))
	assert.NotEqual(t, ItemHash(point{1, 2, ""}), ItemHash(point{2, 1, ""}))
	assert.Equal(t, ItemHash(&point{1, 2, ""}), ItemHash(point{1, 2, ""}))

	assert.Equal(t, ItemHash(fixed("k")), ItemHash(fixed("k")))
	assert.NotEqual(t, ItemHash(fixed("k")), ItemHash("k"))

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, ItemHash(ts), ItemHash(ts.In(time.FixedZone("x", 3600))))

	assert.Equal(t, ItemHash([]int{1, 2}), ItemHash([]any{1, 2}))
}

func TestCombineIsUnambiguous(t *testing.T) {
	assert.NotEqual(t, Combine("ab", "c"), Combine("a", "bc"))
	assert.Equal(t, Combine("a", "b"), Combine("a", "b"))
}
