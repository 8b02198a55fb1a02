package epan

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtoTree_FakedItemsAttachToAncestor(t *testing.T) {
	r := NewFieldRegistry()
	proto := r.MustRegisterProtocol("p", "P")
	outer := r.MustRegisterField(proto, "p.outer", "Outer", FieldNone)
	inner := r.MustRegisterField(proto, "p.inner", "Inner", FieldUint)

	tree := newProtoTree(r, false, true, map[FieldID]struct{}{inner: {}})
	pn := tree.Root().Add(proto, nil)
	assert.Same(t, tree.Root(), pn, "protocol item is faked")

	on := pn.Add(outer, nil)
	assert.Same(t, pn, on)
	in := on.Add(inner, uint64(9))
	require.NotNil(t, in)
	assert.Same(t, tree.Root(), in.Parent())

	assert.Equal(t, 1, tree.Len())
	assert.True(t, tree.Contains(inner))
	assert.False(t, tree.Contains(outer))
	assert.Len(t, tree.Find(inner), 1)
}

func TestProtoTree_VisibleWalkAndFormat(t *testing.T) {
	r := NewFieldRegistry()
	proto := r.MustRegisterProtocol("p", "P")
	a := r.MustRegisterField(proto, "p.a", "A", FieldString)
	b := r.MustRegisterField(proto, "p.b", "B", FieldUint)

	tree := newProtoTree(r, true, true, nil)
	pn := tree.Root().Add(proto, nil)
	pn.Add(a, "x")
	pn.Add(b, uint64(1))
	pn.Add(b, uint64(2))

	values, ok := tree.FieldValues("p.b")
	require.True(t, ok)
	assert.Equal(t, []any{uint64(1), uint64(2)}, values)
	_, ok = tree.FieldValues("p.missing")
	assert.False(t, ok)

	var depths []int
	tree.Walk(func(n *TreeNode, depth int) bool {
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []int{0, 1, 1, 1}, depths)

	var buf bytes.Buffer
	require.NoError(t, tree.Format(&buf))
	assert.Equal(t, "p\n    p.a: x\n    p.b: 1\n    p.b: 2\n", buf.String())
}

func TestProtoTree_NilSafe(t *testing.T) {
	var tree *ProtoTree
	assert.Nil(t, tree.Root())
	assert.Equal(t, 0, tree.Len())
	assert.False(t, tree.Visible())
	assert.False(t, tree.Contains(1))

	var n *TreeNode
	assert.Nil(t, n.Add(1, "x"))
	assert.Nil(t, n.Parent())
}
