package epan

import (
	"fmt"
	"io"
	"strings"
)

// ProtoTree is the decoded-field output of one dissection.
//
// When the tree is not visible only fields that were primed are stored;
// protocol items are also stored unless fake protocols are enabled. Items
// that are not stored are "faked": their children attach to the nearest
// stored ancestor.
type ProtoTree struct {
	fields        *FieldRegistry
	root          *TreeNode
	visible       bool
	fakeProtocols bool
	interesting   map[FieldID]struct{}
	index         map[FieldID][]*TreeNode
	count         int
}

// TreeNode is one item of a ProtoTree. A nil *TreeNode is a valid no-op
// parent, so decoders can add items without checking for a tree.
type TreeNode struct {
	Field    FieldID
	Abbrev   string
	Value    any
	Children []*TreeNode

	parent *TreeNode
	tree   *ProtoTree
}

func newProtoTree(fields *FieldRegistry, visible, fakeProtocols bool, interesting map[FieldID]struct{}) *ProtoTree {
	t := &ProtoTree{
		fields:        fields,
		visible:       visible,
		fakeProtocols: fakeProtocols,
		interesting:   interesting,
		index:         make(map[FieldID][]*TreeNode),
	}
	t.root = &TreeNode{tree: t}
	return t
}

// Root returns the unnamed top-level node.
func (t *ProtoTree) Root() *TreeNode {
	if t == nil {
		return nil
	}
	return t.root
}

// Visible reports whether every item is materialized.
func (t *ProtoTree) Visible() bool { return t != nil && t.visible }

// Len returns the number of stored items.
func (t *ProtoTree) Len() int {
	if t == nil {
		return 0
	}
	return t.count
}

// Contains reports whether at least one item for id was stored.
func (t *ProtoTree) Contains(id FieldID) bool {
	if t == nil {
		return false
	}
	return len(t.index[id]) > 0
}

// Find returns every stored item for id in insertion order.
func (t *ProtoTree) Find(id FieldID) []*TreeNode {
	if t == nil {
		return nil
	}
	return t.index[id]
}

// FieldValues implements dfilter.FieldView.
func (t *ProtoTree) FieldValues(abbrev string) ([]any, bool) {
	if t == nil {
		return nil, false
	}
	id, ok := t.fields.Lookup(abbrev)
	if !ok {
		return nil, false
	}
	nodes := t.index[id]
	if len(nodes) == 0 {
		return nil, false
	}
	values := make([]any, len(nodes))
	for i, n := range nodes {
		values[i] = n.Value
	}
	return values, true
}

// Walk visits stored items depth-first. Returning false from fn skips the
// item's children.
func (t *ProtoTree) Walk(fn func(n *TreeNode, depth int) bool) {
	if t == nil {
		return
	}
	var walk func(n *TreeNode, depth int)
	walk = func(n *TreeNode, depth int) {
		for _, c := range n.Children {
			if fn(c, depth) {
				walk(c, depth+1)
			}
		}
	}
	walk(t.root, 0)
}

// Format writes an indented "abbrev: value" rendering of the tree.
func (t *ProtoTree) Format(w io.Writer) error {
	var err error
	t.Walk(func(n *TreeNode, depth int) bool {
		if err != nil {
			return false
		}
		indent := strings.Repeat("    ", depth)
		if n.Value == nil {
			_, err = fmt.Fprintf(w, "%s%s\n", indent, n.Abbrev)
		} else {
			_, err = fmt.Fprintf(w, "%s%s: %v\n", indent, n.Abbrev, n.Value)
		}
		return true
	})
	return err
}

func (t *ProtoTree) keep(id FieldID) bool {
	if t.visible {
		return true
	}
	if _, ok := t.interesting[id]; ok {
		return true
	}
	if !t.fakeProtocols {
		fi, ok := t.fields.Info(id)
		return ok && fi.IsProtocol()
	}
	return false
}

// Add appends a child item and returns it. A faked item returns n itself,
// and a nil n returns nil.
func (n *TreeNode) Add(id FieldID, value any) *TreeNode {
	if n == nil {
		return nil
	}
	t := n.tree
	if !t.keep(id) {
		return n
	}

	child := &TreeNode{
		Field:  id,
		Abbrev: t.fields.Abbrev(id),
		Value:  value,
		parent: n,
		tree:   t,
	}
	n.Children = append(n.Children, child)
	t.index[id] = append(t.index[id], child)
	t.count++
	return child
}

// Parent returns the enclosing item, or nil at the root.
func (n *TreeNode) Parent() *TreeNode {
	if n == nil {
		return nil
	}
	return n.parent
}
