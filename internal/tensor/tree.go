package tensor

import "sort"

// Tree is a named collection of tensors (parameters, gradients, or
// optimizer moments). Iteration over a Tree must always go through Names()
// so that serialization and updates are order-independent of map layout.
type Tree map[string]*Tensor

// Names returns the tensor names in sorted order.
func (tr Tree) Names() []string {
	names := make([]string, 0, len(tr))
	for name := range tr {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies the tree.
func (tr Tree) Clone() Tree {
	out := make(Tree, len(tr))
	for name, t := range tr {
		out[name] = t.Clone()
	}
	return out
}

// ZerosLike returns a tree with the same names and shapes, all zero.
func (tr Tree) ZerosLike() Tree {
	out := make(Tree, len(tr))
	for name, t := range tr {
		out[name] = New(t.Shape...)
	}
	return out
}

// Equal reports whether two trees have identical names, shapes, and values.
func (tr Tree) Equal(other Tree) bool {
	if len(tr) != len(other) {
		return false
	}
	for name, t := range tr {
		o, ok := other[name]
		if !ok || !t.Equal(o) {
			return false
		}
	}
	return true
}
