// ABOUTME: Bidirectional B+tree iterator for range scans
// ABOUTME: Seeks by key or to either end, then steps with Next and Prev

package btree

import "bytes"

// Iter walks a tree in key order. The tree must not be modified while an
// iterator is in use.
type Iter struct {
	tree *Tree
	path []node
	pos  []uint16
}

// NewIterator creates an unpositioned iterator
func (t *Tree) NewIterator() *Iter {
	return &Iter{
		tree: t,
		path: make([]node, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

func (it *Iter) reset() {
	it.path = it.path[:0]
	it.pos = it.pos[:0]
}

// onSentinel reports whether the iterator sits on the leading empty key
func (it *Iter) onSentinel() bool {
	return it.Valid() && len(it.Key()) == 0
}

// SeekLE positions the iterator at the last key <= key. It returns false
// when no such key exists.
func (it *Iter) SeekLE(key []byte) bool {
	it.reset()
	if it.tree.root == 0 {
		return false
	}

	n := it.tree.page(it.tree.root)
	for {
		idx := lookupLE(n, key)
		it.path = append(it.path, n)
		it.pos = append(it.pos, idx)
		if n.kind() == kindLeaf {
			break
		}
		n = it.tree.page(n.ptr(idx))
	}

	if it.onSentinel() {
		it.reset()
		return false
	}
	return it.Valid()
}

// SeekGE positions the iterator at the first key >= key
func (it *Iter) SeekGE(key []byte) bool {
	if it.tree.root == 0 {
		it.reset()
		return false
	}
	if !it.SeekLE(key) {
		return it.First()
	}
	if bytes.Compare(it.Key(), key) < 0 {
		return it.Next()
	}
	return true
}

// First positions the iterator at the smallest key
func (it *Iter) First() bool {
	it.reset()
	if it.tree.root == 0 {
		return false
	}
	it.path = append(it.path, it.tree.page(it.tree.root))
	it.pos = append(it.pos, 0)
	if it.path[0].kind() == kindInternal {
		it.descend(false)
	}
	if it.onSentinel() {
		return it.Next()
	}
	return it.Valid()
}

// Last positions the iterator at the largest key
func (it *Iter) Last() bool {
	it.reset()
	if it.tree.root == 0 {
		return false
	}
	root := it.tree.page(it.tree.root)
	if root.nkeys() == 0 {
		return false
	}
	it.path = append(it.path, root)
	it.pos = append(it.pos, root.nkeys()-1)
	if root.kind() == kindInternal {
		it.descend(true)
	}
	if it.onSentinel() {
		it.reset()
		return false
	}
	return it.Valid()
}

// Valid reports whether the iterator is positioned at a key
func (it *Iter) Valid() bool {
	if len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	return it.pos[len(it.pos)-1] < leaf.nkeys()
}

// Key returns the current key
func (it *Iter) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.path[len(it.path)-1].key(it.pos[len(it.pos)-1])
}

// Val returns the current value
func (it *Iter) Val() []byte {
	if !it.Valid() {
		return nil
	}
	return it.path[len(it.path)-1].val(it.pos[len(it.pos)-1])
}

// Next advances to the following key
func (it *Iter) Next() bool {
	if len(it.path) == 0 {
		return false
	}

	leaf := len(it.pos) - 1
	it.pos[leaf]++
	if it.pos[leaf] < it.path[leaf].nkeys() {
		return true
	}

	it.path, it.pos = it.path[:leaf], it.pos[:leaf]
	for len(it.pos) > 0 {
		top := len(it.pos) - 1
		it.pos[top]++
		if it.pos[top] < it.path[top].nkeys() {
			return it.descend(false)
		}
		it.path, it.pos = it.path[:top], it.pos[:top]
	}
	return false
}

// Prev steps back to the preceding key
func (it *Iter) Prev() bool {
	if len(it.path) == 0 {
		return false
	}

	leaf := len(it.pos) - 1
	if it.pos[leaf] > 0 {
		it.pos[leaf]--
		if it.onSentinel() {
			it.reset()
			return false
		}
		return true
	}

	it.path, it.pos = it.path[:leaf], it.pos[:leaf]
	for len(it.pos) > 0 {
		top := len(it.pos) - 1
		if it.pos[top] > 0 {
			it.pos[top]--
			it.descend(true)
			if it.onSentinel() {
				it.reset()
				return false
			}
			return it.Valid()
		}
		it.path, it.pos = it.path[:top], it.pos[:top]
	}
	return false
}

// descend walks from the current internal position down to a leaf, taking
// the last child at each level when rightmost is set.
func (it *Iter) descend(rightmost bool) bool {
	for {
		top := len(it.path) - 1
		kid := it.tree.page(it.path[top].ptr(it.pos[top]))
		it.path = append(it.path, kid)

		var idx uint16
		if rightmost && kid.nkeys() > 0 {
			idx = kid.nkeys() - 1
		}
		it.pos = append(it.pos, idx)

		if kid.kind() == kindLeaf {
			return it.Valid()
		}
	}
}
