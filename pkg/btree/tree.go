// ABOUTME: Immutable B+tree over fixed-size pages
// ABOUTME: Trees are packed once by a Builder and then only read

package btree

import (
	"errors"
	"fmt"
)

var (
	ErrKeyTooLarge   = errors.New("btree: key too large")
	ErrValueTooLarge = errors.New("btree: value too large")
	ErrEmptyKey      = errors.New("btree: empty key")
	ErrUnsorted      = errors.New("btree: keys not strictly increasing")
)

// Tree is a B+tree whose pages are never modified after they are written.
// A new version of an index is a new tree; readers holding the old one keep
// a consistent view.
//
// The first leaf always starts with an empty sentinel key covering the
// whole key space; it is never returned by iterators.
type Tree struct {
	root  uint64
	pager Pager
}

// New creates an empty tree on pager
func New(pager Pager) *Tree {
	return &Tree{pager: pager}
}

// NewInMemory creates an empty tree on a fresh MemPager
func NewInMemory() *Tree {
	return New(NewMemPager())
}

func (t *Tree) page(ptr uint64) node {
	return node(t.pager.Page(ptr))
}

// Empty reports whether the tree holds no keys
func (t *Tree) Empty() bool {
	return t.root == 0
}

func checkEntry(key, val []byte) error {
	switch {
	case len(key) == 0:
		return ErrEmptyKey
	case len(key) > MaxKeySize:
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	case len(val) > MaxValSize:
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(val))
	}
	return nil
}
