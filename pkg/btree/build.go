// ABOUTME: Bottom-up bulk loading of a B+tree from sorted entries
// ABOUTME: Packs full leaves once instead of copying a path per insert

package btree

import (
	"bytes"
	"fmt"
)

// Builder accumulates strictly increasing entries and packs them into a
// tree. It is used to materialize a whole index in one pass.
type Builder struct {
	pager   Pager
	level   []builtPage
	cur     pendingPage
	lastKey []byte
	count   int
}

type builtPage struct {
	first []byte
	ptr   uint64
}

type pendingPage struct {
	keys  [][]byte
	vals  [][]byte
	ptrs  []uint64
	bytes int
}

func (p *pendingPage) add(ptr uint64, key, val []byte) {
	p.keys = append(p.keys, key)
	p.vals = append(p.vals, val)
	p.ptrs = append(p.ptrs, ptr)
	p.bytes += entrySize(key, val)
}

func (p *pendingPage) fits(key, val []byte) bool {
	return header+p.bytes+entrySize(key, val) <= PageSize
}

func (p *pendingPage) reset() {
	p.keys, p.vals, p.ptrs, p.bytes = p.keys[:0], p.vals[:0], p.ptrs[:0], 0
}

func (p *pendingPage) write(kind uint16) node {
	n := node(make([]byte, PageSize))
	n.setHeader(kind, uint16(len(p.keys)))
	for i := range p.keys {
		appendKV(n, uint16(i), p.ptrs[i], p.keys[i], p.vals[i])
	}
	return n
}

// NewBuilder starts a bulk load on pager
func NewBuilder(pager Pager) *Builder {
	b := &Builder{pager: pager}
	b.cur.add(0, nil, nil)
	return b
}

// Add appends an entry. Keys must be strictly increasing.
func (b *Builder) Add(key, val []byte) error {
	if err := checkEntry(key, val); err != nil {
		return err
	}
	if b.count > 0 && bytes.Compare(key, b.lastKey) <= 0 {
		return fmt.Errorf("%w: %x after %x", ErrUnsorted, key, b.lastKey)
	}

	if !b.cur.fits(key, val) {
		b.flushLeaf()
	}
	b.cur.add(0, key, val)
	b.lastKey = key
	b.count++
	return nil
}

func (b *Builder) flushLeaf() {
	n := b.cur.write(kindLeaf)
	b.level = append(b.level, builtPage{first: n.key(0), ptr: b.pager.Alloc(n)})
	b.cur.reset()
}

// Len returns the number of entries added so far
func (b *Builder) Len() int {
	return b.count
}

// Finish packs the remaining entries and internal levels and returns the
// tree. The builder must not be used afterwards.
func (b *Builder) Finish() *Tree {
	t := New(b.pager)
	if b.count == 0 {
		return t
	}
	b.flushLeaf()

	level := b.level
	for len(level) > 1 {
		var next []builtPage
		var cur pendingPage
		for _, kid := range level {
			if !cur.fits(kid.first, nil) {
				n := cur.write(kindInternal)
				next = append(next, builtPage{first: n.key(0), ptr: b.pager.Alloc(n)})
				cur.reset()
			}
			cur.add(kid.ptr, kid.first, nil)
		}
		n := cur.write(kindInternal)
		next = append(next, builtPage{first: n.key(0), ptr: b.pager.Alloc(n)})
		level = next
	}
	t.root = level[0].ptr
	return t
}
