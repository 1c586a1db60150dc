// ABOUTME: B+tree page layout and node manipulation
// ABOUTME: Nodes are byte pages written once by the builder

package btree

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Page layout:
//
//	| kind | nkeys | pointers   | offsets    | key-values
//	|  2B  |  2B   | nkeys * 8B | nkeys * 2B | ...
//
// Each key-value is | klen 2B | vlen 2B | key | val |.
const (
	kindInternal = 1
	kindLeaf     = 2
)

const (
	header = 4

	// PageSize is the size of every tree page
	PageSize = 4096
	// MaxKeySize is the largest key the tree accepts
	MaxKeySize = 1000
	// MaxValSize is the largest value the tree accepts
	MaxValSize = 3000
)

type node []byte

func (n node) kind() uint16 {
	return binary.LittleEndian.Uint16(n[0:2])
}

func (n node) nkeys() uint16 {
	return binary.LittleEndian.Uint16(n[2:4])
}

func (n node) setHeader(kind uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(n[0:2], kind)
	binary.LittleEndian.PutUint16(n[2:4], nkeys)
}

func (n node) ptr(idx uint16) uint64 {
	if idx >= n.nkeys() {
		panic("btree: pointer index out of range")
	}
	return binary.LittleEndian.Uint64(n[header+8*idx:])
}

func (n node) setPtr(idx uint16, val uint64) {
	if idx >= n.nkeys() {
		panic("btree: pointer index out of range")
	}
	binary.LittleEndian.PutUint64(n[header+8*idx:], val)
}

func (n node) offsetPos(idx uint16) uint16 {
	if idx < 1 || idx > n.nkeys() {
		panic("btree: offset index out of range")
	}
	return header + 8*n.nkeys() + 2*(idx-1)
}

func (n node) offset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetPos(idx):])
}

func (n node) setOffset(idx uint16, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetPos(idx):], off)
}

// kvPos is the byte position of the idx-th key-value; kvPos(nkeys) is the
// end of the used space.
func (n node) kvPos(idx uint16) uint16 {
	if idx > n.nkeys() {
		panic("btree: kv index out of range")
	}
	return header + 10*n.nkeys() + n.offset(idx)
}

func (n node) key(idx uint16) []byte {
	if idx >= n.nkeys() {
		panic("btree: key index out of range")
	}
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4:][:klen]
}

func (n node) val(idx uint16) []byte {
	if idx >= n.nkeys() {
		panic("btree: value index out of range")
	}
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+klen:][:vlen]
}

func (n node) nbytes() uint16 {
	return n.kvPos(n.nkeys())
}

// lookupLE returns the index of the last key <= key. Index 0 is returned
// when every other key is larger; the first key of a node is a copy of the
// separator in its parent, so it is always <= any key routed here.
func lookupLE(n node, key []byte) uint16 {
	nkeys := int(n.nkeys())
	i := sort.Search(nkeys-1, func(i int) bool {
		return bytes.Compare(n.key(uint16(i+1)), key) > 0
	})
	return uint16(i)
}

// appendKV writes one key-value at idx; entries must be appended in order
func appendKV(n node, idx uint16, ptr uint64, key []byte, val []byte) {
	n.setPtr(idx, ptr)

	pos := n.kvPos(idx)
	binary.LittleEndian.PutUint16(n[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(n[pos+2:], uint16(len(val)))
	copy(n[pos+4:], key)
	copy(n[pos+4+uint16(len(key)):], val)

	n.setOffset(idx+1, n.offset(idx)+4+uint16(len(key)+len(val)))
}

// entrySize is the number of page bytes one key-value occupies
func entrySize(key, val []byte) int {
	return 8 + 2 + 4 + len(key) + len(val)
}

func init() {
	if header+entrySize(make([]byte, MaxKeySize), make([]byte, MaxValSize)) > PageSize {
		panic("btree: a single entry does not fit a page")
	}
}
