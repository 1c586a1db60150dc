// ABOUTME: Page allocation for the B+tree
// ABOUTME: MemPager keeps pages in a map for trees that live in memory

package btree

import "fmt"

// Pager dereferences and allocates tree pages
type Pager interface {
	Page(ptr uint64) []byte
	Alloc(page []byte) uint64
}

// MemPager stores pages in memory. A tree and its pager are dropped
// together, so pages are never released one by one.
type MemPager struct {
	pages map[uint64][]byte
	next  uint64
}

// NewMemPager creates an empty in-memory pager
func NewMemPager() *MemPager {
	return &MemPager{pages: make(map[uint64][]byte), next: 1}
}

// Page returns the page at ptr
func (p *MemPager) Page(ptr uint64) []byte {
	page, ok := p.pages[ptr]
	if !ok {
		panic(fmt.Sprintf("btree: page %d not found", ptr))
	}
	return page
}

// Alloc stores page and returns its pointer
func (p *MemPager) Alloc(page []byte) uint64 {
	if node(page).nbytes() > PageSize {
		panic("btree: page too large")
	}
	ptr := p.next
	p.next++
	p.pages[ptr] = page[:PageSize:PageSize]
	return ptr
}

// Len returns the number of allocated pages
func (p *MemPager) Len() int {
	return len(p.pages)
}
