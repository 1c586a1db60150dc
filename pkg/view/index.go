// ABOUTME: Materialized view index rebuilt from a full document listing
// ABOUTME: Rows live in an immutable B+tree snapshot swapped atomically on rebuild

package view

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/nainya/viewstore/pkg/btree"
	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/document"
)

// Row is one emitted (key, document, value) triple
type Row struct {
	Key   collate.Key `json:"key"`
	ID    string      `json:"id"`
	Value any         `json:"value"`
}

// SkippedDocument names a document whose rows were dropped during a rebuild
type SkippedDocument struct {
	ID  string
	Err error
}

// RebuildReport describes one rebuild
type RebuildReport struct {
	View      string
	Marker    uint64
	Documents int
	Rows      int
	Skipped   []SkippedDocument
	Duration  time.Duration
}

// snapshot is never modified after it is published
type snapshot struct {
	tree       *btree.Tree
	rows       []Row
	marker     uint64
	synced     bool
	generation uint64
}

// Index holds the current materialized rows of one view. Rebuild and Query
// may be called concurrently; callers serialize rebuilds of the same index.
type Index struct {
	def  *Definition
	snap atomic.Pointer[snapshot]
	gen  atomic.Uint64
}

// NewIndex creates an index that has never been synced
func NewIndex(def *Definition) *Index {
	ix := &Index{def: def}
	ix.snap.Store(&snapshot{tree: btree.NewInMemory()})
	return ix
}

func (ix *Index) Name() string {
	return ix.def.Name
}

func (ix *Index) Definition() *Definition {
	return ix.def
}

// Marker returns the store marker of the last successful rebuild and whether
// one happened
func (ix *Index) Marker() (uint64, bool) {
	s := ix.snap.Load()
	return s.marker, s.synced
}

// Generation increases with every rebuild
func (ix *Index) Generation() uint64 {
	return ix.snap.Load().generation
}

// Len returns the number of rows
func (ix *Index) Len() int {
	return len(ix.snap.Load().rows)
}

// entry is a row with its tree key during a rebuild
type entry struct {
	sortKey []byte
	row     Row
}

// collector gathers the rows of one document
type collector struct {
	doc     *document.Document
	entries []entry
	err     error
}

func (c *collector) Emit(key collate.Key, value any) {
	if c.err != nil {
		return
	}
	norm, err := collate.NormalizeKey(key)
	if err != nil {
		c.err = err
		return
	}
	enc, err := collate.Encode(norm)
	if err != nil {
		c.err = err
		return
	}
	enc = collate.AppendString(enc, c.doc.ID)
	enc = binary.BigEndian.AppendUint32(enc, uint32(len(c.entries)))
	if len(enc) > MaxKeySize {
		c.err = fmt.Errorf("%w: encoded row is %d bytes, limit %d", ErrKeyTooLarge, len(enc), MaxKeySize)
		return
	}
	c.entries = append(c.entries, entry{
		sortKey: enc,
		row:     Row{Key: norm, ID: c.doc.ID, Value: value},
	})
}

// emit runs the map function for doc, turning panics into errors
func (ix *Index) emit(doc *document.Document) (entries []entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entries, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	c := &collector{doc: doc}
	if err := ix.def.Map(doc, c); err != nil {
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.entries, nil
}

// Rebuild replaces the rows with those emitted by docs, which reflect the
// store at marker. A document whose map function fails contributes no rows
// and is listed in the report. On error the previous rows stay in place.
func (ix *Index) Rebuild(docs []*document.Document, marker uint64) (*RebuildReport, error) {
	start := time.Now()
	report := &RebuildReport{View: ix.def.Name, Marker: marker, Documents: len(docs)}

	var all []entry
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		entries, err := ix.emit(doc)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedDocument{
				ID:  doc.ID,
				Err: &EmitError{View: ix.def.Name, ID: doc.ID, Err: err},
			})
			continue
		}
		all = append(all, entries...)
	}

	slices.SortFunc(all, func(a, b entry) int {
		return bytes.Compare(a.sortKey, b.sortKey)
	})

	b := btree.NewBuilder(btree.NewMemPager())
	rows := make([]Row, len(all))
	// the builder keeps the value slices until Finish
	ords := make([]byte, 4*len(all))
	for i, e := range all {
		ord := ords[4*i : 4*i+4]
		binary.BigEndian.PutUint32(ord, uint32(i))
		if err := b.Add(e.sortKey, ord); err != nil {
			return nil, fmt.Errorf("view %s: rebuild: %w", ix.def.Name, err)
		}
		rows[i] = e.row
	}

	ix.snap.Store(&snapshot{
		tree:       b.Finish(),
		rows:       rows,
		marker:     marker,
		synced:     true,
		generation: ix.gen.Add(1),
	})

	report.Rows = len(rows)
	report.Duration = time.Since(start)
	return report, nil
}
