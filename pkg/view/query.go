// ABOUTME: Range queries, pagination, grouping and reduction over an index
// ABOUTME: Bounds match on key prefixes; results stay pinned to their snapshot

package view

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/nainya/viewstore/pkg/collate"
)

// Options selects and shapes the rows of a query.
//
// StartKey and EndKey are compared against row keys truncated to the bound's
// length, so ["a"] .. ["a", collate.High] covers every key starting with
// "a". A nil bound is open. With Descending the rows come in reverse order
// and StartKey is the upper bound.
type Options struct {
	StartKey       collate.Key
	EndKey         collate.Key
	ExclusiveStart bool
	ExclusiveEnd   bool
	Descending     bool
	// Skip and Limit apply after filtering and ordering; zero Limit means
	// no limit
	Skip  int
	Limit int
	// Group reduces runs of rows with equal keys, or equal key prefixes of
	// GroupLevel elements when GroupLevel > 0
	Group      bool
	GroupLevel int
	// Reduce without grouping folds the whole range into one item
	Reduce bool
}

func (o Options) grouped() bool {
	return o.Group || o.GroupLevel > 0
}

func (o Options) reduces() bool {
	return o.grouped() || o.Reduce
}

// Group is one reduced run of rows
type Group struct {
	Key   collate.Key `json:"key"`
	Value any         `json:"value"`
}

// Result is the answer to a query. Offset and TotalRows describe the page
// within the matching range; Items is set for reducing queries.
type Result struct {
	Offset    int
	TotalRows int
	Items     []Group

	snap    *snapshot
	reduced bool
	// page bounds as positions in snap.rows; from > to when descending
	from, to int
	count    int
}

// Reduced reports whether the result carries Items instead of rows
func (r *Result) Reduced() bool {
	return r.reduced
}

// Marker returns the store marker of the snapshot the result was read from
func (r *Result) Marker() uint64 {
	return r.snap.marker
}

// Generation returns the generation of the snapshot the result was read from
func (r *Result) Generation() uint64 {
	return r.snap.generation
}

// Rows yields the page. The sequence can be ranged over any number of times
// and always reflects the snapshot the query ran against.
func (r *Result) Rows() iter.Seq[Row] {
	return func(yield func(Row) bool) {
		if r.reduced {
			return
		}
		step := 1
		if r.from > r.to {
			step = -1
		}
		for i, n := r.from, 0; n < r.count; i, n = i+step, n+1 {
			if !yield(r.snap.rows[i]) {
				return
			}
		}
	}
}

// Collect returns the page as a slice
func (r *Result) Collect() []Row {
	out := make([]Row, 0, r.count)
	for row := range r.Rows() {
		out = append(out, row)
	}
	return out
}

// Len returns the number of rows or items in the page
func (r *Result) Len() int {
	if r.reduced {
		return len(r.Items)
	}
	return r.count
}

type bound struct {
	key       collate.Key
	exclusive bool
}

func (ix *Index) validate(opts *Options) error {
	if opts.Skip < 0 || opts.Limit < 0 || opts.GroupLevel < 0 {
		return fmt.Errorf("%w: negative skip, limit or group level", ErrInvalidOptions)
	}
	if opts.reduces() && !ix.def.Reduces() {
		return fmt.Errorf("%w: view %s", ErrReduceNotSupported, ix.def.Name)
	}
	var err error
	if opts.StartKey != nil {
		if opts.StartKey, err = collate.NormalizeKey(opts.StartKey); err != nil {
			return fmt.Errorf("%w: start key: %v", ErrInvalidOptions, err)
		}
	}
	if opts.EndKey != nil {
		if opts.EndKey, err = collate.NormalizeKey(opts.EndKey); err != nil {
			return fmt.Errorf("%w: end key: %v", ErrInvalidOptions, err)
		}
	}
	return nil
}

// Query runs opts against the current snapshot
func (ix *Index) Query(opts Options) (*Result, error) {
	if err := ix.validate(&opts); err != nil {
		return nil, err
	}

	s := ix.snap.Load()
	lo := bound{key: opts.StartKey, exclusive: opts.ExclusiveStart}
	hi := bound{key: opts.EndKey, exclusive: opts.ExclusiveEnd}
	if opts.Descending {
		lo, hi = bound{key: opts.EndKey, exclusive: opts.ExclusiveEnd}, bound{key: opts.StartKey, exclusive: opts.ExclusiveStart}
	}

	first, last, ok := s.span(lo, hi)
	res := &Result{snap: s}
	if ok {
		res.TotalRows = last - first + 1
	}

	if opts.reduces() {
		items, err := ix.reduce(s, first, last, ok, opts)
		if err != nil {
			return nil, err
		}
		res.reduced = true
		res.Offset = min(opts.Skip, len(items))
		items = items[res.Offset:]
		if opts.Limit > 0 && opts.Limit < len(items) {
			items = items[:opts.Limit]
		}
		res.Items = items
		return res, nil
	}

	res.Offset = min(opts.Skip, res.TotalRows)
	res.count = res.TotalRows - res.Offset
	if opts.Limit > 0 && opts.Limit < res.count {
		res.count = opts.Limit
	}
	if opts.Descending {
		res.from, res.to = last-res.Offset, first
	} else {
		res.from, res.to = first+res.Offset, last
	}
	return res, nil
}

// above reports whether key is inside the lower bound
func (b bound) above(key collate.Key) bool {
	if b.key == nil {
		return true
	}
	c := collate.CompareKeys(key.Truncate(len(b.key)), b.key)
	return c > 0 || (c == 0 && !b.exclusive)
}

// below reports whether key is inside the upper bound
func (b bound) below(key collate.Key) bool {
	if b.key == nil {
		return true
	}
	c := collate.CompareKeys(key.Truncate(len(b.key)), b.key)
	return c < 0 || (c == 0 && !b.exclusive)
}

// seekKey returns the encoded prefix of the bound, extended past every key
// sharing that prefix when after is set
func (b bound) seekKey(after bool) []byte {
	enc, err := collate.EncodePrefix(b.key)
	if err != nil {
		// bounds are normalized before they get here
		return nil
	}
	if after {
		enc = append(enc, collate.Infinity)
	}
	return enc
}

func ordinal(val []byte) int {
	return int(binary.BigEndian.Uint32(val))
}

// span finds the positions of the first and last row inside both bounds.
// Prefix truncation is monotonic in key order, so matching rows are
// contiguous.
func (s *snapshot) span(lo, hi bound) (first, last int, ok bool) {
	if len(s.rows) == 0 {
		return 0, 0, false
	}

	it := s.tree.NewIterator()
	var found bool
	if lo.key == nil {
		found = it.First()
	} else {
		found = it.SeekGE(lo.seekKey(lo.exclusive))
	}
	for found && !lo.above(s.rows[ordinal(it.Val())].Key) {
		found = it.Next()
	}
	if !found {
		return 0, 0, false
	}
	first = ordinal(it.Val())

	if hi.key == nil {
		found = it.Last()
	} else {
		found = it.SeekLE(hi.seekKey(!hi.exclusive))
	}
	for found && !hi.below(s.rows[ordinal(it.Val())].Key) {
		found = it.Prev()
	}
	if !found {
		return 0, 0, false
	}
	last = ordinal(it.Val())

	if last < first || !hi.below(s.rows[first].Key) {
		return 0, 0, false
	}
	return first, last, true
}

// reduce groups rows first..last in query order
func (ix *Index) reduce(s *snapshot, first, last int, ok bool, opts Options) ([]Group, error) {
	if !ok {
		return nil, nil
	}

	order := func(yield func(Row) bool) {
		if opts.Descending {
			for i := last; i >= first; i-- {
				if !yield(s.rows[i]) {
					return
				}
			}
			return
		}
		for i := first; i <= last; i++ {
			if !yield(s.rows[i]) {
				return
			}
		}
	}

	if !opts.grouped() {
		values := make([]any, 0, last-first+1)
		for row := range order {
			values = append(values, row.Value)
		}
		v, err := ix.def.Reduce(values)
		if err != nil {
			return nil, fmt.Errorf("view %s: reduce: %w", ix.def.Name, err)
		}
		return []Group{{Key: nil, Value: v}}, nil
	}

	var groups []Group
	var cur collate.Key
	var values []any
	flush := func() error {
		if values == nil {
			return nil
		}
		v, err := ix.def.Reduce(values)
		if err != nil {
			return fmt.Errorf("view %s: reduce %s: %w", ix.def.Name, cur, err)
		}
		groups = append(groups, Group{Key: cur, Value: v})
		values = nil
		return nil
	}

	for row := range order {
		key := row.Key
		if opts.GroupLevel > 0 {
			key = key.Truncate(opts.GroupLevel)
		}
		if values != nil && collate.CompareKeys(key, cur) != 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if values == nil {
			cur = key
			values = make([]any, 0, 4)
		}
		values = append(values, row.Value)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return groups, nil
}
