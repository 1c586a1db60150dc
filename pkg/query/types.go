// ABOUTME: Query request and response types
// ABOUTME: Fluent builder for view queries

package query

import (
	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/view"
)

// Request names a view and how to read it
type Request struct {
	View    string
	Options view.Options
	// Stale skips the sync before reading
	Stale bool
	// IncludeDocs attaches the current document to every row. Rows whose
	// document no longer exists are dropped unless IncludeMissing is set.
	IncludeDocs    bool
	IncludeMissing bool
}

// ResultRow is a view row with its document when requested
type ResultRow struct {
	view.Row
	Doc *document.Document `json:"doc,omitempty"`
}

// Response is the answer to a Request
type Response struct {
	View      string       `json:"view"`
	Offset    int          `json:"offset"`
	TotalRows int          `json:"total_rows"`
	Rows      []ResultRow  `json:"rows,omitempty"`
	Items     []view.Group `json:"items,omitempty"`
	Marker    uint64       `json:"marker"`
	Stale     bool         `json:"stale"`
}

// Builder provides a fluent interface for building requests
type Builder struct {
	req Request
}

// NewBuilder starts a request against viewName
func NewBuilder(viewName string) *Builder {
	return &Builder{req: Request{View: viewName}}
}

// Start sets the start key
func (b *Builder) Start(key ...any) *Builder {
	b.req.Options.StartKey = collate.Key(key)
	return b
}

// End sets the end key
func (b *Builder) End(key ...any) *Builder {
	b.req.Options.EndKey = collate.Key(key)
	return b
}

// Key selects rows whose key starts with exactly key
func (b *Builder) Key(key ...any) *Builder {
	return b.Start(key...).End(key...)
}

// Prefix selects rows whose key starts with key, followed by anything
func (b *Builder) Prefix(key ...any) *Builder {
	end := make(collate.Key, 0, len(key)+1)
	end = append(end, key...)
	b.req.Options.StartKey = collate.Key(key)
	b.req.Options.EndKey = append(end, collate.High)
	return b
}

func (b *Builder) ExclusiveStart() *Builder {
	b.req.Options.ExclusiveStart = true
	return b
}

func (b *Builder) ExclusiveEnd() *Builder {
	b.req.Options.ExclusiveEnd = true
	return b
}

// Descending reverses the order; the start key becomes the upper bound
func (b *Builder) Descending() *Builder {
	b.req.Options.Descending = true
	return b
}

func (b *Builder) Skip(n int) *Builder {
	b.req.Options.Skip = n
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.req.Options.Limit = n
	return b
}

// Group reduces rows with equal keys
func (b *Builder) Group() *Builder {
	b.req.Options.Group = true
	return b
}

// GroupLevel reduces rows sharing the first n key elements
func (b *Builder) GroupLevel(n int) *Builder {
	b.req.Options.GroupLevel = n
	return b
}

// Reduce folds the whole range into one value
func (b *Builder) Reduce() *Builder {
	b.req.Options.Reduce = true
	return b
}

// Stale reads without syncing first
func (b *Builder) Stale() *Builder {
	b.req.Stale = true
	return b
}

func (b *Builder) IncludeDocs() *Builder {
	b.req.IncludeDocs = true
	return b
}

// IncludeMissing keeps rows of deleted documents when including docs
func (b *Builder) IncludeMissing() *Builder {
	b.req.IncludeDocs = true
	b.req.IncludeMissing = true
	return b
}

// Build returns the constructed request
func (b *Builder) Build() Request {
	return b.req
}
