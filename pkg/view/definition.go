// ABOUTME: View definitions: a map function and an optional reducer
// ABOUTME: Map functions pattern-match on the typed document body

package view

import (
	"fmt"
	"reflect"

	"github.com/nainya/viewstore/pkg/btree"
	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/document"
)

// MaxKeySize bounds the stored form of a row: its encoded key plus the
// emitting document's ID and a sequence number. A key holding one string
// without NUL bytes leaves MaxKeySize-10-len(docID) bytes for the string.
const MaxKeySize = btree.MaxKeySize

// Emitter receives the rows produced by a map function.
//
// A row whose key exceeds MaxKeySize fails the whole document: none of its
// rows are indexed and the rebuild reports it as skipped with
// ErrKeyTooLarge. Map functions over free text should truncate what they
// emit.
type Emitter interface {
	Emit(key collate.Key, value any)
}

// MapFunc emits zero or more rows for a document. It must not retain doc.
type MapFunc func(doc *document.Document, emit Emitter) error

// ReduceFunc folds the values of one group. It must be associative and
// commutative.
type ReduceFunc func(values []any) (any, error)

// Definition declares a view
type Definition struct {
	Name   string
	Map    MapFunc
	Reduce ReduceFunc
	// Version distinguishes definitions that share their functions, such as
	// compiled path views
	Version string
}

// Validate checks that the definition can be registered
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if d.Map == nil {
		return fmt.Errorf("%w: view %s has no map function", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// Reduces reports whether the view has a reducer
func (d *Definition) Reduces() bool {
	return d.Reduce != nil
}

// sameAs reports whether both definitions describe the same view
func (d *Definition) sameAs(o *Definition) bool {
	return d.Name == o.Name &&
		d.Version == o.Version &&
		funcID(d.Map) == funcID(o.Map) &&
		funcID(d.Reduce) == funcID(o.Reduce)
}

func funcID(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
