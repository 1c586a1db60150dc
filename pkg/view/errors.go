// ABOUTME: Error taxonomy of the view engine
// ABOUTME: Sentinels for registry and query failures plus per-document emit errors

package view

import (
	"errors"
	"fmt"

	"github.com/nainya/viewstore/pkg/btree"
)

var (
	ErrUnknownView        = errors.New("view: unknown view")
	ErrDuplicateViewName  = errors.New("view: duplicate view name")
	ErrInvalidDefinition  = errors.New("view: invalid definition")
	ErrReduceNotSupported = errors.New("view: reduce not supported")
	ErrInvalidOptions     = errors.New("view: invalid query options")
	ErrEmitFailed         = errors.New("view: emit failed")
	ErrInvalidReduceValue = errors.New("view: invalid reduce value")

	// ErrKeyTooLarge skips a document whose row does not fit MaxKeySize
	ErrKeyTooLarge = btree.ErrKeyTooLarge
)

// EmitError is recorded when a map function fails for one document
type EmitError struct {
	View string
	ID   string
	Err  error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("view %s: emit %s: %v", e.View, e.ID, e.Err)
}

func (e *EmitError) Unwrap() []error {
	return []error{ErrEmitFailed, e.Err}
}
