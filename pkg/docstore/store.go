// ABOUTME: Document store contract consumed by the view engine
// ABOUTME: Keyed documents with revisions, attachments and a change marker

package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nainya/viewstore/pkg/document"
)

var (
	ErrNotFound         = errors.New("docstore: not found")
	ErrRevisionConflict = errors.New("docstore: revision conflict")
	ErrInvalidDocument  = errors.New("docstore: invalid document")
	ErrStoreUnavailable = errors.New("docstore: store unavailable")
	ErrStoreLocked      = errors.New("docstore: store locked by another process")
)

// Store is a single-writer document store. Every successful mutation
// advances the change marker by one.
type Store interface {
	// Get returns a private copy of the document
	Get(ctx context.Context, id string) (*document.Document, error)
	// Put creates or replaces a document. doc.Rev must be empty for a new
	// document and equal to the stored revision otherwise.
	Put(ctx context.Context, doc *document.Document) (*document.Document, error)
	// Delete removes a document and its attachments
	Delete(ctx context.Context, id, rev string) error
	// ListAll returns every document and the marker they reflect
	ListAll(ctx context.Context) (*Listing, error)
	// ChangeMarker returns the current change marker
	ChangeMarker(ctx context.Context) (uint64, error)

	PutAttachment(ctx context.Context, id, rev string, att *document.Attachment) (*document.Document, error)
	GetAttachment(ctx context.Context, id, name string) (*document.Attachment, error)
	DeleteAttachment(ctx context.Context, id, rev, name string) (*document.Document, error)

	Close() error
}

// Listing is a consistent snapshot of the store sorted by document id
type Listing struct {
	Docs   []*document.Document
	Marker uint64
}

// checkRev enforces optimistic concurrency for a write against the stored
// revision (empty when the document does not exist)
func checkRev(id, stored, given string) error {
	if stored != given {
		return &ConflictError{ID: id, Want: stored, Got: given}
	}
	return nil
}

// ConflictError reports a stale or missing revision on write
type ConflictError struct {
	ID   string
	Want string
	Got  string
}

func (e *ConflictError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("docstore: revision conflict on %s: document does not exist, got rev %q", e.ID, e.Got)
	}
	return fmt.Sprintf("docstore: revision conflict on %s: stored rev %s, got %q", e.ID, e.Want, e.Got)
}

func (e *ConflictError) Unwrap() error {
	return ErrRevisionConflict
}

// prepareWrite validates doc against the stored version and returns the
// copy to persist with its next revision. Attachment stubs are owned by the
// store and carried over from current.
func prepareWrite(doc *document.Document, current *document.Document) (*document.Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	stored := ""
	if current != nil {
		stored = current.Rev
	}
	if err := checkRev(doc.ID, stored, doc.Rev); err != nil {
		return nil, err
	}

	next, err := document.NextRev(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out, err := doc.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out.Rev = next
	out.Attachments = nil
	if current != nil && len(current.Attachments) > 0 {
		out.Attachments = make(map[string]document.AttachmentStub, len(current.Attachments))
		for name, stub := range current.Attachments {
			out.Attachments[name] = stub
		}
	}
	return out, nil
}

// bumpRev returns a copy of current with the next revision, used by
// attachment writes
func bumpRev(current *document.Document, given string) (*document.Document, error) {
	if err := checkRev(current.ID, current.Rev, given); err != nil {
		return nil, err
	}
	next, err := document.NextRev(current.Rev)
	if err != nil {
		return nil, err
	}
	out, err := current.Clone()
	if err != nil {
		return nil, err
	}
	out.Rev = next
	if out.Attachments == nil {
		out.Attachments = make(map[string]document.AttachmentStub)
	}
	return out, nil
}
