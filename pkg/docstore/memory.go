// ABOUTME: In-memory document store
// ABOUTME: Documents are held JSON-encoded so readers always get private copies

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nainya/viewstore/pkg/document"
)

type memRecord struct {
	data []byte
	atts map[string]*document.Attachment
}

// MemStore keeps documents in memory
type MemStore struct {
	mu     sync.RWMutex
	docs   map[string]*memRecord
	seq    uint64
	closed bool
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]*memRecord)}
}

func decodeDoc(data []byte) (*document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

func (s *MemStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	return nil
}

// current decodes the stored version of id; callers hold the lock
func (s *MemStore) current(id string) (*document.Document, *memRecord, error) {
	rec, ok := s.docs[id]
	if !ok {
		return nil, nil, nil
	}
	doc, err := decodeDoc(rec.data)
	return doc, rec, err
}

func (s *MemStore) Get(ctx context.Context, id string) (*document.Document, error) {
	s.mu.RLock()
	if err := s.check(ctx); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	rec, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeDoc(rec.data)
}

func (s *MemStore) Put(ctx context.Context, doc *document.Document) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var cur *document.Document
	var rec *memRecord
	if doc != nil {
		var err error
		if cur, rec, err = s.current(doc.ID); err != nil {
			return nil, err
		}
	}
	out, err := prepareWrite(doc, cur)
	if err != nil {
		return nil, err
	}
	return out, s.store(out, rec)
}

// store writes doc keeping the attachment bytes of rec; callers hold the
// lock
func (s *MemStore) store(doc *document.Document, rec *memRecord) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.ID, err)
	}
	next := &memRecord{data: data, atts: map[string]*document.Attachment{}}
	if rec != nil {
		for name, a := range rec.atts {
			next.atts[name] = a
		}
	}
	s.docs[doc.ID] = next
	s.seq++
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	cur, _, err := s.current(id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkRev(id, cur.Rev, rev); err != nil {
		return err
	}
	delete(s.docs, id)
	s.seq++
	return nil
}

func (s *MemStore) ListAll(ctx context.Context) (*Listing, error) {
	s.mu.RLock()
	if err := s.check(ctx); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = s.docs[id].data
	}
	marker := s.seq
	s.mu.RUnlock()

	listing := &Listing{Docs: make([]*document.Document, 0, len(raw)), Marker: marker}
	for _, data := range raw {
		doc, err := decodeDoc(data)
		if err != nil {
			return nil, err
		}
		listing.Docs = append(listing.Docs, doc)
	}
	return listing, nil
}

func (s *MemStore) ChangeMarker(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.seq, nil
}

func (s *MemStore) PutAttachment(ctx context.Context, id, rev string, att *document.Attachment) (*document.Document, error) {
	if att == nil || att.Name == "" {
		return nil, fmt.Errorf("%w: attachment without name", ErrInvalidDocument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	cur, rec, err := s.current(id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out, err := bumpRev(cur, rev)
	if err != nil {
		return nil, err
	}
	out.Attachments[att.Name] = att.Stub()

	if err := s.store(out, rec); err != nil {
		return nil, err
	}
	s.docs[id].atts[att.Name] = &document.Attachment{
		Name:        att.Name,
		ContentType: att.ContentType,
		Data:        append([]byte(nil), att.Data...),
	}
	return out, nil
}

func (s *MemStore) GetAttachment(ctx context.Context, id, name string) (*document.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a, ok := rec.atts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	return &document.Attachment{Name: a.Name, ContentType: a.ContentType, Data: append([]byte(nil), a.Data...)}, nil
}

func (s *MemStore) DeleteAttachment(ctx context.Context, id, rev, name string) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	cur, rec, err := s.current(id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := cur.Attachments[name]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	out, err := bumpRev(cur, rev)
	if err != nil {
		return nil, err
	}
	delete(out.Attachments, name)

	if err := s.store(out, rec); err != nil {
		return nil, err
	}
	delete(s.docs[id].atts, name)
	return out, nil
}

// Close makes every later call fail with ErrStoreUnavailable
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
