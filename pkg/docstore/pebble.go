// ABOUTME: Persistent document store on pebble
// ABOUTME: Documents as protobuf Structs, attachments and the change marker in one keyspace

package docstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/viewstore/internal/logger"
	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/document"
)

// Key layout
//
//	d/<id>              document record (protobuf Struct)
//	a/<id>\x00<name>    attachment: uvarint content-type length, content type, bytes
//	m/seq               change marker, big-endian uint64
var (
	docPrefix    = []byte("d/")
	docPrefixEnd = []byte("d0")
	seqKey       = []byte("m/seq")
)

func docKey(id string) []byte {
	return append(append([]byte{}, docPrefix...), id...)
}

func attPrefix(id string) []byte {
	k := make([]byte, 0, len(id)+3)
	k = append(k, "a/"...)
	k = append(k, id...)
	return append(k, 0)
}

func attKey(id, name string) []byte {
	return append(attPrefix(id), name...)
}

// PebbleOptions configures a PebbleStore
type PebbleOptions struct {
	// CacheSizeMB sizes pebble's block cache; zero keeps pebble's default
	CacheSizeMB int
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// PebbleStore keeps documents in a pebble database. Only one process may
// open a directory at a time.
type PebbleStore struct {
	dir     string
	db      *pebble.DB
	lock    *flock.Flock
	log     *logger.Logger
	metrics *metrics.Metrics

	// mu serializes writers against each other and against Close; readers
	// take it shared
	mu     sync.RWMutex
	seq    uint64
	closed bool
}

// OpenPebble opens or creates the store in dir
func OpenPebble(dir string, opts PebbleOptions) (*PebbleStore, error) {
	lock := flock.New(strings.TrimRight(dir, "/") + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, dir)
	}

	popts := &pebble.Options{}
	if opts.CacheSizeMB > 0 {
		cache := pebble.NewCache(int64(opts.CacheSizeMB) << 20)
		defer cache.Unref()
		popts.Cache = cache
	}

	db, err := pebble.Open(dir, popts)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, dir, err)
	}

	s := &PebbleStore{
		dir:     dir,
		db:      db,
		lock:    lock,
		log:     logger.OrNop(opts.Logger).With("pebble"),
		metrics: opts.Metrics,
	}
	if s.seq, err = readSeq(db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	s.log.Info("store opened").Str("dir", dir).Uint64("marker", s.seq).Send()
	return s, nil
}

func readSeq(r pebble.Reader) (uint64, error) {
	val, closer, err := r.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read marker: %v", ErrStoreUnavailable, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: corrupt marker", ErrStoreUnavailable)
	}
	return binary.BigEndian.Uint64(val), nil
}

func encodeRecord(doc *document.Document) ([]byte, error) {
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.ID, err)
	}
	return proto.Marshal(st)
}

func decodeRecord(raw []byte) (*document.Document, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return decodeDoc(data)
}

func encodeAttachment(a *document.Attachment) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(a.ContentType)+len(a.Data))
	out = binary.AppendUvarint(out, uint64(len(a.ContentType)))
	out = append(out, a.ContentType...)
	return append(out, a.Data...)
}

func decodeAttachment(name string, raw []byte) (*document.Attachment, error) {
	n, w := binary.Uvarint(raw)
	if w <= 0 || uint64(len(raw)-w) < n {
		return nil, fmt.Errorf("%w: corrupt attachment %s", ErrStoreUnavailable, name)
	}
	ct := string(raw[w : w+int(n)])
	return &document.Attachment{
		Name:        name,
		ContentType: ct,
		Data:        append([]byte(nil), raw[w+int(n):]...),
	}, nil
}

// observe records the outcome of one operation
func (s *PebbleStore) observe(op string, start time.Time, count int, err error) {
	d := time.Since(start)
	s.metrics.RecordStoreOperation(op, d, err)
	s.log.LogStoreOperation(op, d, count, err)
}

func (s *PebbleStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	return nil
}

// load reads the stored document; nil when absent. Callers hold mu.
func (s *PebbleStore) load(id string) (*document.Document, error) {
	val, closer, err := s.db.Get(docKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, id, err)
	}
	defer closer.Close()
	return decodeRecord(val)
}

func (s *PebbleStore) Get(ctx context.Context, id string) (doc *document.Document, err error) {
	defer func(start time.Time) { s.observe("get", start, 1, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	doc, err = s.load(id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, nil
}

// commit applies b together with the next marker value. Callers hold mu.
func (s *PebbleStore) commit(b *pebble.Batch) error {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.seq+1)
	if err := b.Set(seqKey, seq[:], nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	s.seq++
	return nil
}

func (s *PebbleStore) Put(ctx context.Context, doc *document.Document) (out *document.Document, err error) {
	defer func(start time.Time) { s.observe("put", start, 1, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if doc != nil && strings.IndexByte(doc.ID, 0) >= 0 {
		return nil, fmt.Errorf("%w: id contains NUL", ErrInvalidDocument)
	}

	var cur *document.Document
	if doc != nil && doc.ID != "" {
		if cur, err = s.load(doc.ID); err != nil {
			return nil, err
		}
	}
	if out, err = prepareWrite(doc, cur); err != nil {
		return nil, err
	}

	rec, err := encodeRecord(out)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(docKey(out.ID), rec, nil); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) Delete(ctx context.Context, id, rev string) (err error) {
	defer func(start time.Time) { s.observe("delete", start, 1, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	cur, err := s.load(id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkRev(id, cur.Rev, rev); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(docKey(id), nil); err != nil {
		return err
	}
	start := attPrefix(id)
	end := append(attPrefix(id)[:len(start)-1], 1)
	if err := b.DeleteRange(start, end, nil); err != nil {
		return err
	}
	return s.commit(b)
}

func (s *PebbleStore) ListAll(ctx context.Context) (listing *Listing, err error) {
	defer func(start time.Time) {
		n := 0
		if listing != nil {
			n = len(listing.Docs)
		}
		s.observe("list_all", start, n, err)
	}(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	marker, err := readSeq(snap)
	if err != nil {
		return nil, err
	}
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: docPrefix, UpperBound: docPrefixEnd})
	if err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()

	listing = &Listing{Marker: marker}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Key(), err)
		}
		listing.Docs = append(listing.Docs, doc)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", ErrStoreUnavailable, err)
	}
	return listing, nil
}

func (s *PebbleStore) ChangeMarker(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.seq, nil
}

func (s *PebbleStore) PutAttachment(ctx context.Context, id, rev string, att *document.Attachment) (out *document.Document, err error) {
	defer func(start time.Time) { s.observe("put_attachment", start, 1, err) }(time.Now())

	if att == nil || att.Name == "" {
		return nil, fmt.Errorf("%w: attachment without name", ErrInvalidDocument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	cur, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if out, err = bumpRev(cur, rev); err != nil {
		return nil, err
	}
	out.Attachments[att.Name] = att.Stub()

	rec, err := encodeRecord(out)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(docKey(id), rec, nil); err != nil {
		return nil, err
	}
	if err := b.Set(attKey(id, att.Name), encodeAttachment(att), nil); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) GetAttachment(ctx context.Context, id, name string) (att *document.Attachment, err error) {
	defer func(start time.Time) { s.observe("get_attachment", start, 1, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	val, closer, err := s.db.Get(attKey(id, name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrStoreUnavailable, id, name, err)
	}
	defer closer.Close()
	return decodeAttachment(name, val)
}

func (s *PebbleStore) DeleteAttachment(ctx context.Context, id, rev, name string) (out *document.Document, err error) {
	defer func(start time.Time) { s.observe("delete_attachment", start, 1, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	cur, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := cur.Attachments[name]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	if out, err = bumpRev(cur, rev); err != nil {
		return nil, err
	}
	delete(out.Attachments, name)

	rec, err := encodeRecord(out)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(docKey(id), rec, nil); err != nil {
		return nil, err
	}
	if err := b.Delete(attKey(id, name), nil); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return out, nil
}

// Close flushes and closes the database and releases the directory lock
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.db.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	s.log.Info("store closed").Str("dir", s.dir).Send()
	return err
}

var _ Store = (*PebbleStore)(nil)
