// ABOUTME: Query engine: sync-then-read facade over the view indexes
// ABOUTME: Attaches documents to rows and memoizes results per index snapshot

package query

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nainya/viewstore/internal/logger"
	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/coordinator"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/view"
)

// DocumentGetter loads documents for IncludeDocs
type DocumentGetter interface {
	Get(ctx context.Context, id string) (*document.Document, error)
}

// Config tunes an Engine
type Config struct {
	// SyncTimeout bounds the wait for a sync before reading; zero waits as
	// long as the request context allows
	SyncTimeout time.Duration
	// CacheSize is the number of memoized results; zero disables the cache
	CacheSize int
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// Engine answers view queries
type Engine struct {
	registry *view.Registry
	coord    *coordinator.Coordinator
	docs     DocumentGetter
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	cache    *lru.Cache[uint64, *view.Result]
}

// NewEngine creates a query engine
func NewEngine(registry *view.Registry, coord *coordinator.Coordinator, docs DocumentGetter, cfg Config) (*Engine, error) {
	e := &Engine{
		registry: registry,
		coord:    coord,
		docs:     docs,
		cfg:      cfg,
		log:      logger.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[uint64, *view.Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("query cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// RegisterView adds a view definition
func (e *Engine) RegisterView(def *view.Definition) error {
	return e.registry.Register(def)
}

// Sync brings one view up to date
func (e *Engine) Sync(ctx context.Context, name string) (*coordinator.SyncReport, error) {
	return e.coord.Sync(ctx, name)
}

// Iterate runs the request and returns the raw result, whose rows can be
// streamed lazily
func (e *Engine) Iterate(ctx context.Context, req Request) (*view.Result, error) {
	if _, err := e.registry.Get(req.View); err != nil {
		return nil, err
	}
	if !req.Stale {
		sctx := ctx
		if e.cfg.SyncTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, e.cfg.SyncTimeout)
			defer cancel()
		}
		if _, err := e.coord.Sync(sctx, req.View); err != nil {
			return nil, err
		}
	}

	ix, err := e.coord.Index(req.View)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if res, ok := e.cache.Get(cacheKey(req.View, ix.Generation(), req.Options)); ok {
			e.metrics.RecordCache(true)
			return res, nil
		}
		e.metrics.RecordCache(false)
	}

	res, err := ix.Query(req.Options)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(cacheKey(req.View, res.Generation(), req.Options), res)
	}
	return res, nil
}

// Execute runs the request and materializes the page
func (e *Engine) Execute(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		mode := "synced"
		if req.Stale {
			mode = "stale"
		}
		n := 0
		if resp != nil {
			n = len(resp.Rows) + len(resp.Items)
		}
		d := time.Since(start)
		e.metrics.RecordQuery(req.View, mode, d, err)
		e.log.LogQuery(req.View, req.Stale, n, d, err)
	}()

	res, err := e.Iterate(ctx, req)
	if err != nil {
		return nil, err
	}

	resp = &Response{
		View:      req.View,
		Offset:    res.Offset,
		TotalRows: res.TotalRows,
		Items:     res.Items,
		Marker:    res.Marker(),
		Stale:     req.Stale,
	}
	if res.Reduced() {
		return resp, nil
	}

	resp.Rows = make([]ResultRow, 0, res.Len())
	loaded := make(map[string]*document.Document)
	for row := range res.Rows() {
		out := ResultRow{Row: row}
		if req.IncludeDocs {
			doc, ok := loaded[row.ID]
			if !ok {
				doc, err = e.docs.Get(ctx, row.ID)
				switch {
				case errors.Is(err, docstore.ErrNotFound):
					doc = nil
				case err != nil:
					return nil, fmt.Errorf("include doc %s: %w", row.ID, err)
				}
				loaded[row.ID] = doc
			}
			if doc == nil && !req.IncludeMissing {
				continue
			}
			out.Doc = doc
		}
		resp.Rows = append(resp.Rows, out)
	}
	return resp, nil
}

// cacheKey identifies a query against one snapshot of a view
func cacheKey(name string, generation uint64, o view.Options) uint64 {
	h := xxhash.New()
	h.WriteString(name)
	h.Write([]byte{0})

	var buf [8]byte
	writeInt := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeKey := func(k collate.Key) {
		if k == nil {
			h.Write([]byte{0})
			return
		}
		enc, err := collate.Encode(k)
		if err != nil {
			// unencodable bounds fail in the query before they are cached
			h.Write([]byte{2})
			return
		}
		h.Write([]byte{1})
		writeInt(uint64(len(enc)))
		h.Write(enc)
	}
	flag := func(b bool) uint64 {
		if b {
			return 1
		}
		return 0
	}

	writeInt(generation)
	writeKey(o.StartKey)
	writeKey(o.EndKey)
	writeInt(flag(o.ExclusiveStart)<<0 | flag(o.ExclusiveEnd)<<1 | flag(o.Descending)<<2 | flag(o.Group)<<3 | flag(o.Reduce)<<4)
	writeInt(uint64(o.Skip))
	writeInt(uint64(o.Limit))
	writeInt(uint64(o.GroupLevel))
	return h.Sum64()
}
