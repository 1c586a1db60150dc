// ABOUTME: Tests for the query engine facade
// ABOUTME: Sync-before-read, stale reads, included documents and the result cache

package query

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/coordinator"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/view"
)

func genreView() *view.Definition {
	return &view.Definition{
		Name: "series_by_genre",
		Map: func(doc *document.Document, emit view.Emitter) error {
			s, ok := doc.Body.(*document.Series)
			if !ok {
				return nil
			}
			for _, g := range s.Genres {
				emit.Emit(collate.Key{"genre:" + g, strings.ToLower(s.Name)}, 1)
			}
			return nil
		},
		Reduce: view.Sum,
	}
}

type fixture struct {
	store   *docstore.MemStore
	engine  *Engine
	metrics *metrics.Metrics
}

func setupTestEngine(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	store := docstore.NewMemStore()
	reg := view.NewRegistry()
	coord := coordinator.New(store, reg, coordinator.Config{})
	t.Cleanup(coord.Close)

	m := metrics.New(prometheus.NewRegistry())
	engine, err := NewEngine(reg, coord, store, Config{CacheSize: cacheSize, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, engine.RegisterView(genreView()))
	return &fixture{store: store, engine: engine, metrics: m}
}

func (f *fixture) put(t *testing.T, id, name string, genres ...string) *document.Document {
	t.Helper()
	doc, err := f.store.Put(context.Background(), document.New(id, &document.Series{Name: name, Genres: genres}))
	require.NoError(t, err)
	return doc
}

func rowIDs(resp *Response) []string {
	var ids []string
	for _, r := range resp.Rows {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestQueryBuilder(t *testing.T) {
	req := NewBuilder("series_by_genre").
		Prefix("genre:action").
		Descending().
		Skip(2).
		Limit(10).
		IncludeMissing().
		Build()

	assert.Equal(t, "series_by_genre", req.View)
	assert.Equal(t, collate.Key{"genre:action"}, req.Options.StartKey)
	assert.Equal(t, collate.Key{"genre:action", collate.High}, req.Options.EndKey)
	assert.True(t, req.Options.Descending)
	assert.Equal(t, 2, req.Options.Skip)
	assert.Equal(t, 10, req.Options.Limit)
	assert.True(t, req.IncludeDocs)
	assert.True(t, req.IncludeMissing)
	assert.False(t, req.Stale)

	req = NewBuilder("v").Key("x", 1).GroupLevel(1).Stale().Build()
	assert.Equal(t, collate.Key{"x", 1}, req.Options.StartKey)
	assert.Equal(t, req.Options.StartKey, req.Options.EndKey)
	assert.Equal(t, 1, req.Options.GroupLevel)
	assert.True(t, req.Stale)
}

func TestExecuteSyncsFirst(t *testing.T) {
	f := setupTestEngine(t, 0)
	f.put(t, "b", "Naruto", "action")
	f.put(t, "a", "Berserk", "action", "meme")

	resp, err := f.engine.Execute(context.Background(), NewBuilder("series_by_genre").Prefix("genre:action").Build())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rowIDs(resp))
	assert.Equal(t, 2, resp.TotalRows)
	assert.Equal(t, uint64(2), resp.Marker)
	assert.False(t, resp.Stale)
	assert.Equal(t, collate.Key{"genre:action", "berserk"}, resp.Rows[0].Key)
}

func TestStaleReadsSkipSync(t *testing.T) {
	f := setupTestEngine(t, 0)
	ctx := context.Background()
	f.put(t, "a", "Berserk", "action")
	_, err := f.engine.Sync(ctx, "series_by_genre")
	require.NoError(t, err)

	f.put(t, "b", "Naruto", "action")

	stale, err := f.engine.Execute(ctx, NewBuilder("series_by_genre").Stale().Build())
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, []string{"a"}, rowIDs(stale))

	fresh, err := f.engine.Execute(ctx, NewBuilder("series_by_genre").Build())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rowIDs(fresh))
}

func TestIncludeDocs(t *testing.T) {
	f := setupTestEngine(t, 0)
	ctx := context.Background()
	f.put(t, "a", "Berserk", "action")
	b := f.put(t, "b", "Naruto", "action", "ninja")
	_, err := f.engine.Sync(ctx, "series_by_genre")
	require.NoError(t, err)

	resp, err := f.engine.Execute(ctx, NewBuilder("series_by_genre").IncludeDocs().Build())
	require.NoError(t, err)
	require.Len(t, resp.Rows, 3)
	for _, r := range resp.Rows {
		require.NotNil(t, r.Doc)
		assert.Equal(t, r.ID, r.Doc.ID)
	}
	assert.Equal(t, "Berserk", resp.Rows[0].Doc.Body.(*document.Series).Name)

	require.NoError(t, f.store.Delete(ctx, "b", b.Rev))

	resp, err = f.engine.Execute(ctx, NewBuilder("series_by_genre").Stale().IncludeDocs().Build())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rowIDs(resp))
	assert.Equal(t, 3, resp.TotalRows)

	resp, err = f.engine.Execute(ctx, NewBuilder("series_by_genre").Stale().IncludeMissing().Build())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "b"}, rowIDs(resp))
	assert.Nil(t, resp.Rows[1].Doc)
	assert.Nil(t, resp.Rows[2].Doc)
}

func TestGroupedResponse(t *testing.T) {
	f := setupTestEngine(t, 0)
	f.put(t, "a", "Berserk", "action", "meme")
	f.put(t, "b", "Naruto", "action")

	resp, err := f.engine.Execute(context.Background(), NewBuilder("series_by_genre").GroupLevel(1).Build())
	require.NoError(t, err)
	assert.Empty(t, resp.Rows)
	assert.Equal(t, []view.Group{
		{Key: collate.Key{"genre:action"}, Value: float64(2)},
		{Key: collate.Key{"genre:meme"}, Value: float64(1)},
	}, resp.Items)
}

func TestErrorsPropagate(t *testing.T) {
	f := setupTestEngine(t, 0)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, NewBuilder("missing").Build())
	assert.ErrorIs(t, err, view.ErrUnknownView)

	require.NoError(t, f.engine.RegisterView(&view.Definition{
		Name: "plain",
		Map:  func(*document.Document, view.Emitter) error { return nil },
	}))
	_, err = f.engine.Execute(ctx, NewBuilder("plain").Group().Build())
	assert.ErrorIs(t, err, view.ErrReduceNotSupported)

	_, err = f.engine.Execute(ctx, NewBuilder("plain").Limit(-1).Build())
	assert.ErrorIs(t, err, view.ErrInvalidOptions)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.QueriesTotal.WithLabelValues("plain", "synced", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueriesTotal.WithLabelValues("missing", "synced", "error")))
}

func TestResultCache(t *testing.T) {
	f := setupTestEngine(t, 16)
	ctx := context.Background()
	f.put(t, "a", "Berserk", "action")
	req := NewBuilder("series_by_genre").Prefix("genre:action").Build()

	first, err := f.engine.Iterate(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.Iterate(ctx, req)
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := f.engine.Iterate(ctx, NewBuilder("series_by_genre").Prefix("genre:action").Descending().Build())
	require.NoError(t, err)
	assert.NotSame(t, first, other)

	// a rebuild starts a new generation, so the cached result is not reused
	f.put(t, "b", "Naruto", "action")
	third, err := f.engine.Iterate(ctx, req)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, third.TotalRows)
	assert.Equal(t, 1, first.TotalRows)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueryCache.WithLabelValues("hit")))
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.QueryCache.WithLabelValues("miss")))
}

func TestCacheKeyDistinguishesOptions(t *testing.T) {
	base := view.Options{StartKey: collate.Key{"a"}}
	variants := []view.Options{
		{},
		{StartKey: collate.Key{}},
		{EndKey: collate.Key{"a"}},
		{StartKey: collate.Key{"a"}, ExclusiveStart: true},
		{StartKey: collate.Key{"a"}, Descending: true},
		{StartKey: collate.Key{"a"}, Skip: 1},
		{StartKey: collate.Key{"a"}, Limit: 1},
		{StartKey: collate.Key{"a", collate.High}},
		{StartKey: collate.Key{"a", map[string]any{}}},
	}
	seen := map[uint64]bool{cacheKey("v", 1, base): true}
	for _, o := range variants {
		k := cacheKey("v", 1, o)
		assert.False(t, seen[k], "%+v", o)
		seen[k] = true
	}
	assert.NotEqual(t, cacheKey("v", 1, base), cacheKey("v", 2, base))
	assert.NotEqual(t, cacheKey("v", 1, base), cacheKey("w", 1, base))
	assert.Equal(t, cacheKey("v", 1, base), cacheKey("v", 1, view.Options{StartKey: collate.Key{"a"}}))
}
