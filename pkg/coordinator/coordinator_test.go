// ABOUTME: Tests for sync idempotence, storm collapsing, timeouts and retries
// ABOUTME: A wrapping store counts reads and can stall or fail them

package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/view"
)

// testStore wraps a MemStore, counting listings and marker reads. Either
// can be made to fail, and listings can stall after reading the store.
type testStore struct {
	*docstore.MemStore

	lists   atomic.Int32
	markers atomic.Int32

	mu         sync.Mutex
	fail       int
	failErr    error
	markerFail int
	markerErr  error
	gate    chan struct{}
	entered chan struct{}
}

func newTestStore() *testStore {
	return &testStore{MemStore: docstore.NewMemStore()}
}

func (s *testStore) ListAll(ctx context.Context) (*docstore.Listing, error) {
	s.lists.Add(1)

	s.mu.Lock()
	if s.fail != 0 {
		if s.fail > 0 {
			s.fail--
		}
		err := s.failErr
		s.mu.Unlock()
		return nil, err
	}
	gate, entered := s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.mu.Unlock()

	listing, err := s.MemStore.ListAll(ctx)
	if gate != nil {
		close(entered)
		<-gate
	}
	return listing, err
}

func (s *testStore) ChangeMarker(ctx context.Context) (uint64, error) {
	s.markers.Add(1)

	s.mu.Lock()
	if s.markerFail > 0 {
		s.markerFail--
		err := s.markerErr
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()
	return s.MemStore.ChangeMarker(ctx)
}

// failMarkers makes the next n marker reads fail with err
func (s *testStore) failMarkers(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markerFail, s.markerErr = n, err
}

// hold stalls the next listing until release is called
func (s *testStore) hold() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, in := make(chan struct{}), make(chan struct{})
	s.gate, s.entered = gate, in
	var once sync.Once
	return in, func() { once.Do(func() { close(gate) }) }
}

// failNext makes the next n listings fail with err; n < 0 fails forever
func (s *testStore) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail, s.failErr = n, err
}

func byName() *view.Definition {
	return &view.Definition{
		Name: "by_name",
		Map: func(doc *document.Document, emit view.Emitter) error {
			if s, ok := doc.Body.(*document.Series); ok {
				emit.Emit(collate.Key{strings.ToLower(s.Name)}, nil)
			}
			return nil
		},
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func setup(t *testing.T, defs ...*view.Definition) (*testStore, *Coordinator) {
	t.Helper()
	store := newTestStore()
	reg := view.NewRegistry()
	if len(defs) == 0 {
		defs = []*view.Definition{byName()}
	}
	reg.MustRegister(defs...)
	c := New(store, reg, Config{Retry: fastRetry()})
	t.Cleanup(c.Close)
	return store, c
}

func put(t *testing.T, s docstore.Store, id, name string) *document.Document {
	t.Helper()
	doc, err := s.Put(context.Background(), document.New(id, &document.Series{Name: name}))
	require.NoError(t, err)
	return doc
}

func ids(t *testing.T, c *Coordinator, name string) []string {
	t.Helper()
	ix, err := c.Index(name)
	require.NoError(t, err)
	res, err := ix.Query(view.Options{})
	require.NoError(t, err)
	var out []string
	for row := range res.Rows() {
		out = append(out, row.ID)
	}
	return out
}

func TestSyncIsIdempotent(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	put(t, store, "b", "Naruto")
	ctx := context.Background()

	first, err := c.Sync(ctx, "by_name")
	require.NoError(t, err)
	assert.True(t, first.Rebuilt)
	assert.Equal(t, uint64(2), first.Marker)
	assert.Equal(t, 2, first.Rows)
	assert.Equal(t, 1, first.Attempts)
	rowsBefore := ids(t, c, "by_name")

	second, err := c.Sync(ctx, "by_name")
	require.NoError(t, err)
	assert.False(t, second.Rebuilt)
	assert.Equal(t, uint64(2), second.Marker)

	assert.Equal(t, int32(1), store.lists.Load())
	assert.Equal(t, rowsBefore, ids(t, c, "by_name"))
}

func TestEmptyStore(t *testing.T) {
	_, c := setup(t)
	report, err := c.Sync(context.Background(), "by_name")
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, 0, report.Rows)

	ix, err := c.Index("by_name")
	require.NoError(t, err)
	res, err := ix.Query(view.Options{StartKey: collate.Key{"a"}, EndKey: collate.Key{"z"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalRows)
}

func TestUnknownView(t *testing.T) {
	_, c := setup(t)
	_, err := c.Sync(context.Background(), "nope")
	assert.ErrorIs(t, err, view.ErrUnknownView)
	_, err = c.Index("nope")
	assert.ErrorIs(t, err, view.ErrUnknownView)
}

func TestConcurrentSyncsShareOneRebuild(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	entered, release := store.hold()
	defer release()

	const callers = 16
	var wg sync.WaitGroup
	reports := make([]*SyncReport, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], errs[0] = c.Sync(context.Background(), "by_name")
	}()
	<-entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = c.Sync(context.Background(), "by_name")
		}(i)
	}
	// let the joiners reach the in-flight rebuild
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	for i := range reports {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(1), reports[i].Marker)
		assert.Equal(t, 1, reports[i].Rows)
	}
	assert.Equal(t, int32(1), store.lists.Load())
}

func TestTimeoutDoesNotCancelRebuild(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	entered, release := store.hold()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Sync(ctx, "by_name")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-entered
	release()

	report, err := c.Sync(context.Background(), "by_name")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Marker)
	assert.Equal(t, []string{"a"}, ids(t, c, "by_name"))
	assert.Equal(t, int32(1), store.lists.Load())
}

func TestJoinerWithNewerMarkerRebuildsAgain(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	entered, release := store.hold()
	defer release()

	firstDone := make(chan *SyncReport, 1)
	go func() {
		r, err := c.Sync(context.Background(), "by_name")
		assert.NoError(t, err)
		firstDone <- r
	}()
	<-entered

	// written after the stalled rebuild listed the store
	put(t, store, "b", "Naruto")

	secondDone := make(chan *SyncReport, 1)
	go func() {
		r, err := c.Sync(context.Background(), "by_name")
		assert.NoError(t, err)
		secondDone <- r
	}()
	time.Sleep(20 * time.Millisecond)
	release()

	first := <-firstDone
	second := <-secondDone
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, uint64(1), first.Marker)
	assert.Equal(t, uint64(2), second.Marker)
	assert.Equal(t, 2, second.Rows)
	assert.Equal(t, int32(2), store.lists.Load())
}

func TestRetriesUnavailableStore(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	store.failNext(2, docstore.ErrStoreUnavailable)

	report, err := c.Sync(context.Background(), "by_name")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, int32(3), store.lists.Load())
}

func TestRetriesUnavailableMarker(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	store.failMarkers(1, docstore.ErrStoreUnavailable)
	store.failNext(1, docstore.ErrStoreUnavailable)

	report, err := c.Sync(context.Background(), "by_name")
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, 1, report.Rows)
	assert.Equal(t, int32(2), store.markers.Load())
	assert.Equal(t, 2, report.Attempts)
}

func TestMarkerRetriesGiveUp(t *testing.T) {
	store, c := setup(t)
	store.failMarkers(5, docstore.ErrStoreUnavailable)

	_, err := c.Sync(context.Background(), "by_name")
	assert.ErrorIs(t, err, docstore.ErrStoreUnavailable)
	assert.Equal(t, int32(3), store.markers.Load())
	assert.Zero(t, store.lists.Load())

	boom := errors.New("boom")
	store.failMarkers(1, boom)
	_, err = c.Sync(context.Background(), "by_name")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(4), store.markers.Load())
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	boom := errors.New("boom")
	store.failNext(1, boom)

	_, err := c.Sync(context.Background(), "by_name")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), store.lists.Load())
}

func TestFailedSyncKeepsPreviousIndex(t *testing.T) {
	store, c := setup(t)
	put(t, store, "a", "Berserk")
	ctx := context.Background()
	_, err := c.Sync(ctx, "by_name")
	require.NoError(t, err)
	ix, err := c.Index("by_name")
	require.NoError(t, err)
	gen := ix.Generation()

	put(t, store, "b", "Naruto")
	store.failNext(-1, docstore.ErrStoreUnavailable)

	_, err = c.Sync(ctx, "by_name")
	assert.ErrorIs(t, err, docstore.ErrStoreUnavailable)
	assert.Equal(t, int32(1+3), store.lists.Load())

	marker, _ := ix.Marker()
	assert.Equal(t, uint64(1), marker)
	assert.Equal(t, gen, ix.Generation())
	assert.Equal(t, []string{"a"}, ids(t, c, "by_name"))

	store.failNext(0, nil)
	report, err := c.Sync(ctx, "by_name")
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, []string{"a", "b"}, ids(t, c, "by_name"))
}

func TestDeletedRowsStayUntilSync(t *testing.T) {
	store, c := setup(t)
	ctx := context.Background()
	put(t, store, "a", "Berserk")
	b := put(t, store, "b", "Naruto")
	_, err := c.Sync(ctx, "by_name")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "b", b.Rev))
	assert.Equal(t, []string{"a", "b"}, ids(t, c, "by_name"))

	_, err = c.Sync(ctx, "by_name")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(t, c, "by_name"))
}

func TestSyncAll(t *testing.T) {
	upper := &view.Definition{
		Name: "upper",
		Map: func(doc *document.Document, emit view.Emitter) error {
			emit.Emit(collate.Key{strings.ToUpper(doc.ID)}, nil)
			return nil
		},
	}
	broken := &view.Definition{
		Name: "broken",
		Map: func(doc *document.Document, emit view.Emitter) error {
			return errors.New("always")
		},
	}
	store, c := setup(t, byName(), upper, broken)
	put(t, store, "a", "Berserk")
	assert.False(t, c.Ready())

	reports, err := c.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "broken", reports[0].View)
	assert.Len(t, reports[0].Skipped, 1)
	assert.Equal(t, "by_name", reports[1].View)
	assert.Equal(t, "upper", reports[2].View)
	assert.True(t, c.Ready())

	status := c.Status()
	require.Len(t, status, 3)
	assert.Equal(t, 0, status[0].Rows)
	assert.Equal(t, 1, status[1].Rows)
}

func TestSyncAllJoinsErrors(t *testing.T) {
	store, c := setup(t)
	store.failNext(-1, errors.New("disk on fire"))
	reports, err := c.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Nil(t, reports[0])
}

func TestListenersAndMetrics(t *testing.T) {
	store := newTestStore()
	reg := view.NewRegistry()
	reg.MustRegister(byName())
	m := metrics.New(prometheus.NewRegistry())

	var mu sync.Mutex
	var events []string
	c := New(store, reg, Config{
		Retry:   fastRetry(),
		Metrics: m,
		Listeners: []Listener{ListenerFunc(func(name string, r *SyncReport, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				events = append(events, name+":error")
				return
			}
			events = append(events, name+":ok")
		})},
	})
	defer c.Close()

	put(t, store, "a", "Berserk")
	ctx := context.Background()
	_, err := c.Sync(ctx, "by_name")
	require.NoError(t, err)
	_, err = c.Sync(ctx, "by_name")
	require.NoError(t, err)

	put(t, store, "b", "Naruto")
	store.failNext(1, errors.New("nope"))
	_, err = c.Sync(ctx, "by_name")
	require.Error(t, err)

	mu.Lock()
	assert.Equal(t, []string{"by_name:ok", "by_name:error"}, events)
	mu.Unlock()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncTotal.WithLabelValues("by_name", "rebuilt")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncTotal.WithLabelValues("by_name", "noop")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncTotal.WithLabelValues("by_name", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ViewRows.WithLabelValues("by_name")))
}

func TestCloseStopsRetries(t *testing.T) {
	store := newTestStore()
	reg := view.NewRegistry()
	reg.MustRegister(byName())
	c := New(store, reg, Config{Retry: RetryPolicy{MaxAttempts: 100, InitialBackoff: time.Hour, MaxBackoff: time.Hour}})
	store.failNext(-1, docstore.ErrStoreUnavailable)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Sync(context.Background(), "by_name")
		errc <- err
	}()
	require.Eventually(t, func() bool { return store.lists.Load() == 1 }, time.Second, time.Millisecond)

	c.Close()
	assert.ErrorIs(t, <-errc, ErrClosed)

	_, err := c.Sync(context.Background(), "by_name")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.backoff(4))

	def := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), def)
}
