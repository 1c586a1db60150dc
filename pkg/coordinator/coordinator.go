// ABOUTME: Sync coordinator rebuilding view indexes from the document store
// ABOUTME: One rebuild in flight per view; concurrent callers share its result

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc/pool"

	"github.com/nainya/viewstore/internal/logger"
	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/view"
)

// ErrClosed is returned once the coordinator has been closed
var ErrClosed = errors.New("coordinator: closed")

// Source is the part of the document store a rebuild reads
type Source interface {
	ListAll(ctx context.Context) (*docstore.Listing, error)
	ChangeMarker(ctx context.Context) (uint64, error)
}

// Config tunes a Coordinator
type Config struct {
	Retry RetryPolicy
	// Workers bounds SyncAll parallelism
	Workers   int
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Listeners []Listener
}

// Listener observes finished rebuilds. It is called from the rebuild
// goroutine before waiting callers are released and must not block.
type Listener interface {
	SyncCompleted(view string, report *SyncReport, err error)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(view string, report *SyncReport, err error)

func (f ListenerFunc) SyncCompleted(view string, report *SyncReport, err error) {
	f(view, report, err)
}

// SyncReport describes the outcome of a Sync call
type SyncReport struct {
	View string
	// Rebuilt is false when the index was already current
	Rebuilt   bool
	Marker    uint64
	Rows      int
	Documents int
	Skipped   []view.SkippedDocument
	Attempts  int
	Duration  time.Duration
}

// ViewStatus is a point-in-time summary of one index
type ViewStatus struct {
	Name       string `json:"name"`
	Synced     bool   `json:"synced"`
	Marker     uint64 `json:"marker"`
	Rows       int    `json:"rows"`
	Generation uint64 `json:"generation"`
	Reduce     bool   `json:"reduce"`
}

type viewState struct {
	index    *view.Index
	mu       sync.Mutex
	inflight *rebuildCall
}

type rebuildCall struct {
	done   chan struct{}
	report *SyncReport
	err    error
}

// Coordinator owns the indexes of every registered view
type Coordinator struct {
	source   Source
	registry *view.Registry
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	states   *xsync.MapOf[string, *viewState]

	// rebuilds run on ctx so callers giving up never cancel them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	listeners []Listener
}

// New creates a coordinator over source for the views in registry
func New(source Source, registry *view.Registry, cfg Config) *Coordinator {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		source:    source,
		registry:  registry,
		cfg:       cfg,
		log:       logger.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
		states:    xsync.NewMapOf[string, *viewState](),
		ctx:       ctx,
		cancel:    cancel,
		listeners: append([]Listener(nil), cfg.Listeners...),
	}
}

// AddListener registers l for every later sync
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Registry returns the registry the coordinator serves
func (c *Coordinator) Registry() *view.Registry {
	return c.registry
}

func (c *Coordinator) state(name string) (*viewState, error) {
	if st, ok := c.states.Load(name); ok {
		return st, nil
	}
	def, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	st, _ := c.states.LoadOrCompute(name, func() *viewState {
		return &viewState{index: view.NewIndex(def)}
	})
	return st, nil
}

// Index returns the index of a registered view, creating it on first use
func (c *Coordinator) Index(name string) (*view.Index, error) {
	st, err := c.state(name)
	if err != nil {
		return nil, err
	}
	return st.index, nil
}

// Sync brings the view up to the store's current change marker. It returns
// at once when the index is current, waits for a rebuild already in flight,
// or starts one. When ctx ends first the caller stops waiting but the
// rebuild carries on.
func (c *Coordinator) Sync(ctx context.Context, name string) (*SyncReport, error) {
	start := time.Now()
	st, err := c.state(name)
	if err != nil {
		return nil, err
	}
	want, err := c.marker(ctx, name)
	if err != nil {
		c.metrics.RecordSync(name, "error")
		return nil, fmt.Errorf("sync %s: read marker: %w", name, err)
	}

	for {
		st.mu.Lock()
		call := st.inflight
		if call == nil {
			if marker, ok := st.index.Marker(); ok && marker >= want {
				st.mu.Unlock()
				report := &SyncReport{View: name, Marker: marker, Rows: st.index.Len(), Duration: time.Since(start)}
				c.metrics.RecordSync(name, "noop")
				c.log.LogSync(name, false, marker, report.Rows, 0, report.Duration, nil)
				return report, nil
			}
			if call, err = c.startRebuild(name, st); err != nil {
				st.mu.Unlock()
				return nil, err
			}
		}
		st.mu.Unlock()

		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("sync %s: %w", name, ctx.Err())
		}
		if call.err != nil {
			return nil, call.err
		}
		if call.report.Marker >= want {
			report := *call.report
			return &report, nil
		}
		// the rebuild we joined listed the store before our marker
	}
}

// startRebuild launches a rebuild of st; callers hold st.mu
func (c *Coordinator) startRebuild(name string, st *viewState) (*rebuildCall, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	call := &rebuildCall{done: make(chan struct{})}
	st.inflight = call
	c.wg.Add(1)
	c.metrics.RebuildStarted()

	go func() {
		defer c.wg.Done()
		defer c.metrics.RebuildFinished()

		report, err := c.rebuild(name, st.index)

		st.mu.Lock()
		call.report, call.err = report, err
		st.inflight = nil
		st.mu.Unlock()

		c.notify(name, report, err)
		close(call.done)
	}()
	return call, nil
}

func (c *Coordinator) rebuild(name string, ix *view.Index) (*SyncReport, error) {
	start := time.Now()
	listing, attempts, err := c.list(name)
	if err == nil {
		var rr *view.RebuildReport
		if rr, err = ix.Rebuild(listing.Docs, listing.Marker); err == nil {
			report := &SyncReport{
				View:      name,
				Rebuilt:   true,
				Marker:    rr.Marker,
				Rows:      rr.Rows,
				Documents: rr.Documents,
				Skipped:   rr.Skipped,
				Attempts:  attempts,
				Duration:  time.Since(start),
			}
			vlog := c.log.ViewLogger(name)
			for _, sk := range rr.Skipped {
				vlog.Warn("document skipped").Str("id", sk.ID).Err(sk.Err).Send()
			}
			c.metrics.RecordSync(name, "rebuilt")
			c.metrics.RecordRebuild(name, report.Duration, report.Rows, len(report.Skipped))
			c.log.LogSync(name, true, report.Marker, report.Rows, len(report.Skipped), report.Duration, nil)
			return report, nil
		}
	}

	err = fmt.Errorf("sync %s: %w", name, err)
	c.metrics.RecordSync(name, "error")
	c.log.LogSync(name, true, 0, 0, 0, time.Since(start), err)
	return nil, err
}

// marker reads the store's change marker with the same retry policy as a
// listing. It gives up early when either the caller or the coordinator is
// done.
func (c *Coordinator) marker(ctx context.Context, name string) (uint64, error) {
	policy := c.cfg.Retry
	for attempt := 1; ; attempt++ {
		marker, err := c.source.ChangeMarker(ctx)
		if err == nil {
			return marker, nil
		}
		if !errors.Is(err, docstore.ErrStoreUnavailable) || attempt >= policy.MaxAttempts {
			return 0, err
		}

		wait := c.retrying(name, attempt, err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w after %d attempts: %v", ctx.Err(), attempt, err)
		case <-c.ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w after %d attempts: %v", ErrClosed, attempt, err)
		}
	}
}

// list reads the whole store, retrying while it is unavailable
func (c *Coordinator) list(name string) (*docstore.Listing, int, error) {
	policy := c.cfg.Retry
	for attempt := 1; ; attempt++ {
		listing, err := c.source.ListAll(c.ctx)
		if err == nil {
			return listing, attempt, nil
		}
		if !errors.Is(err, docstore.ErrStoreUnavailable) || attempt >= policy.MaxAttempts {
			return nil, attempt, err
		}

		timer := time.NewTimer(c.retrying(name, attempt, err))
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return nil, attempt, fmt.Errorf("%w after %d attempts: %v", ErrClosed, attempt, err)
		}
	}
}

// retrying records a failed attempt and returns the wait before the next
func (c *Coordinator) retrying(name string, attempt int, err error) time.Duration {
	wait := c.cfg.Retry.backoff(attempt)
	c.metrics.RecordRetry(name)
	c.log.ViewLogger(name).Warn("store unavailable, retrying").
		Int("attempt", attempt).
		Dur("backoff", wait).
		Err(err).
		Send()
	return wait
}

func (c *Coordinator) notify(name string, report *SyncReport, err error) {
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()
	for _, l := range listeners {
		l.SyncCompleted(name, report, err)
	}
}

// SyncAll syncs every registered view on a bounded pool. Reports are in
// registry name order; a failed view leaves a nil report and its error is
// joined into the result.
func (c *Coordinator) SyncAll(ctx context.Context) ([]*SyncReport, error) {
	names := c.registry.Names()
	reports := make([]*SyncReport, len(names))

	p := pool.New().WithMaxGoroutines(c.cfg.Workers).WithErrors().WithContext(ctx)
	for i, name := range names {
		p.Go(func(ctx context.Context) error {
			report, err := c.Sync(ctx, name)
			reports[i] = report
			return err
		})
	}
	return reports, p.Wait()
}

// Status summarizes every registered view
func (c *Coordinator) Status() []ViewStatus {
	names := c.registry.Names()
	out := make([]ViewStatus, 0, len(names))
	for _, name := range names {
		ix, err := c.Index(name)
		if err != nil {
			continue
		}
		marker, synced := ix.Marker()
		out = append(out, ViewStatus{
			Name:       name,
			Synced:     synced,
			Marker:     marker,
			Rows:       ix.Len(),
			Generation: ix.Generation(),
			Reduce:     ix.Definition().Reduces(),
		})
	}
	return out
}

// Ready reports whether every registered view has been synced at least once
func (c *Coordinator) Ready() bool {
	for _, s := range c.Status() {
		if !s.Synced {
			return false
		}
	}
	return true
}

// Close stops retries and waits for rebuilds in flight. Later syncs that
// would need a rebuild fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
