// Package catalog provides the library's read paths as typed helpers over
// the view engine. Every helper syncs the view it reads first.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/query"
)

// SeriesRef is a series id with its display name
type SeriesRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog answers library queries
type Catalog struct {
	engine *query.Engine
}

// New wraps engine. The catalog views must already be registered.
func New(engine *query.Engine) *Catalog {
	return &Catalog{engine: engine}
}

func (c *Catalog) docs(ctx context.Context, b *query.Builder) ([]*document.Document, error) {
	resp, err := c.engine.Execute(ctx, b.IncludeDocs().Build())
	if err != nil {
		return nil, err
	}
	out := make([]*document.Document, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		out = append(out, r.Doc)
	}
	return out, nil
}

func (c *Catalog) first(ctx context.Context, b *query.Builder) (*document.Document, error) {
	docs, err := c.docs(ctx, b.Limit(1))
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// lastKeys returns the final key element of every row
func (c *Catalog) lastKeys(ctx context.Context, b *query.Builder) ([]string, error) {
	resp, err := c.engine.Execute(ctx, b.Build())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if s, ok := r.Key[len(r.Key)-1].(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// VolumesForSeries lists a series' volumes in volume number order, optionally
// restricted to one language
func (c *Catalog) VolumesForSeries(ctx context.Context, seriesID, language string) ([]query.ResultRow, error) {
	prefix := []any{"series:" + seriesID}
	if language != "" {
		prefix = []any{"language:" + language, "series:" + seriesID}
	}
	resp, err := c.engine.Execute(ctx, query.NewBuilder(SummaryBySeries).Prefix(prefix...).Build())
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// VolumeAt returns the index-th volume of a series, counting volumes
// without a number first
func (c *Catalog) VolumeAt(ctx context.Context, seriesID string, index int) (*document.Document, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: volume %d of %s", docstore.ErrNotFound, index, seriesID)
	}
	doc, err := c.first(ctx, query.NewBuilder(VolumeBySeries).Prefix(seriesID).Skip(index))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: volume %d of %s", docstore.ErrNotFound, index, seriesID)
	}
	return doc, nil
}

// NextVolume returns the volume following vol in its series, or nil when
// vol is the last one
func (c *Catalog) NextVolume(ctx context.Context, vol *document.Document) (*document.Document, error) {
	v, ok := vol.Body.(*document.Volume)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a volume", docstore.ErrInvalidDocument, vol.ID)
	}
	b := query.NewBuilder(VolumeBySeries).End(v.SeriesID, collate.High)
	if v.VolumeNumber == nil {
		// the first numbered volume, or the next unnumbered one by id
		b.Start(v.SeriesID, nil)
		docs, err := c.docs(ctx, b)
		if err != nil {
			return nil, err
		}
		for i, d := range docs {
			if d != nil && d.ID == vol.ID && i+1 < len(docs) {
				return docs[i+1], nil
			}
		}
		return nil, nil
	}
	return c.first(ctx, b.Start(v.SeriesID, *v.VolumeNumber+1))
}

// VolumeCount counts a series' volumes
func (c *Catalog) VolumeCount(ctx context.Context, seriesID string) (int, error) {
	resp, err := c.engine.Execute(ctx, query.NewBuilder(VolumeCountBySeries).Key(seriesID).Reduce().Build())
	if err != nil {
		return 0, err
	}
	if len(resp.Items) == 0 {
		return 0, nil
	}
	n, _ := resp.Items[0].Value.(float64)
	return int(n), nil
}

// SeriesByGenre lists series tagged with genre, by name
func (c *Catalog) SeriesByGenre(ctx context.Context, genre string) ([]SeriesRef, error) {
	return c.SearchSeries(ctx, "genre", genre)
}

// SearchSeries lists series whose attribute (name, genre, author or
// magazine) equals value, ignoring case
func (c *Catalog) SearchSeries(ctx context.Context, attribute, value string) ([]SeriesRef, error) {
	switch attribute {
	case "name", "genre", "author", "magazine":
	default:
		return nil, fmt.Errorf("unknown series attribute %q", attribute)
	}
	tag := attribute + ":" + keyText(value)
	resp, err := c.engine.Execute(ctx, query.NewBuilder(SeriesByAttribute).Prefix(tag).Build())
	if err != nil {
		return nil, err
	}
	out := make([]SeriesRef, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		name, _ := r.Value.(string)
		out = append(out, SeriesRef{ID: r.ID, Name: name})
	}
	return out, nil
}

// RecentBookmarks returns a user's bookmarks, newest first
func (c *Catalog) RecentBookmarks(ctx context.Context, userID string, limit int) ([]*document.Document, error) {
	b := query.NewBuilder(BookmarksByUser).
		Start(userID, collate.High).
		End(userID).
		Descending().
		Limit(limit)
	return c.docs(ctx, b)
}

// BookmarkFor returns the latest bookmark a user has in a series, or nil
func (c *Catalog) BookmarkFor(ctx context.Context, userID, seriesID string) (*document.Document, error) {
	b := query.NewBuilder(BookmarkByUserSeries).
		Start(userID, seriesID, collate.High).
		End(userID, seriesID).
		Descending()
	return c.first(ctx, b)
}

// Subscribers lists the users with an active subscription to publisherID
func (c *Catalog) Subscribers(ctx context.Context, publisherID string) ([]string, error) {
	return c.lastKeys(ctx, query.NewBuilder(SubscriptionsByPublisher).Prefix(publisherID))
}

// Publishers lists the users subscriberID actively follows
func (c *Catalog) Publishers(ctx context.Context, subscriberID string) ([]string, error) {
	return c.lastKeys(ctx, query.NewBuilder(SubscriptionsBySubscr).Prefix(subscriberID))
}

// PendingRequests lists the users waiting for publisherID to answer
func (c *Catalog) PendingRequests(ctx context.Context, publisherID string) ([]string, error) {
	return c.lastKeys(ctx, query.NewBuilder(RequestsByPublisher).Prefix(publisherID))
}

// UserByEmail finds the account registered with email, ignoring case
func (c *Catalog) UserByEmail(ctx context.Context, email string) (*document.Document, error) {
	doc, err := c.first(ctx, query.NewBuilder(UserByEmail).Key(strings.ToLower(email)))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: user %s", docstore.ErrNotFound, email)
	}
	return doc, nil
}

// StorageByOwner sums page image bytes per volume owner
func (c *Catalog) StorageByOwner(ctx context.Context) (map[string]int64, error) {
	resp, err := c.engine.Execute(ctx, query.NewBuilder(PageBytesByOwner).Group().Build())
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(resp.Items))
	for _, g := range resp.Items {
		owner, _ := g.Key[0].(string)
		n, _ := g.Value.(float64)
		out[owner] = int64(n)
	}
	return out, nil
}
