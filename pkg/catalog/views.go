// ABOUTME: The library's views over series, volumes, bookmarks, subscriptions and users
// ABOUTME: Map functions switch on the typed document body

package catalog

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/view"
)

// View names
const (
	VolumeBySeries           = "volume_by_series"
	SummaryBySeries          = "summary_by_series"
	SeriesByAttribute        = "series_by_attribute"
	BookmarksByUser          = "bookmarks_by_user"
	BookmarkByUserSeries     = "bookmark_by_user_series"
	SubscriptionsByPublisher = "subscriptions_by_publisher"
	SubscriptionsBySubscr    = "subscriptions_by_subscriber"
	RequestsByPublisher      = "subscription_requests_by_publisher"
	UserByEmail              = "user_by_email"
	PageBytesByOwner         = "page_bytes_by_owner"
	VolumeCountBySeries      = "volume_count_by_series"
)

// timeKeyLayout keeps lexical and chronological order the same
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

func timeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

// volumeNumber is nil for volumes without a number, which sort first
func volumeNumber(v *document.Volume) any {
	if v.VolumeNumber == nil {
		return nil
	}
	return *v.VolumeNumber
}

func mapVolumeBySeries(doc *document.Document, emit view.Emitter) error {
	v, ok := doc.Body.(*document.Volume)
	if !ok {
		return nil
	}
	emit.Emit(collate.Key{v.SeriesID, volumeNumber(v)}, map[string]any{
		"id":       doc.ID,
		"filename": v.Filename,
		"language": v.Language,
	})
	return nil
}

func mapSummaryBySeries(doc *document.Document, emit view.Emitter) error {
	v, ok := doc.Body.(*document.Volume)
	if !ok {
		return nil
	}
	summary := map[string]any{
		"id":            doc.ID,
		"filename":      v.Filename,
		"language":      v.Language,
		"volume_number": volumeNumber(v),
		"pages":         len(v.Pages),
	}
	series := "series:" + v.SeriesID
	emit.Emit(collate.Key{series, volumeNumber(v)}, summary)
	emit.Emit(collate.Key{"language:" + v.Language, series, volumeNumber(v)}, summary)
	return nil
}

// maxKeyText caps free text copied into a key so a long name cannot push a
// row past view.MaxKeySize
const maxKeyText = 240

// keyText lower-cases s and cuts it to maxKeyText bytes on a rune boundary
func keyText(s string) string {
	s = strings.ToLower(s)
	if len(s) <= maxKeyText {
		return s
	}
	cut := maxKeyText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func mapSeriesByAttribute(doc *document.Document, emit view.Emitter) error {
	s, ok := doc.Body.(*document.Series)
	if !ok {
		return nil
	}
	name := keyText(s.Name)
	emit.Emit(collate.Key{"name:" + name, name}, s.Name)
	for _, g := range s.Genres {
		emit.Emit(collate.Key{"genre:" + keyText(g), name}, s.Name)
	}
	if s.Author != "" {
		emit.Emit(collate.Key{"author:" + keyText(s.Author), name}, s.Name)
	}
	if s.Magazine != "" {
		emit.Emit(collate.Key{"magazine:" + keyText(s.Magazine), name}, s.Name)
	}
	return nil
}

func mapBookmarksByUser(doc *document.Document, emit view.Emitter) error {
	b, ok := doc.Body.(*document.Bookmark)
	if !ok {
		return nil
	}
	emit.Emit(collate.Key{b.UserID, timeKey(b.LastUpdated)}, map[string]any{
		"series_id":   b.SeriesID,
		"volume_id":   b.VolumeID,
		"page_number": b.PageNumber,
	})
	return nil
}

func mapBookmarkByUserSeries(doc *document.Document, emit view.Emitter) error {
	b, ok := doc.Body.(*document.Bookmark)
	if !ok {
		return nil
	}
	emit.Emit(collate.Key{b.UserID, b.SeriesID, timeKey(b.LastUpdated)}, nil)
	return nil
}

func mapSubscriptionsByPublisher(doc *document.Document, emit view.Emitter) error {
	if s, ok := doc.Body.(*document.Subscription); ok && s.Active() {
		emit.Emit(collate.Key{s.PublisherID, s.SubscriberID}, nil)
	}
	return nil
}

func mapSubscriptionsBySubscriber(doc *document.Document, emit view.Emitter) error {
	if s, ok := doc.Body.(*document.Subscription); ok && s.Active() {
		emit.Emit(collate.Key{s.SubscriberID, s.PublisherID}, nil)
	}
	return nil
}

func mapRequestsByPublisher(doc *document.Document, emit view.Emitter) error {
	if s, ok := doc.Body.(*document.Subscription); ok && s.Pending() {
		emit.Emit(collate.Key{s.PublisherID, s.SubscriberID}, nil)
	}
	return nil
}

func mapUserByEmail(doc *document.Document, emit view.Emitter) error {
	u, ok := doc.Body.(*document.User)
	if !ok || u.Email == "" {
		return nil
	}
	emit.Emit(collate.Key{strings.ToLower(u.Email)}, u.Name)
	return nil
}

// mapPageBytesByOwner emits the stored size of every page image
func mapPageBytesByOwner(doc *document.Document, emit view.Emitter) error {
	v, ok := doc.Body.(*document.Volume)
	if !ok || v.OwnerID == "" {
		return nil
	}
	for _, p := range v.Pages {
		if stub, ok := doc.Attachments[p.Filename]; ok {
			emit.Emit(collate.Key{v.OwnerID}, stub.Length)
		}
	}
	return nil
}

func mapVolumeCountBySeries(doc *document.Document, emit view.Emitter) error {
	if v, ok := doc.Body.(*document.Volume); ok {
		emit.Emit(collate.Key{v.SeriesID}, 1)
	}
	return nil
}

// Definitions returns every catalog view
func Definitions() []*view.Definition {
	return []*view.Definition{
		{Name: VolumeBySeries, Map: mapVolumeBySeries},
		{Name: SummaryBySeries, Map: mapSummaryBySeries},
		{Name: SeriesByAttribute, Map: mapSeriesByAttribute},
		{Name: BookmarksByUser, Map: mapBookmarksByUser},
		{Name: BookmarkByUserSeries, Map: mapBookmarkByUserSeries},
		{Name: SubscriptionsByPublisher, Map: mapSubscriptionsByPublisher},
		{Name: SubscriptionsBySubscr, Map: mapSubscriptionsBySubscriber},
		{Name: RequestsByPublisher, Map: mapRequestsByPublisher},
		{Name: UserByEmail, Map: mapUserByEmail},
		{Name: PageBytesByOwner, Map: mapPageBytesByOwner, Reduce: view.Sum},
		{Name: VolumeCountBySeries, Map: mapVolumeCountBySeries, Reduce: view.Sum},
	}
}

// Register adds every catalog view to reg
func Register(reg *view.Registry) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
