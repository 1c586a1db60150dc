// ABOUTME: Typed document payloads for the manga library domain
// ABOUTME: Series, volumes, bookmarks, subscriptions, users and settings

package document

import (
	"encoding/json"
	"time"
)

// Payload is the kind-specific body of a document
type Payload interface {
	Kind() Kind
}

// VolumeRef links a series to one of its volumes
type VolumeRef struct {
	ID           string `json:"id"`
	VolumeNumber int    `json:"volume_number"`
}

// Series groups volumes under a title
type Series struct {
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Author          string      `json:"author,omitempty"`
	Magazine        string      `json:"magazine,omitempty"`
	NumberOfVolumes int         `json:"number_of_volumes,omitempty"`
	Genres          []string    `json:"genres,omitempty"`
	Volumes         []VolumeRef `json:"volumes,omitempty"`
	OwnerID         string      `json:"owner_id,omitempty"`
}

func (*Series) Kind() Kind { return KindSeries }

// Page describes one page image of a volume
type Page struct {
	Filename    string `json:"filename"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Orientation string `json:"orientation,omitempty"`
}

// Volume is one book of a series. Page images are stored as attachments
// named after Page.Filename.
type Volume struct {
	Filename     string `json:"filename,omitempty"`
	VolumeNumber *int   `json:"volume_number"`
	Language     string `json:"language,omitempty"`
	SeriesID     string `json:"series_id,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	Pages        []Page `json:"pages,omitempty"`
}

func (*Volume) Kind() Kind { return KindVolume }

// Bookmark records a reader position in a volume
type Bookmark struct {
	UserID        string    `json:"user_id"`
	SeriesID      string    `json:"series_id"`
	VolumeID      string    `json:"volume_id"`
	PageNumber    int       `json:"page_number"`
	MaxSpread     int       `json:"max_spread,omitempty"`
	NumberOfPages int       `json:"number_of_pages,omitempty"`
	VolumeNumber  int       `json:"volume_number,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

func (*Bookmark) Kind() Kind { return KindBookmark }

// Subscription status values, set independently by each side
const (
	StatusCleared = 0
	StatusAllowed = 1
	StatusBlocked = 2
)

// Subscription lets a subscriber read a publisher's library once both
// sides have allowed it
type Subscription struct {
	SubscriberID     string `json:"subscriber_id"`
	SubscriberStatus int    `json:"subscriber_status"`
	PublisherID      string `json:"publisher_id"`
	PublisherStatus  int    `json:"publisher_status"`
}

func (*Subscription) Kind() Kind { return KindSubscription }

// Active reports whether both sides allowed the subscription
func (s *Subscription) Active() bool {
	return s.SubscriberStatus == StatusAllowed && s.PublisherStatus == StatusAllowed
}

// Pending reports whether the subscriber asked and the publisher has not
// answered yet
func (s *Subscription) Pending() bool {
	return s.SubscriberStatus == StatusAllowed && s.PublisherStatus == StatusCleared
}

// User is an account
type User struct {
	Email  string   `json:"email"`
	Name   string   `json:"name,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

func (*User) Kind() Kind { return KindUser }

// UserSettings holds per-user preferences
type UserSettings struct {
	UserID      string   `json:"user_id"`
	Language    string   `json:"language,omitempty"`
	Subscribers []string `json:"subscribers,omitempty"`
}

func (*UserSettings) Kind() Kind { return KindUserSettings }

// ReaderProgress is the furthest position a user reached in a series
type ReaderProgress struct {
	UserID       string `json:"user_id"`
	SeriesID     string `json:"series_id"`
	VolumeNumber int    `json:"volume_number"`
	PageNumber   int    `json:"page_number"`
}

func (*ReaderProgress) Kind() Kind { return KindReaderProgress }

// Generic carries documents of any other class as plain JSON fields
type Generic struct {
	Class  string
	Fields map[string]any
}

func (*Generic) Kind() Kind { return KindGeneric }

func (g *Generic) MarshalJSON() ([]byte, error) {
	if g.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Fields)
}

func (g *Generic) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &g.Fields)
}
