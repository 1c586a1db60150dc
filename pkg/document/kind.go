// ABOUTME: Document kinds and the @class discriminator
// ABOUTME: Each kind has one typed payload struct

package document

// Kind identifies the payload type carried by a document
type Kind int

const (
	KindGeneric Kind = iota
	KindSeries
	KindVolume
	KindBookmark
	KindSubscription
	KindUser
	KindUserSettings
	KindReaderProgress
)

var kindClasses = map[Kind]string{
	KindSeries:         "Series",
	KindVolume:         "Volume",
	KindBookmark:       "Bookmark",
	KindSubscription:   "Subscription",
	KindUser:           "User",
	KindUserSettings:   "UserSettings",
	KindReaderProgress: "SeriesReaderProgress",
}

// String returns the @class name used in the JSON form
func (k Kind) String() string {
	if c, ok := kindClasses[k]; ok {
		return c
	}
	return "Generic"
}

// KindFromClass maps an @class value to a Kind; unknown classes are generic
func KindFromClass(class string) Kind {
	for k, c := range kindClasses {
		if c == class {
			return k
		}
	}
	return KindGeneric
}

// newPayload returns an empty payload for kind
func newPayload(kind Kind) Payload {
	switch kind {
	case KindSeries:
		return &Series{}
	case KindVolume:
		return &Volume{}
	case KindBookmark:
		return &Bookmark{}
	case KindSubscription:
		return &Subscription{}
	case KindUser:
		return &User{}
	case KindUserSettings:
		return &UserSettings{}
	case KindReaderProgress:
		return &ReaderProgress{}
	}
	return &Generic{}
}
