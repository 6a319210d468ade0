package model

import "time"

// EntryKind is the calendar component a RawEntry was decoded from.
type EntryKind string

const (
	KindEvent EntryKind = "VEVENT"
	KindTodo  EntryKind = "VTODO"
)

// Text is a property value together with its parameters (LANGUAGE, ALTREP, ...).
// Decoders hand over the wrapped form; consumers read Val.
type Text struct {
	Val    string
	Params map[string][]string
}

// IsZero reports whether the property was absent or empty.
func (t Text) IsZero() bool {
	return t.Val == ""
}

// DateMarker is a DTSTART/DTEND/DUE value as found in the feed.
type DateMarker struct {
	// Raw is the property value before parsing, e.g. "20240101" or "20240101T090000Z".
	Raw string
	// Time is the parsed instant. Date-only markers resolve to local midnight
	// of the decoder's location.
	Time time.Time
	// DateOnly is set when the value carried VALUE=DATE or had no time part.
	DateOnly bool
}

// IsZero reports whether the marker holds no usable instant.
func (m DateMarker) IsZero() bool {
	return m.Time.IsZero()
}

// RawEntry is one decoded VEVENT or VTODO. It is read, never owned, by the
// normalization pipeline.
type RawEntry struct {
	Kind EntryKind
	UID  string

	Status string
	// Completion is PERCENT-COMPLETE; nil when the property is absent.
	Completion *int

	Summary     Text
	Description string
	Location    string
	Class       string

	Start DateMarker
	End   DateMarker
	Due   DateMarker

	// Recurrence data; RRule is empty for single entries.
	RRule        string
	ExDates      []time.Time
	RecurrenceID *time.Time
}

// Event is the canonical, immutable result of normalizing a RawEntry.
type Event struct {
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	FullDay     bool      `json:"full_day"`
	Class       string    `json:"class,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Todo        bool      `json:"todo,omitempty"`
}

// AuthMethod selects how credentials are attached to feed requests.
type AuthMethod string

const (
	AuthBasic  AuthMethod = "basic"
	AuthDigest AuthMethod = "digest"
	AuthBearer AuthMethod = "bearer"
)

// Auth describes feed credentials. For bearer auth Pass carries the token.
type Auth struct {
	Method AuthMethod
	User   string
	Pass   string
}

// Request is what a Source receives for a single fetch.
type Request struct {
	URL     string
	Headers map[string]string
	Auth    *Auth
	Gzip    bool

	// Recurring entries are expanded into occurrences inside [RangeStart, RangeEnd].
	RangeStart time.Time
	RangeEnd   time.Time
}
