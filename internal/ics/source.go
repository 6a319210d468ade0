package ics

import (
	"context"
	"time"

	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

// Source fetches an ICS feed over HTTP, decodes it and expands recurrences.
type Source struct {
	client *Client
	loc    *time.Location
}

// NewSource returns a Source that resolves floating times in loc.
func NewSource(client *Client, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{client: client, loc: loc}
}

// Fetch implements calendar.Source.
func (s *Source) Fetch(ctx context.Context, r model.Request) ([]model.RawEntry, error) {
	res, err := s.client.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}

	entries, err := Parse(res.Body, s.loc)
	if err != nil {
		return nil, err
	}

	appLog.Debug("ics parse completed", "url", RedactURL(r.URL), "entries", len(entries), "from_cache", res.FromCache)
	return ExpandWindow(entries, r)
}

// ExpandWindow expands entries for the window carried by r. A request
// without a window returns entries unchanged.
func ExpandWindow(entries []model.RawEntry, r model.Request) ([]model.RawEntry, error) {
	if r.RangeStart.IsZero() && r.RangeEnd.IsZero() {
		return entries, nil
	}
	res, err := Expand(entries, ExpandConfig{RangeStart: r.RangeStart, RangeEnd: r.RangeEnd})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}
