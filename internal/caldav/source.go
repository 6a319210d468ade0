package caldav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"calfetch/internal/ics"
	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

const defaultTimeout = 30 * time.Second

// headerTransport sets fixed request headers such as User-Agent.
type headerTransport struct {
	headers   map[string]string
	transport http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.transport.RoundTrip(r)
}

// Source reads a CalDAV calendar collection with REPORT calendar-query and
// yields the same raw entries an ICS feed would.
type Source struct {
	base    http.RoundTripper
	loc     *time.Location
	timeout time.Duration
}

// NewSource returns a Source that resolves floating times in loc. A nil base
// uses http.DefaultTransport.
func NewSource(base http.RoundTripper, loc *time.Location) *Source {
	if base == nil {
		base = http.DefaultTransport
	}
	if loc == nil {
		loc = time.Local
	}
	return &Source{base: base, loc: loc, timeout: defaultTimeout}
}

// Fetch implements calendar.Source. r.URL is the collection URL.
func (s *Source) Fetch(ctx context.Context, r model.Request) ([]model.RawEntry, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("parse collection url: %w", err)
	}
	endpoint := (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()

	rt, err := ics.NewTransport(r.Auth, &headerTransport{headers: r.Headers, transport: s.base})
	if err != nil {
		return nil, err
	}
	client, err := caldav.NewClient(&http.Client{Transport: rt, Timeout: s.timeout}, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	var entries []model.RawEntry
	for _, comp := range []string{ical.CompEvent, ical.CompToDo} {
		objects, err := client.QueryCalendar(ctx, u.Path, query(comp, r))
		if err != nil {
			return nil, fmt.Errorf("calendar-query %s: %w", comp, err)
		}
		for _, obj := range objects {
			parsed, err := decode(obj.Data, s.loc)
			if err != nil {
				appLog.Warn("caldav object skipped", "path", obj.Path, "err", err)
				continue
			}
			entries = append(entries, parsed...)
		}
	}

	appLog.Debug("caldav query completed", "url", ics.RedactURL(r.URL), "entries", len(entries))
	return ics.ExpandWindow(entries, r)
}

// query asks for whole objects of one component type. Events are limited
// to the request window server-side; to-dos may be undated and are not.
func query(comp string, r model.Request) *caldav.CalendarQuery {
	filter := caldav.CompFilter{Name: comp}
	if comp == ical.CompEvent {
		filter.Start = r.RangeStart
		filter.End = r.RangeEnd
	}
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{filter},
		},
	}
}

// decode re-serializes a server object so it goes through the same decoder
// as plain ICS feeds.
func decode(cal *ical.Calendar, loc *time.Location) ([]model.RawEntry, error) {
	if cal == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	return ics.Parse(buf.Bytes(), loc)
}
