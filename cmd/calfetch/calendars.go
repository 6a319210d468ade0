package main

import (
	"fmt"

	"calfetch/internal/caldav"
	"calfetch/internal/calendar"
	"calfetch/internal/config"
	"calfetch/internal/ics"
	"calfetch/internal/metrics"
	"calfetch/internal/web"
)

// buildCalendars creates one stopped Fetcher per configured calendar. rec
// may be nil.
func buildCalendars(conf *config.Config, rec *metrics.Recorder) ([]*web.Calendar, error) {
	loc, err := conf.Location()
	if err != nil {
		return nil, err
	}

	// One client so all ICS feeds share the disk cache layout.
	client := ics.NewClient(conf.CacheDir)

	out := make([]*web.Calendar, 0, len(conf.Calendars))
	for _, cc := range conf.Calendars {
		cfg, err := calendar.FromCalendarConfig(cc, loc)
		if err != nil {
			return nil, err
		}

		var src calendar.Source
		switch cc.Kind {
		case config.KindCalDAV:
			src = caldav.NewSource(nil, loc)
		case config.KindICS, "":
			src = ics.NewSource(client, loc)
		default:
			return nil, fmt.Errorf("calendar %s: unknown kind %q", cc.ID, cc.Kind)
		}

		var opts []calendar.Option
		if rec != nil {
			opts = append(opts, calendar.WithObserver(rec.Calendar(cc.ID)))
		}
		f, err := calendar.New(cfg, src, opts...)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", cc.ID, err)
		}
		out = append(out, &web.Calendar{ID: cc.ID, Name: cc.Name, Kind: cc.Kind, Fetcher: f})
	}
	return out, nil
}
