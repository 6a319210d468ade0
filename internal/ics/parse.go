package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	eical "github.com/emersion/go-ical"

	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

// component is the property access shared by *ical.VEvent and *ical.VTodo.
type component interface {
	GetProperty(ical.ComponentProperty) *ical.IANAProperty
	GetProperties(ical.ComponentProperty) []*ical.IANAProperty
}

// Parse decodes an ICS payload into raw VEVENT/VTODO entries.
//
//   - Date-only values and floating date-times are resolved in loc
//     (time.Local when nil); TZID parameters are honored when the zone is known.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded, not expanded (see Expand).
//   - Entries whose properties cannot be read are logged and skipped.
func Parse(body []byte, loc *time.Location) ([]model.RawEntry, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	entries := make([]model.RawEntry, 0, len(cal.Components))
	for _, comp := range cal.Components {
		var (
			kind model.EntryKind
			c    component
		)
		switch v := comp.(type) {
		case *ical.VEvent:
			kind, c = model.KindEvent, v
		case *ical.VTodo:
			kind, c = model.KindTodo, v
		default:
			continue
		}

		entry, perr := parseComponent(kind, c, loc)
		if perr != nil {
			appLog.Debug("ics component skipped", "kind", kind, "uid", entry.UID, "reason", perr.Error())
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func parseComponent(kind model.EntryKind, c component, loc *time.Location) (model.RawEntry, error) {
	out := model.RawEntry{Kind: kind}

	if p := c.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = model.Text{Val: p.Value, Params: p.ICalParameters}
	}
	if p := c.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := c.GetProperty("CLASS"); p != nil {
		out.Class = p.Value
	}
	if p := c.GetProperty("STATUS"); p != nil {
		out.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}
	if p := c.GetProperty("PERCENT-COMPLETE"); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Completion = &n
		}
	}

	var err error
	if p := c.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if out.Start, err = ParseMarker(p.Value, p.ICalParameters, loc); err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
	}
	if p := c.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if out.End, err = ParseMarker(p.Value, p.ICalParameters, loc); err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
	} else if p := c.GetProperty("DURATION"); p != nil && !out.Start.IsZero() {
		d, derr := (&eical.Prop{Name: eical.PropDuration, Value: p.Value}).Duration()
		if derr != nil {
			return out, fmt.Errorf("DURATION: %w", derr)
		}
		out.End = model.DateMarker{Time: out.Start.Time.Add(d), DateOnly: out.Start.DateOnly}
	}
	if p := c.GetProperty("DUE"); p != nil {
		if out.Due, err = ParseMarker(p.Value, p.ICalParameters, loc); err != nil {
			return out, fmt.Errorf("DUE: %w", err)
		}
	}

	if p := c.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}

	// EXDATE can appear multiple times and hold comma separated lists.
	for _, p := range c.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if m, err := ParseMarker(part, p.ICalParameters, loc); err == nil {
				out.ExDates = append(out.ExDates, m.Time)
			}
		}
	}

	if p := c.GetProperty("RECURRENCE-ID"); p != nil {
		if m, err := ParseMarker(p.Value, p.ICalParameters, loc); err == nil {
			out.RecurrenceID = &m.Time
		}
	}

	return out, nil
}

// ParseMarker parses a DATE or DATE-TIME value with its parameters.
func ParseMarker(value string, params map[string][]string, loc *time.Location) (model.DateMarker, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return model.DateMarker{}, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.Local
	}
	m := model.DateMarker{Raw: v}

	if strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, loc)
		if err != nil {
			return model.DateMarker{}, err
		}
		m.Time, m.DateOnly = t, true
		return m, nil
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return model.DateMarker{}, err
		}
		m.Time = t
		return m, nil
	}

	tz := loc
	if tzid := strings.Trim(param(params, "TZID"), `"`); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			tz = l
		} else {
			appLog.Debug("ics unknown TZID, using display zone", "tzid", tzid)
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, tz)
	if err != nil {
		return model.DateMarker{}, err
	}
	m.Time = t
	return m, nil
}

func param(params map[string][]string, key string) string {
	if vs := params[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
