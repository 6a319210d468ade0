package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

const (
	defaultMaxOccurrencesPerEntry = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the window occurrences must overlap.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEntry is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEntry is used.
	MaxOccurrencesPerEntry int
}

// ExpandResult wraps the expanded entries and the UIDs that hit the cap.
type ExpandResult struct {
	Entries         []model.RawEntry
	TruncatedEvents []string
}

// Expand replaces every recurring entry by its occurrences inside the
// configured window. It handles:
//
//   - Single non-recurring entries (passed through unchanged)
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics (occurrences stay date-only)
//
// Output order follows input order so that ties in later ranking are stable.
func Expand(entries []model.RawEntry, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEntry <= 0 {
		cfg.MaxOccurrencesPerEntry = defaultMaxOccurrencesPerEntry
	}

	overridesByUID := make(map[string][]model.RawEntry)
	for _, e := range entries {
		if e.RecurrenceID != nil {
			overridesByUID[e.UID] = append(overridesByUID[e.UID], e)
		}
	}
	used := make(map[*time.Time]bool)

	out := make([]model.RawEntry, 0, len(entries))
	for _, e := range entries {
		if e.RecurrenceID != nil {
			continue
		}
		if e.RRule == "" || e.Start.IsZero() {
			out = append(out, e)
			continue
		}

		occ, hitCap := expandEntry(e, overridesByUID[e.UID], used, cfg)
		out = append(out, occ...)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, e.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", e.UID,
				"cap", cfg.MaxOccurrencesPerEntry,
			)
		}
	}

	// Overrides that matched no generated occurrence still describe a real
	// (moved) instance; keep them as standalone entries.
	for _, e := range entries {
		if e.RecurrenceID != nil && !used[e.RecurrenceID] {
			o := e
			o.RecurrenceID = nil
			out = append(out, o)
		}
	}

	result.Entries = out
	return result, nil
}

// expandEntry expands a recurring entry, returning its occurrences and
// whether the cap was hit.
func expandEntry(e model.RawEntry, overrides []model.RawEntry, used map[*time.Time]bool, cfg ExpandConfig) ([]model.RawEntry, bool) {
	out := make([]model.RawEntry, 0)

	r, err := rrule.StrToRRule(e.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", e.UID, "rrule", e.RRule)
		// Keep the first instance rather than losing the entry.
		single := e
		single.RRule = ""
		return append(out, single), false
	}

	start := e.Start.Time
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range e.ExDates {
		set.ExDate(ex.In(start.Location()))
	}

	dur := time.Duration(0)
	days := 0
	if !e.End.IsZero() {
		dur = e.End.Time.Sub(start)
		if e.Start.DateOnly {
			days = int(dur.Round(24*time.Hour) / (24 * time.Hour))
		}
	}

	// Widen the lower bound by the duration so occurrences that started
	// before the window but are still running are kept.
	rangeStart := cfg.RangeStart.Add(-dur).In(start.Location())
	rangeEnd := cfg.RangeEnd.In(start.Location())
	occTimes := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEntry {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEntry]
		hitCap = true
	}

	for _, occStart := range occTimes {
		occ := e
		occ.RRule = ""
		occ.ExDates = nil

		if e.Start.DateOnly {
			// All-day: keep whole days in the entry's own location.
			d := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, start.Location())
			occ.Start = model.DateMarker{Raw: d.Format("20060102"), Time: d, DateOnly: true}
			if !e.End.IsZero() {
				end := d.AddDate(0, 0, days)
				occ.End = model.DateMarker{Raw: end.Format("20060102"), Time: end, DateOnly: true}
			}
		} else {
			occ.Start = model.DateMarker{Raw: occStart.Format("20060102T150405"), Time: occStart}
			if !e.End.IsZero() {
				end := occStart.Add(dur)
				occ.End = model.DateMarker{Raw: end.Format("20060102T150405"), Time: end}
			}
		}

		if o, ok := findOverrideForStart(overrides, occ.Start.Time); ok {
			used[o.RecurrenceID] = true
			occ = o
			occ.RecurrenceID = nil
		}

		out = append(out, occ)
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// occurrence start with exact time equality.
func findOverrideForStart(overrides []model.RawEntry, occStart time.Time) (model.RawEntry, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(occStart) {
			return ov, true
		}
	}
	return model.RawEntry{}, false
}
