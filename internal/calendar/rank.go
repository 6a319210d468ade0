package calendar

import (
	"cmp"
	"slices"
	"time"

	"calfetch/internal/model"
)

// Ranker orders events and applies the count and day limits.
type Ranker struct {
	MaximumEntries      int
	MaximumNumberOfDays int
	Todos               TodoOrder
}

// Rank sorts by start (stable, so equal starts keep feed order), drops
// events starting after now + MaximumNumberOfDays and keeps the first
// MaximumEntries. Non-positive limits disable the respective cut; a
// Fetcher never passes them.
func (r Ranker) Rank(events []model.Event, now time.Time) []model.Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b model.Event) int {
		if c := cmp.Compare(r.bucket(a), r.bucket(b)); c != 0 {
			return c
		}
		// Undated to-dos trail dated entries of the same bucket.
		if az, bz := a.Start.IsZero(), b.Start.IsZero(); az != bz {
			if az {
				return 1
			}
			return -1
		}
		return a.Start.Compare(b.Start)
	})

	if r.MaximumNumberOfDays > 0 {
		horizon := now.AddDate(0, 0, r.MaximumNumberOfDays)
		out = slices.DeleteFunc(out, func(e model.Event) bool {
			return !e.Start.IsZero() && e.Start.After(horizon)
		})
	}

	if r.MaximumEntries > 0 && len(out) > r.MaximumEntries {
		out = out[:r.MaximumEntries]
	}
	return out
}

// bucket groups entries: 0 before events, 1 events, 2 after events.
func (r Ranker) bucket(e model.Event) int {
	if !e.Todo {
		return 1
	}
	switch r.Todos {
	case TodosFirst:
		return 0
	case TodosLast:
		return 2
	default:
		if e.Start.IsZero() {
			return 2
		}
		return 1
	}
}
