package calendar

import (
	"time"

	"calfetch/internal/model"
)

// Filter is one step of the chain. It returns an order-preserving subset of
// events and must not modify its input.
type Filter func(events []model.Event, now time.Time) []model.Event

// Chain applies filters left to right.
func Chain(filters ...Filter) Filter {
	return func(events []model.Event, now time.Time) []model.Event {
		for _, f := range filters {
			events = f(events, now)
		}
		return events
	}
}

func keep(events []model.Event, pred func(model.Event) bool) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// firstMatch returns the first rule that matches title, in configured order.
func firstMatch(rules []ExclusionRule, title string) (ExclusionRule, bool) {
	for _, r := range rules {
		if r.Matches(title) {
			return r, true
		}
	}
	return ExclusionRule{}, false
}

// ExcludeByTitle drops events whose title hits a rule. Rules carrying an
// Until window are left to CutoffWindow instead.
func ExcludeByTitle(rules []ExclusionRule) Filter {
	return func(events []model.Event, _ time.Time) []model.Event {
		if len(rules) == 0 {
			return events
		}
		return keep(events, func(e model.Event) bool {
			r, ok := firstMatch(rules, e.Title)
			return !ok || r.Until != nil
		})
	}
}

// DropPast removes events that ended strictly before now, unless
// includePast is set. Open to-dos are never past.
func DropPast(includePast bool) Filter {
	return func(events []model.Event, now time.Time) []model.Event {
		if includePast {
			return events
		}
		return keep(events, func(e model.Event) bool {
			return e.Todo || !e.End.Before(now)
		})
	}
}

// CutoffWindow hides an event once now reaches end minus the window. The
// window of the first matching rule with Until wins over the global one.
func CutoffWindow(global *TimeWindow, rules []ExclusionRule) Filter {
	return func(events []model.Event, now time.Time) []model.Event {
		return keep(events, func(e model.Event) bool {
			if e.Todo {
				return true
			}
			w := global
			if r, ok := firstMatch(rules, e.Title); ok && r.Until != nil {
				w = r.Until
			}
			return !TimeFilterApplies(now, e.End, w)
		})
	}
}

// TimeFilterApplies reports whether the event ending at end is hidden by w.
func TimeFilterApplies(now, end time.Time, w *TimeWindow) bool {
	if w == nil {
		return false
	}
	return !now.Before(w.Cutoff(end))
}
