package calendar

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"calfetch/internal/config"
	"calfetch/internal/model"
)

// DefaultUserAgent is sent with every feed request unless overridden.
const DefaultUserAgent = "calfetch/0.1 (+https://github.com/calfetch/calfetch)"

// Config is the immutable per-source configuration of a Fetcher. Build it
// with FromCalendarConfig so that rules and windows are validated once.
type Config struct {
	URL      string
	Schedule cron.Schedule

	ExcludedEvents []ExclusionRule
	// MaximumEntries and MaximumNumberOfDays bound the published list. New
	// replaces non-positive values with the config package defaults.
	MaximumEntries      int
	MaximumNumberOfDays int
	IncludePastEvents   bool
	// TimeFilter hides events shortly before they end; nil disables it.
	TimeFilter *TimeWindow
	Todos      TodoPolicy

	Auth      *model.Auth
	UserAgent string
	// Location decides what "local midnight" means for full-day detection.
	Location *time.Location
}

// FromCalendarConfig compiles a config.CalendarConfig. Bad regexes, time
// filters or schedules are reported here, never per event.
func FromCalendarConfig(cc config.CalendarConfig, loc *time.Location) (Config, error) {
	schedule, err := ParseSchedule(cc.Interval, cc.Refresh)
	if err != nil {
		return Config{}, fmt.Errorf("calendar %s: %w", cc.ID, err)
	}

	rules := make([]ExclusionRule, 0, len(cc.ExcludedEvents))
	for i, ex := range cc.ExcludedEvents {
		r, err := NewExclusionRule(ex.FilterBy, ex.Regex, ex.Flags, ex.Until)
		if err != nil {
			return Config{}, fmt.Errorf("calendar %s: excluded_events[%d]: %w", cc.ID, i, err)
		}
		rules = append(rules, r)
	}

	window, err := ParseTimeWindow(cc.TimeFilter)
	if err != nil {
		return Config{}, fmt.Errorf("calendar %s: time_filter: %w", cc.ID, err)
	}

	order, err := ParseTodoOrder(cc.TodoOrder)
	if err != nil {
		return Config{}, fmt.Errorf("calendar %s: %w", cc.ID, err)
	}

	var auth *model.Auth
	if cc.Auth != nil {
		auth = &model.Auth{Method: model.AuthMethod(cc.Auth.Method), User: cc.Auth.User, Pass: cc.Auth.Pass}
	}

	return Config{
		URL:                 cc.URL,
		Schedule:            schedule,
		ExcludedEvents:      rules,
		MaximumEntries:      cc.MaximumEntries,
		MaximumNumberOfDays: cc.MaximumNumberOfDays,
		IncludePastEvents:   cc.IncludePastEvents,
		TimeFilter:          window,
		Todos:               TodoPolicy{Include: cc.IncludeTodos, Order: order},
		Auth:                auth,
		UserAgent:           DefaultUserAgent,
		Location:            loc,
	}, nil
}

// intervalSchedule fires a fixed duration after the previous cycle completed.
type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(s))
}

// Every returns a schedule with a constant delay between cycles.
func Every(d time.Duration) cron.Schedule {
	return intervalSchedule(d)
}

// ParseSchedule prefers a cron expression and falls back to a Go duration.
func ParseSchedule(interval, expr string) (cron.Schedule, error) {
	if expr != "" {
		s, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("refresh %q: %w", expr, err)
		}
		// cron returns the zero time when nothing matches within five years,
		// e.g. "0 0 30 2 *".
		if s.Next(time.Now()).IsZero() {
			return nil, fmt.Errorf("refresh %q: %w", expr, errNoActivation)
		}
		return s, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("interval %q: %w", interval, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval %q must be positive", interval)
	}
	return Every(d), nil
}

// ExclusionRule drops (or, with Until, time-limits) events by title.
type ExclusionRule struct {
	FilterBy string
	// Until hides a matching event only from Until before its end.
	Until *TimeWindow

	re *regexp.Regexp
}

// NewExclusionRule builds a substring rule, or a regex rule when useRegex is
// set. Regex filters may be written as /pattern/flags; flags i, m and s are
// honored, g, u and y are accepted and ignored.
func NewExclusionRule(filterBy string, useRegex bool, flags, until string) (ExclusionRule, error) {
	if filterBy == "" {
		return ExclusionRule{}, errors.New("empty filter")
	}
	r := ExclusionRule{FilterBy: filterBy}

	w, err := ParseTimeWindow(until)
	if err != nil {
		return ExclusionRule{}, fmt.Errorf("until: %w", err)
	}
	r.Until = w

	if useRegex {
		re, err := compilePattern(filterBy, flags)
		if err != nil {
			return ExclusionRule{}, err
		}
		r.re = re
	}
	return r, nil
}

// Matches reports whether title is hit by the rule. Substring matching is
// case-sensitive.
func (r ExclusionRule) Matches(title string) bool {
	if r.re != nil {
		return r.re.MatchString(title)
	}
	return strings.Contains(title, r.FilterBy)
}

func compilePattern(pattern, flags string) (*regexp.Regexp, error) {
	if strings.HasPrefix(pattern, "/") {
		if i := strings.LastIndex(pattern, "/"); i > 0 {
			flags += pattern[i+1:]
			pattern = pattern[1:i]
		} else {
			pattern = pattern[1:]
		}
	}

	var goFlags []rune
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(string(goFlags), f) {
				goFlags = append(goFlags, f)
			}
		case 'g', 'u', 'y':
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", f)
		}
	}
	if len(goFlags) > 0 {
		pattern = "(?" + string(goFlags) + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return re, nil
}

// TimeWindow is a parsed "<amount> <unit>" filter such as "2 days".
type TimeWindow struct {
	Amount int
	Unit   string // singular: second, minute, hour, day, week, month, year
}

// ParseTimeWindow parses a textual window. An empty string yields nil.
func ParseTimeWindow(s string) (*TimeWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, fmt.Errorf("time window %q: want \"<amount> <unit>\"", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("time window %q: bad amount", s)
	}
	unit := strings.TrimSuffix(strings.ToLower(fields[1]), "s")
	switch unit {
	case "second", "minute", "hour", "day", "week", "month", "year":
	default:
		return nil, fmt.Errorf("time window %q: unknown unit %q", s, fields[1])
	}
	return &TimeWindow{Amount: n, Unit: unit}, nil
}

// Cutoff returns end minus the window. Calendar units follow the calendar
// (a month before March 31 is March 2 or 3, as time.AddDate normalizes).
func (w TimeWindow) Cutoff(end time.Time) time.Time {
	n := w.Amount
	switch w.Unit {
	case "second":
		return end.Add(-time.Duration(n) * time.Second)
	case "minute":
		return end.Add(-time.Duration(n) * time.Minute)
	case "hour":
		return end.Add(-time.Duration(n) * time.Hour)
	case "day":
		return end.AddDate(0, 0, -n)
	case "week":
		return end.AddDate(0, 0, -7*n)
	case "month":
		return end.AddDate(0, -n, 0)
	default:
		return end.AddDate(-n, 0, 0)
	}
}

func (w TimeWindow) String() string {
	if w.Amount == 1 {
		return "1 " + w.Unit
	}
	return strconv.Itoa(w.Amount) + " " + w.Unit + "s"
}

// TodoOrder places to-dos relative to events in the ranked list.
type TodoOrder int

const (
	// TodosByDue sorts to-dos by due date; to-dos without one go last.
	TodosByDue TodoOrder = iota
	TodosFirst
	TodosLast
)

// ParseTodoOrder maps "due", "first" and "last" (empty means due).
func ParseTodoOrder(s string) (TodoOrder, error) {
	switch s {
	case "", "due":
		return TodosByDue, nil
	case "first":
		return TodosFirst, nil
	case "last":
		return TodosLast, nil
	default:
		return 0, fmt.Errorf("unknown todo order %q", s)
	}
}

// TodoPolicy controls whether open to-dos are published and where.
type TodoPolicy struct {
	Include bool
	Order   TodoOrder
}
