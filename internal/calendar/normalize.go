package calendar

import (
	"strings"
	"time"

	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

// DefaultTitle is used when an entry has neither summary nor description.
const DefaultTitle = "Event"

const day = 24 * time.Hour

// Normalizer turns raw entries into Events.
type Normalizer struct {
	Location *time.Location
	Todos    TodoPolicy
}

// Normalize converts one entry. The boolean is false when the entry is
// discarded: completed to-dos, to-dos while they are disabled, and events
// without a usable start.
func (n Normalizer) Normalize(e model.RawEntry) (model.Event, bool) {
	if e.Kind == model.KindTodo {
		return n.normalizeTodo(e)
	}

	if e.Start.IsZero() {
		appLog.Debug("entry without start dropped", "uid", e.UID)
		return model.Event{}, false
	}

	start := e.Start.Time
	end := start
	switch {
	case !e.End.IsZero():
		end = e.End.Time
	case isDateOnly(e.Start):
		end = start.AddDate(0, 0, 1)
	}

	return model.Event{
		Title:       Title(e),
		Start:       start,
		End:         end,
		FullDay:     n.IsFullDay(e.Start, start, end),
		Class:       e.Class,
		Description: e.Description,
		Location:    e.Location,
	}, true
}

func (n Normalizer) normalizeTodo(e model.RawEntry) (model.Event, bool) {
	if IsCompleted(e) || !n.Todos.Include {
		return model.Event{}, false
	}
	return model.Event{
		Title:       Title(e),
		Start:       e.Due.Time,
		End:         e.Due.Time,
		FullDay:     e.Due.DateOnly,
		Class:       e.Class,
		Description: e.Description,
		Location:    e.Location,
		Todo:        true,
	}, true
}

// IsCompleted reports whether a to-do is done and must never be shown.
func IsCompleted(e model.RawEntry) bool {
	if strings.EqualFold(e.Status, "COMPLETED") {
		return true
	}
	return e.Completion != nil && *e.Completion >= 100
}

// Title resolves summary, then description, then DefaultTitle.
func Title(e model.RawEntry) string {
	if strings.TrimSpace(e.Summary.Val) != "" {
		return e.Summary.Val
	}
	if strings.TrimSpace(e.Description) != "" {
		return e.Description
	}
	return DefaultTitle
}

// IsFullDay is true for date-only starts, and for ranges that are a whole
// number of days long and begin at midnight in the normalizer's location.
func (n Normalizer) IsFullDay(startMarker model.DateMarker, start, end time.Time) bool {
	if isDateOnly(startMarker) {
		return true
	}
	loc := n.Location
	if loc == nil {
		loc = time.Local
	}
	local := start.In(loc)
	return end.Sub(start)%day == 0 &&
		local.Hour() == 0 && local.Minute() == 0 && local.Second() == 0
}

func isDateOnly(m model.DateMarker) bool {
	return m.DateOnly || len(m.Raw) == 8
}
