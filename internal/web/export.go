package web

import (
	"bytes"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

const productID = "-//calfetch//calfetch//EN"

// exportNamespace seeds deterministic UIDs so a re-exported event keeps its
// identity across refreshes.
var exportNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("calfetch:export"))

// handleExport re-publishes the filtered lists as a single iCalendar feed.
//
// GET /api/events.ics?calendar=<id>
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	selected, ok := s.selectCalendars(w, r)
	if !ok {
		return
	}

	stamp := s.now().UTC()
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	for _, c := range selected {
		for _, ev := range c.Fetcher.Events() {
			cal.Children = append(cal.Children, exportComponent(c.ID, ev, stamp))
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		appLog.Error("ics export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to encode calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ExportUID derives a stable UID from the calendar and the event's identity.
func ExportUID(calendarID string, ev model.Event) string {
	key := calendarID + "\x00" + ev.Title + "\x00" + ev.Start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(exportNamespace, []byte(key)).String()
}

func exportComponent(calendarID string, ev model.Event, stamp time.Time) *ical.Component {
	name := ical.CompEvent
	if ev.Todo {
		name = ical.CompToDo
	}
	comp := ical.NewComponent(name)
	comp.Props.SetText(ical.PropUID, ExportUID(calendarID, ev))
	comp.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	comp.Props.SetText(ical.PropSummary, ev.Title)

	switch {
	case ev.Todo:
		if !ev.Start.IsZero() {
			setMarker(comp.Props, ical.PropDue, ev.Start, ev.FullDay)
		}
	default:
		setMarker(comp.Props, ical.PropDateTimeStart, ev.Start, ev.FullDay)
		setMarker(comp.Props, ical.PropDateTimeEnd, ev.End, ev.FullDay)
	}

	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Class != "" {
		comp.Props.SetText(ical.PropClass, ev.Class)
	}
	return comp
}

func setMarker(props ical.Props, name string, t time.Time, dateOnly bool) {
	if dateOnly {
		props.SetDate(name, t)
		return
	}
	props.SetDateTime(name, t.UTC())
}
