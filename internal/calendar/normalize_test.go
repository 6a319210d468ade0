package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfetch/internal/model"
)

func TestTitleResolution(t *testing.T) {
	cases := []struct {
		name  string
		entry model.RawEntry
		want  string
	}{
		{"summary", model.RawEntry{Summary: model.Text{Val: "Retro", Params: map[string][]string{"LANGUAGE": {"en"}}}, Description: "desc"}, "Retro"},
		{"description fallback", model.RawEntry{Description: "Dentist"}, "Dentist"},
		{"blank summary", model.RawEntry{Summary: model.Text{Val: "  "}, Description: "Dentist"}, "Dentist"},
		{"sentinel", model.RawEntry{}, DefaultTitle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Title(tc.entry))
		})
	}
}

func TestFullDayDetection(t *testing.T) {
	n := Normalizer{Location: time.Local}
	midnight := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)

	dateOnly := model.RawEntry{
		Kind:  model.KindEvent,
		Start: model.DateMarker{Raw: "20240101", Time: midnight},
	}
	ev, ok := n.Normalize(dateOnly)
	require.True(t, ok)
	assert.True(t, ev.FullDay)
	assert.Equal(t, midnight.AddDate(0, 0, 1), ev.End, "date-only start without end lasts one day")

	ev, ok = n.Normalize(timed("Day", midnight, midnight.Add(24*time.Hour)))
	require.True(t, ok)
	assert.True(t, ev.FullDay)

	ev, ok = n.Normalize(timed("Two days", midnight, midnight.Add(48*time.Hour)))
	require.True(t, ok)
	assert.True(t, ev.FullDay)

	ev, ok = n.Normalize(timed("Almost", midnight, midnight.Add(23*time.Hour+59*time.Minute)))
	require.True(t, ok)
	assert.False(t, ev.FullDay)

	nine := midnight.Add(9 * time.Hour)
	ev, ok = n.Normalize(timed("Shifted", nine, nine.Add(24*time.Hour)))
	require.True(t, ok)
	assert.False(t, ev.FullDay)
}

func TestFullDayUsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, tokyo).UTC()
	e := timed("Holiday", start, start.Add(24*time.Hour))

	ev, ok := Normalizer{Location: tokyo}.Normalize(e)
	require.True(t, ok)
	assert.True(t, ev.FullDay)

	ev, ok = Normalizer{Location: time.UTC}.Normalize(e)
	require.True(t, ok)
	assert.False(t, ev.FullDay)
}

func TestNormalizeCopiesFields(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	e := timed("Review", start, start.Add(time.Hour))
	e.Class = "PRIVATE"
	e.Location = "Room 2"

	ev, ok := Normalizer{}.Normalize(e)
	require.True(t, ok)
	assert.Equal(t, model.Event{
		Title:    "Review",
		Start:    start,
		End:      start.Add(time.Hour),
		Class:    "PRIVATE",
		Location: "Room 2",
	}, ev)
	assert.Empty(t, ev.Description)
}

func TestNormalizeDropsEntriesWithoutStart(t *testing.T) {
	_, ok := Normalizer{}.Normalize(model.RawEntry{Kind: model.KindEvent, Summary: model.Text{Val: "Broken"}})
	assert.False(t, ok)
}

func TestNormalizeTodos(t *testing.T) {
	due := time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC)
	pct := func(n int) *int { return &n }

	open := model.RawEntry{Kind: model.KindTodo, Summary: model.Text{Val: "Taxes"}, Due: model.DateMarker{Time: due}}
	done := model.RawEntry{Kind: model.KindTodo, Summary: model.Text{Val: "Done"}, Status: "COMPLETED"}
	full := model.RawEntry{Kind: model.KindTodo, Summary: model.Text{Val: "Full"}, Completion: pct(100)}
	half := model.RawEntry{Kind: model.KindTodo, Summary: model.Text{Val: "Half"}, Completion: pct(50)}

	off := Normalizer{}
	_, ok := off.Normalize(open)
	assert.False(t, ok, "to-dos are hidden unless enabled")

	on := Normalizer{Todos: TodoPolicy{Include: true}}
	ev, ok := on.Normalize(open)
	require.True(t, ok)
	assert.True(t, ev.Todo)
	assert.Equal(t, due, ev.Start)

	_, ok = on.Normalize(done)
	assert.False(t, ok)
	_, ok = on.Normalize(full)
	assert.False(t, ok)
	ev, ok = on.Normalize(half)
	require.True(t, ok)
	assert.True(t, ev.Start.IsZero())
}
