package calendar

import (
	"time"

	"calfetch/internal/model"
)

// Pipeline runs normalize → filter → rank over a decoded feed. It holds no
// mutable state; the same input and now always give the same output.
type Pipeline struct {
	normalizer Normalizer
	filter     Filter
	ranker     Ranker
}

// NewPipeline wires the steps configured by cfg.
func NewPipeline(cfg Config) Pipeline {
	return Pipeline{
		normalizer: Normalizer{Location: cfg.Location, Todos: cfg.Todos},
		filter: Chain(
			ExcludeByTitle(cfg.ExcludedEvents),
			DropPast(cfg.IncludePastEvents),
			CutoffWindow(cfg.TimeFilter, cfg.ExcludedEvents),
		),
		ranker: Ranker{
			MaximumEntries:      cfg.MaximumEntries,
			MaximumNumberOfDays: cfg.MaximumNumberOfDays,
			Todos:               cfg.Todos.Order,
		},
	}
}

// Run returns the list a Fetcher publishes for entries at instant now.
func (p Pipeline) Run(entries []model.RawEntry, now time.Time) []model.Event {
	events := make([]model.Event, 0, len(entries))
	for _, e := range entries {
		if ev, ok := p.normalizer.Normalize(e); ok {
			events = append(events, ev)
		}
	}
	return p.ranker.Rank(p.filter(events, now), now)
}
