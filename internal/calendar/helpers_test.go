package calendar

import (
	"context"
	"sync"
	"time"

	"calfetch/internal/model"
)

// fakeTimers records armed timers and fires them on demand.
type fakeTimers struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (f *fakeTimers) After(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.armed = append(f.armed, t)
	return t
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

func (f *fakeTimers) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.armed) == 0 {
		return nil
	}
	return f.armed[len(f.armed)-1]
}

// fireLast runs the most recent timer's callback as the runtime would.
func (f *fakeTimers) fireLast() {
	f.last().fn()
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// scriptedSource replays queued results, one per Fetch call.
type scriptedSource struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
	reqs    []model.Request
}

type scriptedResult struct {
	entries []model.RawEntry
	err     error
	// block, if set, is waited on before returning.
	block chan struct{}
}

func (s *scriptedSource) push(r scriptedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *scriptedSource) Fetch(ctx context.Context, r model.Request) ([]model.RawEntry, error) {
	s.mu.Lock()
	s.calls++
	s.reqs = append(s.reqs, r)
	var res scriptedResult
	if len(s.results) > 0 {
		res = s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()

	if res.block != nil {
		<-res.block
	}
	return res.entries, res.err
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func timed(title string, start, end time.Time) model.RawEntry {
	return model.RawEntry{
		Kind:    model.KindEvent,
		Summary: model.Text{Val: title},
		Start:   model.DateMarker{Raw: start.Format("20060102T150405"), Time: start},
		End:     model.DateMarker{Raw: end.Format("20060102T150405"), Time: end},
	}
}

func titles(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Title)
	}
	return out
}
