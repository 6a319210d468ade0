package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfetch/internal/config"
	"calfetch/internal/model"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []int
	errs  []error
}

func (o *recordingObserver) ObserveCycle(_ string, _ time.Duration, published int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, published)
	o.errs = append(o.errs, err)
}

func newTestFetcher(t *testing.T, src Source, now time.Time, opts ...Option) (*Fetcher, *fakeTimers) {
	t.Helper()
	timers := &fakeTimers{}
	cfg := Config{
		URL:                 "https://example.com/cal.ics",
		Schedule:            Every(5 * time.Minute),
		MaximumNumberOfDays: 30,
		Location:            time.UTC,
	}
	opts = append([]Option{WithClock(fixedClock(now)), WithAfterFunc(timers.After)}, opts...)
	f, err := New(cfg, src, opts...)
	require.NoError(t, err)
	t.Cleanup(f.Stop)
	return f, timers
}

func TestFetcherPublishesAndKeepsStaleOnError(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.push(scriptedResult{entries: []model.RawEntry{
		timed("Retro", now.Add(2*time.Hour), now.Add(3*time.Hour)),
		timed("Standup", now.Add(time.Hour), now.Add(90*time.Minute)),
	}})
	src.push(scriptedResult{err: errors.New("connection refused")})

	obs := &recordingObserver{}
	f, timers := newTestFetcher(t, src, now, WithObserver(obs))
	assert.Nil(t, f.Events())

	received := make(chan struct{}, 1)
	failed := make(chan error, 1)
	f.OnReceive(func(*Fetcher) { received <- struct{}{} })
	f.OnError(func(_ *Fetcher, err error) { failed <- err })

	f.StartFetch()
	<-received
	assert.Equal(t, []string{"Standup", "Retro"}, titles(f.Events()))
	require.Eventually(t, func() bool { return timers.count() == 1 }, waitFor, time.Millisecond)

	timers.fireLast()
	err := <-failed
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "https://example.com/cal.ics", te.URL)
	assert.EqualError(t, err, "calendar fetch failed: connection refused")

	assert.Equal(t, []string{"Standup", "Retro"}, titles(f.Events()), "failure keeps the last good list")
	require.Eventually(t, func() bool { return timers.count() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, 5*time.Minute, timers.last().delay, "retry after exactly one interval")

	obs.mu.Lock()
	assert.Equal(t, []int{2, 0}, obs.calls)
	assert.NoError(t, obs.errs[0])
	assert.Error(t, obs.errs[1])
	obs.mu.Unlock()
}

func TestFetcherEventsIsACopy(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.push(scriptedResult{entries: []model.RawEntry{timed("Retro", now.Add(time.Hour), now.Add(2*time.Hour))}})

	f, _ := newTestFetcher(t, src, now)
	received := make(chan struct{}, 1)
	f.OnReceive(func(*Fetcher) { received <- struct{}{} })
	f.StartFetch()
	<-received

	got := f.Events()
	got[0].Title = "mutated"
	assert.Equal(t, "Retro", f.Events()[0].Title)
}

func TestFetcherEmptyFeedPublishesEmptyList(t *testing.T) {
	src := &scriptedSource{}
	src.push(scriptedResult{})
	f, _ := newTestFetcher(t, src, time.Now())
	received := make(chan struct{}, 1)
	f.OnReceive(func(*Fetcher) { received <- struct{}{} })
	f.StartFetch()
	<-received

	got := f.Events()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFetcherLastRegistrationWins(t *testing.T) {
	src := &scriptedSource{}
	src.push(scriptedResult{})
	f, _ := newTestFetcher(t, src, time.Now())

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	f.OnReceive(func(*Fetcher) { first <- struct{}{} })
	f.OnReceive(func(*Fetcher) { second <- struct{}{} })
	f.StartFetch()

	select {
	case <-second:
	case <-time.After(waitFor):
		t.Fatal("second subscriber not called")
	}
	assert.Empty(t, first)
}

func TestFetcherNilCallbacksAreSafe(t *testing.T) {
	src := &scriptedSource{}
	src.push(scriptedResult{err: errors.New("boom")})
	f, timers := newTestFetcher(t, src, time.Now())
	f.OnReceive(nil)
	f.OnError(nil)
	f.StartFetch()
	require.Eventually(t, func() bool { return timers.count() == 1 }, waitFor, time.Millisecond)
}

func TestFetcherRequestWindow(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.push(scriptedResult{})
	f, timers := newTestFetcher(t, src, now)
	f.StartFetch()
	require.Eventually(t, func() bool { return timers.count() == 1 }, waitFor, time.Millisecond)

	src.mu.Lock()
	req := src.reqs[0]
	src.mu.Unlock()
	assert.Equal(t, "https://example.com/cal.ics", req.URL)
	assert.Equal(t, DefaultUserAgent, req.Headers["User-Agent"])
	assert.True(t, req.Gzip)
	assert.Equal(t, now.AddDate(0, 0, -1), req.RangeStart)
	assert.Equal(t, now.AddDate(0, 0, 30), req.RangeEnd)
	assert.Equal(t, "https://example.com/cal.ics", f.URL())
}

func TestFetcherStopDropsInFlightCycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	gate := make(chan struct{})
	src := &scriptedSource{}
	src.push(scriptedResult{entries: []model.RawEntry{timed("Late", now.Add(time.Hour), now.Add(2*time.Hour))}, block: gate})

	f, timers := newTestFetcher(t, src, now)
	f.OnReceive(func(*Fetcher) { t.Error("stopped fetcher published") })
	f.StartFetch()
	require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, time.Millisecond)

	f.Stop()
	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, f.Events())
	assert.Equal(t, 0, timers.count())
}

func TestNewValidates(t *testing.T) {
	src := &scriptedSource{}
	_, err := New(Config{Schedule: Every(time.Minute)}, src)
	assert.Error(t, err)
	_, err = New(Config{URL: "u", Schedule: Every(time.Minute)}, nil)
	assert.Error(t, err)
	_, err = New(Config{URL: "u"}, src)
	assert.Error(t, err)
	_, err = New(Config{URL: "u", Schedule: neverSchedule{}}, src)
	assert.ErrorIs(t, err, errNoActivation)
}

func TestFetcherOnResultCarriesListOrError(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.push(scriptedResult{entries: []model.RawEntry{timed("Retro", now.Add(time.Hour), now.Add(2*time.Hour))}})
	src.push(scriptedResult{err: errors.New("timeout")})

	f, timers := newTestFetcher(t, src, now)
	results := make(chan mo.Result[[]model.Event], 2)
	f.OnResult(func(_ *Fetcher, res mo.Result[[]model.Event]) { results <- res })
	f.StartFetch()

	first := <-results
	require.True(t, first.IsOk())
	events := first.MustGet()
	assert.Equal(t, []string{"Retro"}, titles(events))
	events[0].Title = "mutated"
	assert.Equal(t, "Retro", f.Events()[0].Title, "result holds a copy")

	require.Eventually(t, func() bool { return timers.count() == 1 }, waitFor, time.Millisecond)
	timers.fireLast()
	second := <-results
	require.True(t, second.IsError())
	var te *TransportError
	require.ErrorAs(t, second.Error(), &te)
	assert.Equal(t, "https://example.com/cal.ics", te.URL)
	assert.Equal(t, []string{"Retro"}, titles(f.Events()))
}

func TestFetcherDefaultsEntryLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	var entries []model.RawEntry
	for i := range config.DefaultMaximumEntries + 5 {
		start := now.Add(time.Duration(i+1) * time.Hour)
		entries = append(entries, timed(fmt.Sprintf("E%02d", i), start, start.Add(30*time.Minute)))
	}
	src := &scriptedSource{}
	src.push(scriptedResult{entries: entries})

	f, _ := newTestFetcher(t, src, now)
	received := make(chan struct{}, 1)
	f.OnReceive(func(*Fetcher) { received <- struct{}{} })
	f.StartFetch()
	<-received

	got := f.Events()
	require.Len(t, got, config.DefaultMaximumEntries)
	assert.Equal(t, "E00", got[0].Title)
}

func TestFetcherStopFromSubscriber(t *testing.T) {
	src := &scriptedSource{}
	src.push(scriptedResult{})
	f, timers := newTestFetcher(t, src, time.Now())

	done := make(chan struct{})
	f.OnReceive(func(f *Fetcher) {
		f.Stop()
		close(done)
	})
	f.StartFetch()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop from a subscriber blocked")
	}
	assert.NotNil(t, f.Events())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, timers.count())
}

func TestFetcherListFrozenOnceStopReturns(t *testing.T) {
	src := &countingSource{}
	for range 30 {
		f, err := New(Config{
			URL:      "https://example.com/cal.ics",
			Schedule: Every(time.Microsecond),
			Location: time.UTC,
		}, src)
		require.NoError(t, err)
		f.StartFetch()
		time.Sleep(300 * time.Microsecond)
		f.Stop()

		before := f.Events()
		time.Sleep(2 * time.Millisecond)
		require.Equal(t, titles(before), titles(f.Events()))
	}
}

// countingSource returns one event titled after the call number.
type countingSource struct {
	calls atomic.Int64
}

func (s *countingSource) Fetch(context.Context, model.Request) ([]model.RawEntry, error) {
	n := s.calls.Add(1)
	start := time.Now().Add(time.Hour)
	return []model.RawEntry{timed(fmt.Sprintf("call %d", n), start, start.Add(time.Hour))}, nil
}
