package calendar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/mo"

	"calfetch/internal/config"
	"calfetch/internal/model"
)

// Source is the transport + decoder boundary: it yields the raw entries of
// one feed, already expanded for the request window.
type Source interface {
	Fetch(ctx context.Context, r model.Request) ([]model.RawEntry, error)
}

// Observer is told about every completed cycle that was not discarded.
type Observer interface {
	ObserveCycle(url string, took time.Duration, published int, err error)
}

// TransportError reports a cycle that could not reach or read its source.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("calendar fetch failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fetcher polls one calendar source and holds its last published events.
type Fetcher struct {
	cfg      Config
	source   Source
	pipeline Pipeline
	sched    *Scheduler
	now      func() time.Time
	observer Observer

	events atomic.Pointer[[]model.Event]

	mu        sync.RWMutex
	onReceive func(*Fetcher)
	onError   func(*Fetcher, error)
	onResult  func(*Fetcher, mo.Result[[]model.Event])
}

// Option customizes a Fetcher.
type Option func(*fetcherOptions)

type fetcherOptions struct {
	now      func() time.Time
	after    AfterFunc
	observer Observer
}

// WithClock overrides the wall clock used for filtering and scheduling.
func WithClock(now func() time.Time) Option {
	return func(o *fetcherOptions) { o.now = now }
}

// WithAfterFunc overrides how the next cycle is armed.
func WithAfterFunc(after AfterFunc) Option {
	return func(o *fetcherOptions) { o.after = after }
}

// WithObserver registers per-cycle instrumentation.
func WithObserver(obs Observer) Option {
	return func(o *fetcherOptions) { o.observer = obs }
}

// New creates a stopped Fetcher. Call StartFetch to begin polling.
func New(cfg Config, src Source, opts ...Option) (*Fetcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("calendar: url is empty")
	}
	if src == nil {
		return nil, errors.New("calendar: source is nil")
	}
	if cfg.Schedule == nil {
		return nil, errors.New("calendar: schedule is nil")
	}
	if cfg.Schedule.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("calendar: %w", errNoActivation)
	}
	if cfg.MaximumEntries <= 0 {
		cfg.MaximumEntries = config.DefaultMaximumEntries
	}
	if cfg.MaximumNumberOfDays <= 0 {
		cfg.MaximumNumberOfDays = config.DefaultMaximumNumberOfDays
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	o := fetcherOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	f := &Fetcher{
		cfg:       cfg,
		source:    src,
		pipeline:  NewPipeline(cfg),
		now:       o.now,
		observer:  o.observer,
		onReceive: func(*Fetcher) {},
		onError:   func(*Fetcher, error) {},
		onResult:  func(*Fetcher, mo.Result[[]model.Event]) {},
	}
	f.sched = NewScheduler(cfg.Schedule, f.cycle, o.now, o.after)
	return f, nil
}

// StartFetch starts (or immediately re-runs) the poll loop.
func (f *Fetcher) StartFetch() {
	f.sched.Start()
}

// Stop makes the loop quiescent. Owners must call it before dropping the
// Fetcher so no timer fires into a dead subscriber. Once Stop returns the
// published list no longer changes; a subscriber call already under way
// may still finish. Stop is safe to call from a subscriber.
func (f *Fetcher) Stop() {
	f.sched.Stop()
}

// OnReceive sets the success subscriber; the last registration wins.
func (f *Fetcher) OnReceive(fn func(*Fetcher)) {
	if fn == nil {
		fn = func(*Fetcher) {}
	}
	f.mu.Lock()
	f.onReceive = fn
	f.mu.Unlock()
}

// OnError sets the failure subscriber; the last registration wins. The
// error is a *TransportError.
func (f *Fetcher) OnError(fn func(*Fetcher, error)) {
	if fn == nil {
		fn = func(*Fetcher, error) {}
	}
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

// OnResult sets a subscriber that receives every cycle outcome as one
// value: the published list (a copy) or the *TransportError. It runs after
// OnReceive or OnError; the last registration wins.
func (f *Fetcher) OnResult(fn func(*Fetcher, mo.Result[[]model.Event])) {
	if fn == nil {
		fn = func(*Fetcher, mo.Result[[]model.Event]) {}
	}
	f.mu.Lock()
	f.onResult = fn
	f.mu.Unlock()
}

// URL returns the configured source URL.
func (f *Fetcher) URL() string {
	return f.cfg.URL
}

// Events returns a copy of the last published list, or nil before the first
// successful cycle.
func (f *Fetcher) Events() []model.Event {
	p := f.events.Load()
	if p == nil {
		return nil
	}
	return slices.Clone(*p)
}

func (f *Fetcher) request(now time.Time) model.Request {
	days := f.cfg.MaximumNumberOfDays
	if days <= 0 {
		days = 365
	}
	back := now.AddDate(0, 0, -1)
	if f.cfg.IncludePastEvents {
		back = now.AddDate(0, 0, -days)
	}
	return model.Request{
		URL:        f.cfg.URL,
		Headers:    map[string]string{"User-Agent": f.cfg.UserAgent},
		Auth:       f.cfg.Auth,
		Gzip:       true,
		RangeStart: back,
		RangeEnd:   now.AddDate(0, 0, days),
	}
}

// cycle is the scheduler Job: fetch and run the pipeline. Nothing is
// visible until the scheduler commits the outcome.
func (f *Fetcher) cycle(ctx context.Context) Outcome {
	began := time.Now()
	entries, err := f.source.Fetch(ctx, f.request(f.now()))

	var res mo.Result[[]model.Event]
	if err != nil {
		res = mo.Err[[]model.Event](&TransportError{URL: f.cfg.URL, Err: err})
	} else {
		res = mo.Ok(f.pipeline.Run(entries, f.now()))
	}
	took := time.Since(began)

	return Outcome{
		Commit: func() {
			// Stale-but-valid: a failed cycle leaves the previous list.
			if events, err := res.Get(); err == nil {
				f.events.Store(&events)
			}
		},
		Notify: func() { f.notify(res, took) },
	}
}

func (f *Fetcher) notify(res mo.Result[[]model.Event], took time.Duration) {
	f.mu.RLock()
	onReceive, onError, onResult := f.onReceive, f.onError, f.onResult
	f.mu.RUnlock()

	events, err := res.Get()
	if f.observer != nil {
		f.observer.ObserveCycle(f.cfg.URL, took, len(events), err)
	}
	if err != nil {
		onError(f, err)
	} else {
		onReceive(f)
	}
	onResult(f, res.Map(func(events []model.Event) ([]model.Event, error) {
		return slices.Clone(events), nil
	}))
}
