package ics

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfetch/internal/calendar"
)

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

// manualTimers keeps the armed callbacks so the test decides when a cycle runs.
type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) after(_ time.Duration, fn func()) calendar.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, fn)
	return manualTimer{}
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualTimers) fireLast() {
	m.mu.Lock()
	fn := m.fns[len(m.fns)-1]
	m.mu.Unlock()
	fn()
}

func TestSourceFailuresReachFetcherDespiteDiskCache(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			http.Error(w, "down", code)
			return
		}
		_, _ = w.Write(crlf(feedFixture))
	}))
	defer srv.Close()

	timers := &manualTimers{}
	f, err := calendar.New(calendar.Config{
		URL:                 srv.URL + "/cal.ics",
		Schedule:            calendar.Every(time.Minute),
		MaximumEntries:      10,
		MaximumNumberOfDays: 3650,
		IncludePastEvents:   true,
		Location:            time.UTC,
	}, NewSource(NewClient(t.TempDir()), time.UTC), calendar.WithAfterFunc(timers.after))
	require.NoError(t, err)
	defer f.Stop()

	var received, failed atomic.Int32
	f.OnReceive(func(*calendar.Fetcher) { received.Add(1) })
	f.OnError(func(*calendar.Fetcher, error) { failed.Add(1) })

	f.StartFetch()
	require.Eventually(t, func() bool { return timers.count() == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, int32(1), received.Load())
	before := f.Events()

	status.Store(http.StatusBadGateway)
	for i := 2; i <= 3; i++ {
		timers.fireLast()
		require.Eventually(t, func() bool { return timers.count() == i }, 2*time.Second, time.Millisecond)
	}

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, int32(2), failed.Load(), "every failing cycle is reported")
	assert.Equal(t, before, f.Events(), "the last good list stays published")
}
