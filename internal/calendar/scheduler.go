package calendar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calfetch/internal/log"
)

var errNoActivation = errors.New("schedule never fires")

// Timer is the cancelable handle of a pending cycle. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc arms fn to run once after d.
type AfterFunc func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Outcome is what a finished Job hands back. Commit runs under the
// scheduler lock and only while the loop is still the one that started the
// job, so no state changes once Stop has returned; it must not block or call
// back into the scheduler. Notify runs afterwards without any lock held and
// only when Commit ran. Either may be nil.
type Outcome struct {
	Commit func()
	Notify func()
}

// Job performs one fetch cycle.
type Job func(ctx context.Context) Outcome

// Scheduler runs Job in a single-flight loop: the next cycle is armed from
// the completion of the current one, never on a fixed cadence, so cycles
// never overlap however long a fetch takes.
type Scheduler struct {
	schedule cron.Schedule
	job      Job
	now      func() time.Time
	after    AfterFunc

	mu       sync.Mutex
	running  bool
	inFlight bool
	// gen changes on every Start-after-Stop and Stop; a cycle whose gen is
	// stale does not publish.
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	timer    Timer
	timerSeq uint64
}

// NewScheduler returns a stopped scheduler. Nil now/after use the wall clock.
func NewScheduler(schedule cron.Schedule, job Job, now func() time.Time, after AfterFunc) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if after == nil {
		after = realAfterFunc
	}
	return &Scheduler{schedule: schedule, job: job, now: now, after: after}
}

// Start runs a cycle immediately and keeps the loop going. Calling Start on
// a running loop cancels the pending timer and runs now; if a cycle is
// already in flight it is left to re-arm the loop itself.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	if !s.running {
		s.running = true
		s.gen++
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	if s.inFlight {
		return
	}
	s.launchLocked()
}

// Stop cancels the pending timer and the in-flight context. A cycle that
// still completes afterwards is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.gen++
	s.stopTimerLocked()
	s.cancel()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) launchLocked() {
	s.inFlight = true
	go s.runCycle(s.ctx, s.gen)
}

func (s *Scheduler) runCycle(ctx context.Context, gen uint64) {
	out := s.job(ctx)

	s.mu.Lock()
	current := s.running && gen == s.gen
	if current && out.Commit != nil {
		out.Commit()
	}
	s.mu.Unlock()

	// Subscribers may call Start or Stop, so they run unlocked.
	if current && out.Notify != nil {
		out.Notify()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if !s.running {
		return
	}
	if gen != s.gen {
		// Restarted while this cycle ran; its result was dropped, start over.
		s.launchLocked()
		return
	}
	s.armLocked()
}

func (s *Scheduler) armLocked() {
	s.stopTimerLocked()
	now := s.now()
	next := s.schedule.Next(now)
	if next.IsZero() {
		// The schedule never fires again; polling back to back would hammer
		// the source.
		appLog.Error("poll schedule has no next activation, stopping", errNoActivation)
		s.running = false
		s.gen++
		s.cancel()
		return
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.after(delay, func() { s.fire(seq) })
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A timer that was replaced or stopped may still fire; ignore it.
	if !s.running || s.timer == nil || seq != s.timerSeq || s.inFlight {
		return
	}
	s.timer = nil
	s.launchLocked()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
