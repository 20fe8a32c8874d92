// Package progress implements spec §4.11: a cooperative reporter that
// periodically emits a one-line build summary from a shared Statistics
// snapshot, with an increasing timeout so idle builds don't spam logs.
//
// Grounded on the teacher's src/output/shell_output.go periodic-ticker
// loop, generalised from a fixed interval to the geometric backoff (3s
// x6/5 to a soft cap) spec §4.11 names, and switched from a ticker to a
// sync.Cond wait so the scheduler can wake the reporter immediately on
// completion instead of waiting out the remainder of an interval.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/internal/clog"
)

var log = clog.NewLogger("progress")

// softCapInterval bounds how long the reporter's wait grows to between
// reports once a build is running long.
const softCapInterval = 30 * time.Second

// Statistics are the atomic counters spec §4.11 names. All fields are
// accessed via sync/atomic; no ordering between counters is promised.
type Statistics struct {
	Queued   int64
	Executed int64
	Cached   int64
	Served   int64
	Flaky    int64
}

// Snapshot returns a point-in-time copy of every counter, read via
// sync/atomic so it's safe to call from any goroutine (e.g. a Prometheus
// Collector's Collect, which runs on the scrape handler's goroutine).
func (s *Statistics) Snapshot() Statistics {
	return Statistics{
		Queued:   atomic.LoadInt64(&s.Queued),
		Executed: atomic.LoadInt64(&s.Executed),
		Cached:   atomic.LoadInt64(&s.Cached),
		Served:   atomic.LoadInt64(&s.Served),
		Flaky:    atomic.LoadInt64(&s.Flaky),
	}
}

// ActiveSample returns a short, thread-safe sample of in-flight target
// names, supplied by the scheduler.
type ActiveSample func() []string

// A Reporter periodically calls Report with a Statistics snapshot and a
// sample of active target names, until Stop is called.
type Reporter struct {
	Stats  *Statistics
	Active ActiveSample
	Report func(Statistics, []string)

	mu   sync.Mutex
	cond *sync.Cond
	done bool
}

// New returns a ready Reporter; call Run in its own goroutine and Stop
// when the build finishes.
func New(stats *Statistics, active ActiveSample, report func(Statistics, []string)) *Reporter {
	r := &Reporter{Stats: stats, Active: active, Report: report}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Run loops until Stop is called, waiting with a geometrically increasing
// timeout (start 3s, x6/5 each round, capped at softCapInterval) between
// reports. A panic inside Report is caught and logged at warning; the
// loop continues (spec §4.11: "exceptions inside the report callback are
// caught and logged at warning").
func (r *Reporter) Run() {
	interval := 3 * time.Second
	for {
		if r.waitOrDone(interval) {
			return
		}
		r.safeReport()
		interval = time.Duration(float64(interval) * 6.0 / 5.0)
		if interval > softCapInterval {
			interval = softCapInterval
		}
	}
}

// waitOrDone blocks for interval or until Stop is called, whichever comes
// first, returning true iff Stop was called.
func (r *Reporter) waitOrDone(interval time.Duration) bool {
	woken := make(chan struct{})
	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for !r.done {
			r.cond.Wait()
		}
		close(woken)
	}()
	select {
	case <-woken:
		return true
	case <-time.After(interval):
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()
		return done
	}
}

func (r *Reporter) safeReport() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warning("progress: report callback panicked: %v", rec)
		}
	}()
	var sample []string
	if r.Active != nil {
		sample = r.Active()
	}
	r.Report(r.Stats.Snapshot(), sample)
}

// Stop sets the done flag and wakes the reporter so it exits promptly
// instead of waiting out its current interval.
func (r *Reporter) Stop() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.cond.Broadcast()
}
