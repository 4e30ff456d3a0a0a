// Package escalation raises SLA alerts for assignments left untouched and
// runs the periodic sweep and weekly report jobs.
package escalation

import (
	"context"
	"sync"
	"time"

	"sacristy.org/internal/clock"
	"sacristy.org/internal/obs"
)

// Due is the payload of a per-request SLA timer.
type Due struct {
	RequestID   int64  `json:"request_id"`
	FulfillerID int64  `json:"fulfiller_id"`
	Handle      string `json:"handle"`
}

// Scheduler keeps at most one outstanding one-shot timer per request id.
type Scheduler interface {
	// Schedule replaces any outstanding timer for id.
	Schedule(id int64, delay time.Duration, payload Due)
	// Cancel is a no-op when no timer is outstanding.
	Cancel(id int64)
}

// FireFunc handles an expired timer.
type FireFunc func(ctx context.Context, due Due)

type entry struct {
	timer *clock.Timer
	gen   uint64
}

// TimerScheduler runs in-process timers on a Clock. Timers are lost on
// restart; the periodic sweep covers them.
type TimerScheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	fire    FireFunc
	pending map[int64]entry
	gen     uint64
}

var _ Scheduler = (*TimerScheduler)(nil)

// NewTimerScheduler builds a scheduler calling fire on expiry. fire may
// be set later with SetFireFunc, before the first timer expires.
func NewTimerScheduler(clk clock.Clock, fire FireFunc) *TimerScheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &TimerScheduler{clock: clk, fire: fire, pending: make(map[int64]entry)}
}

// SetFireFunc installs the expiry handler.
func (s *TimerScheduler) SetFireFunc(fire FireFunc) {
	s.mu.Lock()
	s.fire = fire
	s.mu.Unlock()
}

func (s *TimerScheduler) Schedule(id int64, delay time.Duration, payload Due) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[id]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.clock.AfterFunc(delay, func() { s.expire(id, gen, payload) })
	s.pending[id] = entry{timer: t, gen: gen}
	obs.SetPendingTimers(len(s.pending))
}

func (s *TimerScheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[id]; ok {
		old.timer.Stop()
		delete(s.pending, id)
		obs.SetPendingTimers(len(s.pending))
	}
}

// Pending reports whether a timer is outstanding for id.
func (s *TimerScheduler) Pending(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Len returns the number of outstanding timers.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every outstanding timer.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
	obs.SetPendingTimers(0)
}

// expire drops callbacks of timers that were replaced or canceled after
// the clock had already released them.
func (s *TimerScheduler) expire(id int64, gen uint64, payload Due) {
	s.mu.Lock()
	cur, ok := s.pending[id]
	if !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	obs.SetPendingTimers(len(s.pending))
	fire := s.fire
	s.mu.Unlock()

	if fire != nil {
		fire(context.Background(), payload)
	}
}
