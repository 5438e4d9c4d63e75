// Package renewal keeps the access credential fresh: a scheduler that fires ahead of expiry and
// a coordinator that collapses concurrent renewal requests into one identity provider call.
package renewal

import (
	"sync"
	"time"
)

const (
	// DefaultBuffer is how long before expiry the preventive renewal fires.
	DefaultBuffer = 15 * time.Minute

	// DefaultMinDelay is the floor for any armed delay.
	DefaultMinDelay = 60 * time.Second

	// DefaultRetryInterval separates a failed renewal from the next attempt.
	DefaultRetryInterval = 5 * time.Minute
)

// Scheduler owns the single preventive-renewal timer of a session.
//
// Every Arm or RetryIn supersedes the previous timer; a superseded timer never fires, and the
// current one fires at most once.
type Scheduler struct {
	buffer   time.Duration
	minDelay time.Duration

	mu    sync.Mutex
	fire  func()
	timer *time.Timer
	gen   uint64
	next  time.Time
}

// NewScheduler returns a scheduler firing buffer ahead of expiry, never sooner than minDelay.
// Non-positive values select the defaults.
func NewScheduler(buffer, minDelay time.Duration) *Scheduler {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	return &Scheduler{buffer: buffer, minDelay: minDelay}
}

// Buffer is how long before expiry the credential counts as near expiry.
func (s *Scheduler) Buffer() time.Duration {
	return s.buffer
}

// OnFire sets the callback run when a timer fires. It is invoked on the timer's goroutine.
func (s *Scheduler) OnFire(fn func()) {
	s.mu.Lock()
	s.fire = fn
	s.mu.Unlock()
}

// Delay computes the wait before renewing a credential valid for expiresIn.
func (s *Scheduler) Delay(expiresIn time.Duration) time.Duration {
	return max(expiresIn-s.buffer, s.minDelay)
}

// Arm schedules a renewal for a credential valid for expiresIn and returns the delay used.
func (s *Scheduler) Arm(expiresIn time.Duration) time.Duration {
	delay := s.Delay(expiresIn)
	s.schedule(delay)
	return delay
}

// RetryIn schedules a retry after interval, still honouring the minimum delay.
func (s *Scheduler) RetryIn(interval time.Duration) time.Duration {
	delay := max(interval, s.minDelay)
	s.schedule(delay)
	return delay
}

// Cancel stops the armed timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// NextFire reports when the armed timer will fire.
func (s *Scheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.timer != nil
}

func (s *Scheduler) schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	gen := s.gen
	s.next = time.Now().Add(delay)
	s.timer = time.AfterFunc(delay, func() { s.expire(gen) })
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		// superseded after the runtime already started this func
		s.mu.Unlock()
		return
	}
	s.gen++
	s.timer = nil
	s.next = time.Time{}
	fire := s.fire
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (s *Scheduler) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
}
