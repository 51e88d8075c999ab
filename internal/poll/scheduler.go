package poll

import (
	"fmt"
	"sync"
	"time"
)

// CountdownPlaceholder is rendered while no refresh is scheduled.
const CountdownPlaceholder = "--:--"

// Scheduler arms a single wall-clock timer for the next fetch deadline and
// a one-second ticker that drives a human-readable countdown. It is an
// explicit state machine:
//
//	Idle:  no deadline; nothing armed.
//	Armed: one timer set for deadline-now, one ticker feeding onTick.
//	Due:   deadline already past at arm time; onFire runs immediately,
//	       once per distinct deadline.
//
// Re-arming cancels any previously armed timer and ticker first, so at most
// one of each is outstanding at any time. Re-arming for an unchanged
// deadline is a no-op.
type Scheduler struct {
	onFire func()
	onTick func(remaining time.Duration)
	now    func() time.Time

	mu       sync.Mutex
	armed    bool
	deadline time.Time
	lastDue  time.Time
	timer    *time.Timer
	ticker   *time.Ticker
	stopTick chan struct{}
}

// NewScheduler builds a Scheduler. onFire runs when the deadline elapses;
// onTick receives the remaining duration roughly once per second while
// armed. Either callback may be nil.
func NewScheduler(onFire func(), onTick func(remaining time.Duration)) *Scheduler {
	return &Scheduler{
		onFire: onFire,
		onTick: onTick,
		now:    time.Now,
	}
}

// Arm schedules the next fire for deadline. A zero deadline disarms
// (Idle). A deadline at or before now fires immediately (Due) instead of
// arming a timer; the same elapsed deadline never fires twice.
func (s *Scheduler) Arm(deadline time.Time) {
	s.mu.Lock()

	if deadline.IsZero() {
		s.disarmLocked()
		s.mu.Unlock()
		return
	}

	if s.armed && s.deadline.Equal(deadline) {
		s.mu.Unlock()
		return
	}
	s.disarmLocked()

	now := s.now()
	if !deadline.After(now) {
		if s.lastDue.Equal(deadline) {
			s.mu.Unlock()
			return
		}
		s.lastDue = deadline
		s.mu.Unlock()
		if s.onFire != nil {
			s.onFire()
		}
		return
	}

	s.armed = true
	s.deadline = deadline
	s.timer = time.AfterFunc(deadline.Sub(now), s.fire)

	ticker := time.NewTicker(time.Second)
	stop := make(chan struct{})
	s.ticker = ticker
	s.stopTick = stop
	go s.tickLoop(ticker, stop)
	s.mu.Unlock()

	if s.onTick != nil {
		s.onTick(deadline.Sub(now))
	}
}

// Stop cancels any armed timer and ticker. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.disarmLocked()
	s.mu.Unlock()
}

// Armed reports whether a timer is currently outstanding.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Deadline returns the armed deadline, or the zero time when idle.
func (s *Scheduler) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return time.Time{}
	}
	return s.deadline
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	s.lastDue = s.deadline
	s.disarmLocked()
	s.mu.Unlock()

	if s.onFire != nil {
		s.onFire()
	}
}

func (s *Scheduler) tickLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			armed := s.armed
			deadline := s.deadline
			s.mu.Unlock()
			if !armed {
				return
			}
			if s.onTick != nil {
				s.onTick(deadline.Sub(s.now()))
			}
		}
	}
}

// disarmLocked releases the timer and ticker. Callers hold s.mu.
func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
	s.armed = false
	s.deadline = time.Time{}
}

// FormatCountdown renders the remaining duration as HH:MM:SS when an hour
// or more remains, MM:SS otherwise, zero-padded and floored at zero.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
