package session

import (
	"sync"
	"time"
)

// ticker is a cancellable periodic task.
type ticker struct {
	stop chan struct{}
	once sync.Once
}

func startTicker(interval time.Duration, fn func(lit bool)) *ticker {
	t := &ticker{stop: make(chan struct{})}
	go func() {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		lit := false
		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				select {
				case <-t.stop:
					return
				default:
				}
				lit = !lit
				fn(lit)
			}
		}
	}()
	return t
}

func (t *ticker) cancel() {
	t.once.Do(func() { close(t.stop) })
}

// StartBlink starts the ringing blink task, replacing any running one.
func (s *Session) StartBlink(interval time.Duration, fn func(lit bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.blink != nil {
		s.blink.cancel()
	}
	s.blink = startTicker(interval, fn)
}

// StopBlink cancels the blink task if running.
func (s *Session) StopBlink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blink != nil {
		s.blink.cancel()
		s.blink = nil
	}
}

// Blinking reports whether a blink task is running.
func (s *Session) Blinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blink != nil
}

// ArmGrace schedules fn after d. fn receives a generation that must be
// checked with GraceCurrent; a disarmed or re-armed timer is stale.
func (s *Session) ArmGrace(d time.Duration, fn func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.grace != nil {
		s.grace.Stop()
	}
	s.graceGen++
	gen := s.graceGen
	s.grace = time.AfterFunc(d, func() { fn(gen) })
}

// DisarmGrace cancels the click grace timer.
func (s *Session) DisarmGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceGen++
}

// GraceCurrent reports whether gen belongs to the armed grace timer.
func (s *Session) GraceCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.grace != nil && s.graceGen == gen
}

// Close cancels every timer owned by the session. Later Apply calls fail.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.blink != nil {
		s.blink.cancel()
		s.blink = nil
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceGen++
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
