package dispatcher

import (
	"slices"
	"sync"

	"github.com/sweeney/callctl/internal/session"
)

// Change describes a session entering the registry or changing mode.
type Change struct {
	Session session.Snapshot
	Event   session.Event
	From    session.Mode
	// Created is set when the session is new. From then equals
	// Session.Mode and Event is meaningless.
	Created bool
	// Replaced is the channel id this session superseded, if any.
	Replaced string
}

// Field is an inbound field value applied to a tracked session.
type Field struct {
	Channel string
	Name    string
	Value   string
}

type listeners struct {
	mu         sync.Mutex
	transition []func(Change)
	answer     []func(session.Snapshot)
	remove     []func(session.Snapshot)
	field      []func(Field)
	blink      []func(channel string, lit bool)
}

// OnTransition registers fn for session creation and mode changes.
func (d *Dispatcher) OnTransition(fn func(Change)) {
	d.hooks.mu.Lock()
	d.hooks.transition = append(d.hooks.transition, fn)
	d.hooks.mu.Unlock()
}

// OnAnswer registers fn for calls the local user answered. It runs once
// the person lookup completed, or after the retry budget ran out.
func (d *Dispatcher) OnAnswer(fn func(session.Snapshot)) {
	d.hooks.mu.Lock()
	d.hooks.answer = append(d.hooks.answer, fn)
	d.hooks.mu.Unlock()
}

// OnRemove registers fn for sessions leaving the registry.
func (d *Dispatcher) OnRemove(fn func(session.Snapshot)) {
	d.hooks.mu.Lock()
	d.hooks.remove = append(d.hooks.remove, fn)
	d.hooks.mu.Unlock()
}

// OnField registers fn for field values received from the bus.
func (d *Dispatcher) OnField(fn func(Field)) {
	d.hooks.mu.Lock()
	d.hooks.field = append(d.hooks.field, fn)
	d.hooks.mu.Unlock()
}

// OnBlink registers fn for ringing blink ticks. It is called from the
// session's timer goroutine.
func (d *Dispatcher) OnBlink(fn func(channel string, lit bool)) {
	d.hooks.mu.Lock()
	d.hooks.blink = append(d.hooks.blink, fn)
	d.hooks.mu.Unlock()
}

func (l *listeners) copyTransition() []func(Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.transition)
}

func (l *listeners) copyAnswer() []func(session.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.answer)
}

func (l *listeners) copyRemove() []func(session.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.remove)
}

func (l *listeners) copyField() []func(Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.field)
}

func (l *listeners) copyBlink() []func(string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.blink)
}

// notes collects callbacks while the dispatcher lock is held.
type notes []func()

func (n *notes) add(fn func()) {
	*n = append(*n, fn)
}

func (n notes) fire() {
	for _, fn := range n {
		fn()
	}
}

func (d *Dispatcher) noteChange(n *notes, c Change) {
	n.add(func() {
		for _, fn := range d.hooks.copyTransition() {
			fn(c)
		}
	})
}

func (d *Dispatcher) noteRemove(n *notes, snap session.Snapshot) {
	n.add(func() {
		for _, fn := range d.hooks.copyRemove() {
			fn(snap)
		}
	})
}

func (d *Dispatcher) noteField(n *notes, f Field) {
	n.add(func() {
		for _, fn := range d.hooks.copyField() {
			fn(f)
		}
	})
}

func (d *Dispatcher) emitBlink(s *session.Session, lit bool) {
	ch := s.Channel()
	for _, fn := range d.hooks.copyBlink() {
		fn(ch, lit)
	}
}

func (d *Dispatcher) emitAnswer(snap session.Snapshot) {
	for _, fn := range d.hooks.copyAnswer() {
		fn(snap)
	}
}
